// Package pdu provides a client for switching and querying networked Power
// Distribution Units over a line-oriented ASCII command session.
//
// # Basic Usage
//
//	ctx := context.Background()
//	client, err := pdu.Dial(ctx, "192.168.1.50",
//	    &pdu.Credentials{Username: "admin", Password: "secret"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.OutletOn(ctx, 3); err != nil {
//	    log.Fatal(err)
//	}
//	state, err := client.OutletStatus(ctx, 3)
//
// # Configuration
//
// The client can be configured using functional options:
//
//	client, err := pdu.New(
//	    pdu.WithTransportKind(pdu.KindSSH),
//	    pdu.WithReadTimeout(5*time.Second),
//	    pdu.WithLogger(slog.Default()),
//	)
//
// # Transports
//
// Sessions are opened over raw TCP, SSH (port 22) or Telnet (port 23).
// Telnet must be enabled in the device's web interface first. Commands are
// written as one CRLF-terminated line; a reply ends at the shell prompt,
// an end token, or after a fixed number of lines, as the vendor profile
// says. Commands from concurrent goroutines are serialized on the wire.
//
// # Profiles
//
// Command strings live in YAML profiles. The built-in "eaton-emat" profile
// speaks the Eaton EMAT-08/10 object syntax, for example
//
//	get PDU.OutletSystem.Outlet[3].PresentStatus.SwitchOnOff
//
// Other PDUs are supported by loading a profile with LoadProfile and passing
// it to WithProfile.
package pdu
