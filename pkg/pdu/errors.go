package pdu

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the host is unreachable or refuses the connection.
	ErrConnection = errors.New("connection failed")
	// ErrAuth is returned when an SSH or Telnet login is rejected.
	ErrAuth = errors.New("authentication failed")
	// ErrTimeout is returned when no complete reply arrives before the read deadline.
	ErrTimeout = errors.New("reply timeout")
	// ErrIO is returned when the session fails mid-command.
	ErrIO = errors.New("session i/o error")
	// ErrNotConnected is returned when an operation is attempted before Connect or after Disconnect.
	ErrNotConnected = errors.New("device is not connected")
	// ErrUnknownCommand is returned when a logical command name has no template.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrArgument is returned when command arguments do not fit the template.
	ErrArgument = errors.New("invalid argument")
	// ErrParse is returned when a reply does not have the expected shape.
	ErrParse = errors.New("malformed reply")
	// ErrProtocol is returned when the device answers with an error token.
	ErrProtocol = errors.New("device rejected command")
)

// DeviceError carries the command and the error line the device answered with.
// It matches ErrProtocol with errors.Is.
type DeviceError struct {
	Command string
	Reply   string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%v: %q answered %q", ErrProtocol, e.Command, e.Reply)
}

func (e *DeviceError) Unwrap() error {
	return ErrProtocol
}
