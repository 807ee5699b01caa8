package pdu

import (
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/ziutek/telnet"
	"golang.org/x/crypto/ssh"
)

// Kind identifies how a session to the device is opened.
type Kind int

const (
	// KindTCP is a raw socket to the device's ASCII control port.
	KindTCP Kind = iota
	// KindSSH is an authenticated SSH shell.
	KindSSH
	// KindTelnet is a Telnet shell with option negotiation and login prompts.
	KindTelnet
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindSSH:
		return "ssh"
	case KindTelnet:
		return "telnet"
	default:
		return "unknown"
	}
}

// DefaultPort returns the port used when none is configured.
func (k Kind) DefaultPort() int {
	switch k {
	case KindSSH:
		return 22
	case KindTelnet:
		return 23
	default:
		return 10001
	}
}

// ParseKind maps "tcp", "ssh" or "telnet" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "raw":
		return KindTCP, nil
	case "ssh":
		return KindSSH, nil
	case "telnet":
		return KindTelnet, nil
	default:
		return 0, fmt.Errorf("%w: unknown transport %q", ErrArgument, s)
	}
}

// Credentials are the login for SSH and Telnet sessions. Raw TCP ignores them.
type Credentials struct {
	Username string
	Password string
}

// Transport opens a byte stream to a device.
// The returned stream is closed by the Client; Close must be safe to call more than once.
type Transport interface {
	Kind() Kind
	Open(ctx context.Context, addr string, creds *Credentials) (io.ReadWriteCloser, error)
}

// newTransport selects the built-in transport for cfg.kind.
func newTransport(cfg *clientConfig, prof *Profile) Transport {
	switch cfg.kind {
	case KindSSH:
		hk := cfg.hostKey
		if hk == nil {
			hk = ssh.InsecureIgnoreHostKey()
		}
		return &sshTransport{hostKey: hk}
	case KindTelnet:
		return &telnetTransport{login: prof.Login, eol: cfg.eol}
	default:
		return tcpTransport{}
	}
}

type tcpTransport struct{}

func (tcpTransport) Kind() Kind { return KindTCP }

func (tcpTransport) Open(ctx context.Context, addr string, _ *Credentials) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return conn, nil
}

type sshTransport struct {
	hostKey ssh.HostKeyCallback
}

func (t *sshTransport) Kind() Kind { return KindSSH }

func (t *sshTransport) Open(ctx context.Context, addr string, creds *Credentials) (io.ReadWriteCloser, error) {
	if creds == nil || creds.Username == "" {
		return nil, fmt.Errorf("%w: ssh requires a username", ErrAuth)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	password := creds.Password
	cfg := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: t.hostKey,
	}

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %w", ErrAuth, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sc, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: open session: %w", ErrConnection, err)
	}
	stream, err := newSSHStream(client, session)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return stream, nil
}

// sshStream is the stdin/stdout pair of an interactive shell.
type sshStream struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func newSSHStream(client *ssh.Client, session *ssh.Session) (*sshStream, error) {
	s := &sshStream{client: client, session: session}
	var err error
	if s.stdin, err = session.StdinPipe(); err != nil {
		return s, err
	}
	if s.stdout, err = session.StdoutPipe(); err != nil {
		return s, err
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err = session.RequestPty("vt100", 40, 200, modes); err != nil {
		return s, fmt.Errorf("request pty: %w", err)
	}
	if err = session.Shell(); err != nil {
		return s, fmt.Errorf("start shell: %w", err)
	}
	return s, nil
}

func (s *sshStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshStream) Close() error {
	s.session.Close()
	return s.client.Close()
}

type telnetTransport struct {
	login Login
	eol   string
}

func (t *telnetTransport) Kind() Kind { return KindTelnet }

// Open dials the device and answers its login prompts. Option negotiation
// and IAC escaping are left to the telnet connection.
func (t *telnetTransport) Open(ctx context.Context, addr string, creds *Credentials) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	tc, err := telnet.NewConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if creds == nil {
		return tc, nil
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = tc.SetReadDeadline(dl)
	}
	if err := t.authenticate(tc, creds); err != nil {
		tc.Close()
		return nil, err
	}
	_ = tc.SetReadDeadline(time.Time{})
	return tc, nil
}

// authenticate answers the username and password prompts. Whether the
// login succeeded is only known once the shell prompt or a failure line
// arrives, which the Client checks on the framed channel.
func (t *telnetTransport) authenticate(tc *telnet.Conn, creds *Credentials) error {
	if creds.Username != "" {
		if len(t.login.UserPrompts) > 0 {
			if err := tc.SkipUntil(t.login.UserPrompts...); err != nil {
				return fmt.Errorf("%w: waiting for login prompt: %w", ErrConnection, err)
			}
		}
		if _, err := tc.Write([]byte(creds.Username + t.eol)); err != nil {
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}
	if creds.Password != "" {
		if len(t.login.PassPrompts) > 0 {
			if err := tc.SkipUntil(t.login.PassPrompts...); err != nil {
				return fmt.Errorf("%w: waiting for password prompt: %w", ErrAuth, err)
			}
		}
		if _, err := tc.Write([]byte(creds.Password + t.eol)); err != nil {
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}
	return nil
}

// matchesAny reports whether line matches one of the case-insensitive substrings.
func matchesAny(line string, patterns []string) bool {
	low := strings.ToLower(line)
	for _, p := range patterns {
		if p != "" && strings.Contains(low, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// compileOptional compiles pattern, returning nil for the empty pattern.
func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}
