package pdu

import (
	"errors"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientOption configures a Client.
type ClientOption func(*clientConfig) error

// clientConfig holds the configuration for a Client.
type clientConfig struct {
	kind           Kind
	port           int
	connectTimeout time.Duration
	readTimeout    time.Duration
	eol            string
	profile        *Profile
	prompt         *string
	hostKey        ssh.HostKeyCallback
	transport      Transport
	logger         *slog.Logger
}

// defaultConfig returns the default client configuration.
func defaultConfig() *clientConfig {
	return &clientConfig{
		kind:           KindTelnet,
		port:           0,
		connectTimeout: 5 * time.Second,
		readTimeout:    3 * time.Second,
		eol:            "\r\n",
		profile:        nil,
		hostKey:        nil,
		transport:      nil,
		logger:         nil,
	}
}

// WithTransportKind selects how the session is opened.
// Default is KindTelnet.
func WithTransportKind(kind Kind) ClientOption {
	return func(c *clientConfig) error {
		if _, err := ParseKind(kind.String()); err != nil {
			return err
		}
		c.kind = kind
		return nil
	}
}

// WithPort sets the default TCP port used when Connect is given port 0.
// Default is the well-known port of the transport kind (22, 23) or 10001 for raw TCP.
func WithPort(port int) ClientOption {
	return func(c *clientConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		c.port = port
		return nil
	}
}

// WithConnectTimeout sets the timeout for establishing a session, login included.
// Default is 5 seconds.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if d <= 0 {
			return errors.New("connect timeout must be positive")
		}
		c.connectTimeout = d
		return nil
	}
}

// WithReadTimeout sets how long a command waits for its complete reply.
// Default is 3 seconds.
func WithReadTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if d <= 0 {
			return errors.New("read timeout must be positive")
		}
		c.readTimeout = d
		return nil
	}
}

// WithLineTerminator sets the terminator appended to every command.
// Default is CRLF.
func WithLineTerminator(eol string) ClientOption {
	return func(c *clientConfig) error {
		if eol == "" {
			return errors.New("line terminator must not be empty")
		}
		c.eol = eol
		return nil
	}
}

// WithProfile sets the vendor command profile.
// Default is the built-in eaton-emat profile.
func WithProfile(p *Profile) ClientOption {
	return func(c *clientConfig) error {
		if p == nil {
			return errors.New("profile must not be nil")
		}
		if err := p.Validate(); err != nil {
			return err
		}
		c.profile = p
		return nil
	}
}

// WithPrompt overrides the profile's prompt regular expression.
// An empty string disables prompt framing.
func WithPrompt(pattern string) ClientOption {
	return func(c *clientConfig) error {
		if pattern != "" {
			if _, err := regexp.Compile(pattern); err != nil {
				return err
			}
		}
		c.prompt = &pattern
		return nil
	}
}

// WithHostKeyCallback sets the SSH host key verification.
// By default host keys are not verified.
func WithHostKeyCallback(cb ssh.HostKeyCallback) ClientOption {
	return func(c *clientConfig) error {
		c.hostKey = cb
		return nil
	}
}

// WithTransport replaces the built-in transport selected by kind.
func WithTransport(t Transport) ClientOption {
	return func(c *clientConfig) error {
		if t == nil {
			return errors.New("transport must not be nil")
		}
		c.transport = t
		return nil
	}
}

// WithLogger sets a structured logger for debug and error logging.
// By default, no logging is performed.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) error {
		c.logger = logger
		return nil
	}
}
