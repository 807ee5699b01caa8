package pdu

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Client.
type State int

const (
	// StateUninitialized is the state of a new Client.
	StateUninitialized State = iota
	// StateConnected accepts commands.
	StateConnected
	// StateInitialized accepts commands and holds a device inventory.
	StateInitialized
	// StateDisconnected rejects commands until the next Connect.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateConnected:
		return "Connected"
	case StateInitialized:
		return "Initialized"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) accepting() bool {
	return s == StateConnected || s == StateInitialized
}

// Driver is the contract shared with other instrument drivers.
type Driver interface {
	Connect(ctx context.Context, host string, port int, creds *Credentials) error
	Disconnect()
	IsConnected() bool
	SendCommand(ctx context.Context, command string) error
	ReadReply() ([]string, error)
}

var _ Driver = (*Client)(nil)

// Client drives one PDU session. It is safe for concurrent use: commands
// are serialized on the wire. Connect and Disconnect must not race with
// commands the caller still expects to succeed.
type Client struct {
	port           int
	connectTimeout time.Duration
	readTimeout    time.Duration
	eol            string
	profile        *Profile
	registry       *Registry
	prompt         *regexp.Regexp
	errPattern     *regexp.Regexp
	transport      Transport
	logger         *slog.Logger

	mu        sync.Mutex
	state     State
	ch        *channel
	sessionID uuid.UUID
	addr      string
	inventory Inventory
	lastReply []string
}

// New creates a disconnected client.
// Options can be provided to configure the client behavior.
func New(opts ...ClientOption) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	prof := cfg.profile
	if prof == nil {
		p, err := BuiltinProfile(DefaultProfile)
		if err != nil {
			return nil, err
		}
		prof = p
	}
	reg, err := prof.Registry()
	if err != nil {
		return nil, err
	}

	promptPattern := prof.Framing.Prompt
	if cfg.prompt != nil {
		promptPattern = *cfg.prompt
	}
	prompt, err := compileOptional(promptPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt: %w", err)
	}
	errPattern, err := compileOptional(prof.Framing.ErrorPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid error pattern: %w", err)
	}

	t := cfg.transport
	if t == nil {
		t = newTransport(cfg, prof)
	}

	return &Client{
		port:           cfg.port,
		connectTimeout: cfg.connectTimeout,
		readTimeout:    cfg.readTimeout,
		eol:            cfg.eol,
		profile:        prof,
		registry:       reg,
		prompt:         prompt,
		errPattern:     errPattern,
		transport:      t,
		logger:         cfg.logger,
	}, nil
}

// Dial creates a client and connects it to host on the configured port.
func Dial(ctx context.Context, host string, creds *Credentials, opts ...ClientOption) (*Client, error) {
	c, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx, host, 0, creds); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens the session. Port 0 selects the configured or well-known port.
// A session that is already open is closed first.
// The context is used for the connection timeout.
func (c *Client) Connect(ctx context.Context, host string, port int, creds *Credentials) error {
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrArgument)
	}
	if port == 0 {
		port = c.port
	}
	if port == 0 {
		port = c.transport.Kind().DefaultPort()
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.closeLocked()
		c.state = StateDisconnected
	}

	// Apply connect timeout to context if not already set
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	kind := c.transport.Kind()
	stream, err := c.transport.Open(ctx, addr, creds)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("failed to connect", "addr", addr, "transport", kind, "error", err)
		}
		return err
	}

	id := uuid.New()
	logger := c.logger
	if logger != nil {
		logger = logger.With("session", id.String())
	}
	ch := newChannel(stream, c.eol, c.prompt, c.profile.Framing.Settle, logger)
	if c.prompt != nil && kind != KindTCP {
		if err := c.awaitBanner(ctx, ch); err != nil {
			ch.close()
			if c.logger != nil {
				c.logger.Error("failed to connect", "addr", addr, "transport", kind, "error", err)
			}
			return err
		}
	}

	c.ch = ch
	c.state = StateConnected
	c.sessionID = id
	c.addr = addr
	c.inventory = Inventory{}
	c.lastReply = nil

	if c.logger != nil {
		c.logger.Info("connected to device", "addr", addr, "transport", kind, "session", id.String())
	}
	return nil
}

// awaitBanner consumes the login banner up to the first shell prompt.
func (c *Client) awaitBanner(ctx context.Context, ch *channel) error {
	var failure string
	_, err := ch.await(ctx, func(lines []string) bool {
		last := lines[len(lines)-1]
		if matchesAny(last, c.profile.Login.Failures) {
			failure = strings.TrimSpace(last)
			return true
		}
		return ch.isPrompt(last)
	}, c.connectTimeout)
	if err != nil {
		return fmt.Errorf("%w: waiting for prompt: %w", ErrConnection, err)
	}
	if failure != "" {
		return fmt.Errorf("%w: %s", ErrAuth, failure)
	}
	return nil
}

// Disconnect closes the session. It is safe to call in any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.state = StateDisconnected
}

// Close implements io.Closer.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

func (c *Client) closeLocked() {
	if c.ch == nil {
		return
	}
	if c.profile.Logout != "" && c.transport.Kind() != KindTCP && !c.ch.broken() {
		_ = c.ch.post(c.profile.Logout)
	}
	c.ch.close()
	c.ch = nil
	if c.logger != nil {
		c.logger.Info("disconnected", "addr", c.addr, "session", c.sessionID.String())
	}
}

// dropSession forgets a session whose connection is gone.
func (c *Client) dropSession(ch *channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != ch {
		return
	}
	ch.close()
	c.ch = nil
	c.state = StateDisconnected
	if c.logger != nil {
		c.logger.Warn("session lost", "addr", c.addr, "session", c.sessionID.String())
	}
}

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client accepts commands.
func (c *Client) IsConnected() bool {
	return c.State().accepting()
}

// SessionID identifies the current session in logs. It changes on every Connect.
func (c *Client) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Registry returns the command registry of the client's profile.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Inventory returns the device description read by Initialize,
// with outlet states updated by OutletOn and OutletOff.
func (c *Client) Inventory() Inventory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inventory.clone()
}

func (c *Client) session() (*channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || !c.state.accepting() {
		return nil, ErrNotConnected
	}
	return c.ch, nil
}

// checkOutlet rejects non-positive indices, and indices above the outlet
// count once the inventory is known.
func (c *Client) checkOutlet(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || !c.state.accepting() {
		return ErrNotConnected
	}
	if n < 1 {
		return fmt.Errorf("%w: outlet index must be >= 1, got %d", ErrArgument, n)
	}
	if count := c.inventory.OutletCount; c.state == StateInitialized && count > 0 && n > count {
		return fmt.Errorf("%w: outlet index must be <= %d, got %d", ErrArgument, count, n)
	}
	return nil
}

// roundTrip sends one wire command and returns its payload lines.
func (c *Client) roundTrip(ctx context.Context, ch *channel, cmd string, expect int) ([]string, error) {
	lines, err := ch.exchange(ctx, cmd, c.completion(cmd, expect), c.readTimeout)
	if err != nil {
		if ch.broken() {
			c.dropSession(ch)
		}
		return nil, err
	}
	payload := c.payload(cmd, lines)
	if c.errPattern != nil {
		for _, l := range payload {
			if c.errPattern.MatchString(l) {
				if c.logger != nil {
					c.logger.Warn("device rejected command", "command", cmd, "reply", l)
				}
				return nil, &DeviceError{Command: cmd, Reply: l}
			}
		}
	}
	return payload, nil
}

// completion returns the predicate deciding when a reply is complete:
// the prompt, else the end token, else the expected payload line count.
// Nil means the reply ends when the device falls quiet.
func (c *Client) completion(cmd string, expect int) func([]string) bool {
	switch {
	case c.prompt != nil:
		return func(lines []string) bool {
			return c.prompt.MatchString(lines[len(lines)-1])
		}
	case c.profile.Framing.EndToken != "":
		token := c.profile.Framing.EndToken
		return func(lines []string) bool {
			return strings.TrimSpace(lines[len(lines)-1]) == token
		}
	case expect > 0:
		return func(lines []string) bool {
			return len(c.payload(cmd, lines)) >= expect
		}
	default:
		return nil
	}
}

// payload drops blank lines, prompts and the end token. On echoing devices
// the first echo of cmd and anything before it are dropped too.
func (c *Client) payload(cmd string, lines []string) []string {
	if c.profile.Framing.Echo {
		for i, l := range lines {
			if c.isEcho(l, cmd) {
				lines = lines[i+1:]
				break
			}
		}
	}
	var out []string
	for _, l := range lines {
		t := strings.TrimSpace(l)
		switch {
		case t == "":
		case c.prompt != nil && c.prompt.MatchString(l):
		case c.profile.Framing.EndToken != "" && t == c.profile.Framing.EndToken:
		default:
			out = append(out, t)
		}
	}
	return out
}

// isEcho reports whether line is cmd as typed, possibly behind a prompt.
func (c *Client) isEcho(line, cmd string) bool {
	t := strings.TrimSpace(line)
	if t == cmd {
		return true
	}
	if c.prompt == nil || !strings.HasSuffix(t, cmd) {
		return false
	}
	return c.prompt.MatchString(strings.TrimSuffix(t, cmd))
}

func (c *Client) execute(ctx context.Context, name string, args Args) (Value, error) {
	ch, err := c.session()
	if err != nil {
		return Value{}, err
	}
	cmd, err := c.registry.Resolve(name, args)
	if err != nil {
		return Value{}, err
	}
	t, _ := c.registry.Lookup(name)
	lines, err := c.roundTrip(ctx, ch, cmd, t.Lines)
	if err != nil {
		return Value{}, err
	}
	return c.registry.Parse(name, lines)
}

// OutletOn switches outlet n (1-based) on.
func (c *Client) OutletOn(ctx context.Context, n int) error {
	return c.switchOutlet(ctx, n, "outlet_on", OutletOn)
}

// OutletOff switches outlet n (1-based) off.
func (c *Client) OutletOff(ctx context.Context, n int) error {
	return c.switchOutlet(ctx, n, "outlet_off", OutletOff)
}

func (c *Client) switchOutlet(ctx context.Context, n int, name string, state OutletState) error {
	if err := c.checkOutlet(n); err != nil {
		return err
	}
	if _, err := c.execute(ctx, name, Args{Outlet: Outlet(n)}); err != nil {
		return err
	}
	c.mu.Lock()
	if n <= len(c.inventory.Outlets) {
		c.inventory.Outlets[n-1].State = state
	}
	c.mu.Unlock()
	return nil
}

// OutletStatus reads the switched state of outlet n.
func (c *Client) OutletStatus(ctx context.Context, n int) (OutletState, error) {
	if err := c.checkOutlet(n); err != nil {
		return OutletUnknown, err
	}
	v, err := c.execute(ctx, "status", Args{Outlet: Outlet(n)})
	if err != nil {
		return OutletUnknown, err
	}
	return ParseOutletState(v.Raw)
}

// OutletStates reads the state of every outlet in one command.
func (c *Client) OutletStates(ctx context.Context) ([]OutletState, error) {
	v, err := c.execute(ctx, "status", Args{Outlet: AllOutlets})
	if err != nil {
		return nil, err
	}
	return unmarshalStates(v)
}

// ResetStatistics clears the energy counters of outlet n.
func (c *Client) ResetStatistics(ctx context.Context, n int) error {
	if err := c.checkOutlet(n); err != nil {
		return err
	}
	_, err := c.execute(ctx, "reset_statistics", Args{Outlet: Outlet(n)})
	return err
}

// SetAutoRestart sets what outlet n does when the PDU powers up.
func (c *Client) SetAutoRestart(ctx context.Context, n int, mode AutoRestart) error {
	if err := c.checkOutlet(n); err != nil {
		return err
	}
	p := int(mode)
	_, err := c.execute(ctx, "set_auto_restart", Args{Outlet: Outlet(n), Param: &p})
	return err
}

// GetAtomicValue reads one device attribute by key. Outlet-level keys take
// an outlet index or AllOutlets; device-level keys take NoOutlet.
// The key "help" returns the readable keys.
func (c *Client) GetAtomicValue(ctx context.Context, key string, outlet Outlet) (Value, error) {
	if _, err := c.session(); err != nil {
		return Value{}, err
	}
	if normalizeKey(key) == HelpKey {
		keys := append(c.registry.DeviceKeys(), c.registry.OutletKeys()...)
		return Value{Raw: strings.Join(keys, "|"), Items: keys}, nil
	}
	if _, ok := c.registry.Lookup(key); !ok {
		if c.logger != nil {
			c.logger.Warn("unsupported item", "key", key)
		}
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownCommand, key)
	}
	if outlet > 0 {
		if err := c.checkOutlet(int(outlet)); err != nil {
			return Value{}, err
		}
	}
	return c.execute(ctx, key, Args{Outlet: outlet})
}

// Initialize runs the profile's startup commands and reads the device
// inventory. Keys missing from the profile are skipped.
func (c *Client) Initialize(ctx context.Context) (Inventory, error) {
	ch, err := c.session()
	if err != nil {
		return Inventory{}, err
	}
	for _, cmd := range c.profile.Init {
		if _, err := c.roundTrip(ctx, ch, cmd, 0); err != nil {
			return Inventory{}, fmt.Errorf("init command %q: %w", cmd, err)
		}
	}

	var inv Inventory
	if v, ok, err := c.optional(ctx, "outlet_count", NoOutlet); err != nil {
		return Inventory{}, err
	} else if ok {
		if inv.OutletCount, err = v.Int(); err != nil {
			return Inventory{}, err
		}
	}

	fields := []struct {
		key string
		dst *string
	}{
		{"manufacturer", &inv.Manufacturer},
		{"model", &inv.Model},
		{"version", &inv.Version},
		{"serial", &inv.Serial},
	}
	for _, f := range fields {
		v, _, err := c.optional(ctx, f.key, NoOutlet)
		if err != nil {
			return Inventory{}, err
		}
		*f.dst = v.Raw
	}

	if inv.OutletCount > 0 {
		inv.Outlets = make([]OutletInfo, inv.OutletCount)
		for i := range inv.Outlets {
			inv.Outlets[i].Number = i + 1
		}
		names, ok, err := c.optional(ctx, "name", AllOutlets)
		if err != nil {
			return Inventory{}, err
		}
		if ok {
			if len(names.Items) != inv.OutletCount {
				return Inventory{}, fmt.Errorf("%w: %d outlet names for %d outlets", ErrParse, len(names.Items), inv.OutletCount)
			}
			for i, name := range names.Items {
				inv.Outlets[i].Name = name
			}
		}
		status, ok, err := c.optional(ctx, "status", AllOutlets)
		if err != nil {
			return Inventory{}, err
		}
		if ok {
			states, err := unmarshalStates(status)
			if err != nil {
				return Inventory{}, err
			}
			if len(states) != inv.OutletCount {
				return Inventory{}, fmt.Errorf("%w: %d outlet states for %d outlets", ErrParse, len(states), inv.OutletCount)
			}
			for i, s := range states {
				inv.Outlets[i].State = s
			}
		}
	}

	c.mu.Lock()
	if c.ch == ch {
		c.inventory = inv
		c.state = StateInitialized
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("device initialized", "model", inv.Model, "version", inv.Version, "outlets", inv.OutletCount)
	}
	return inv.clone(), nil
}

// optional executes key if the profile defines it.
func (c *Client) optional(ctx context.Context, key string, outlet Outlet) (Value, bool, error) {
	if _, ok := c.registry.Lookup(key); !ok {
		return Value{}, false, nil
	}
	v, err := c.execute(ctx, key, Args{Outlet: outlet})
	if err != nil {
		return Value{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	return v, true, nil
}

// SendCommand sends a raw command line and keeps its reply for ReadReply.
func (c *Client) SendCommand(ctx context.Context, command string) error {
	ch, err := c.session()
	if err != nil {
		return err
	}
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrArgument)
	}
	lines, err := c.roundTrip(ctx, ch, command, 1)
	c.mu.Lock()
	c.lastReply = lines
	c.mu.Unlock()
	return err
}

// ReadReply returns the payload lines of the last SendCommand.
func (c *Client) ReadReply() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil || !c.state.accepting() {
		return nil, ErrNotConnected
	}
	return slices.Clone(c.lastReply), nil
}
