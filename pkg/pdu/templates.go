package pdu

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Placeholders recognised in a template command.
const (
	placeholderOutlet = "{n}"
	placeholderParam  = "{p}"
)

// HelpKey is reserved: GetAtomicValue answers it with the registered keys.
const HelpKey = "help"

// ReplyKind selects how a reply is validated.
type ReplyKind string

const (
	// ReplyAck expects no payload; the command succeeded unless the device reported an error.
	ReplyAck ReplyKind = "ack"
	// ReplyString accepts any non-empty payload.
	ReplyString ReplyKind = "string"
	// ReplyInt expects integer items.
	ReplyInt ReplyKind = "int"
	// ReplyFloat expects decimal items.
	ReplyFloat ReplyKind = "float"
	// ReplySwitch expects 0/1 (or off/on) items.
	ReplySwitch ReplyKind = "switch"
)

// Template maps a logical command to its wire format and reply rule.
type Template struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`
	// Command is the wire text. {n} is replaced by the outlet, {p} by the parameter.
	Command string    `yaml:"command"`
	Reply   ReplyKind `yaml:"reply"`
	// Lines is the reply line count used when the profile has neither prompt
	// nor end token. Zero waits for the device to fall quiet.
	Lines int `yaml:"lines,omitempty"`
	// Wildcard allows AllOutlets, answered with one "|"-separated line.
	Wildcard bool   `yaml:"wildcard,omitempty"`
	ParamMin int    `yaml:"param_min,omitempty"`
	ParamMax int    `yaml:"param_max,omitempty"`
	Help     string `yaml:"help,omitempty"`
}

// OutletScoped reports whether the command addresses a single outlet.
func (t Template) OutletScoped() bool {
	return strings.Contains(t.Command, placeholderOutlet)
}

// Parameterized reports whether the command takes a {p} argument.
func (t Template) Parameterized() bool {
	return strings.Contains(t.Command, placeholderParam)
}

func (t Template) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template with command %q has no name", t.Command)
	}
	if strings.TrimSpace(t.Command) == "" {
		return fmt.Errorf("template %q has no command", t.Name)
	}
	switch t.Reply {
	case ReplyAck, ReplyString, ReplyInt, ReplyFloat, ReplySwitch:
	default:
		return fmt.Errorf("template %q: unknown reply kind %q", t.Name, t.Reply)
	}
	if t.Lines < 0 {
		return fmt.Errorf("template %q: negative line count", t.Name)
	}
	if t.Wildcard && !t.OutletScoped() {
		return fmt.Errorf("template %q: wildcard without %s", t.Name, placeholderOutlet)
	}
	if t.ParamMax < t.ParamMin {
		return fmt.Errorf("template %q: param_max below param_min", t.Name)
	}
	return nil
}

// Outlet is a 1-based outlet index. NoOutlet and AllOutlets are sentinels.
type Outlet int

const (
	// NoOutlet is passed for device-level commands.
	NoOutlet Outlet = 0
	// AllOutlets addresses every outlet of a wildcard template.
	AllOutlets Outlet = -1
)

func (o Outlet) String() string {
	if o == AllOutlets {
		return "x"
	}
	return strconv.Itoa(int(o))
}

// ParseOutlet accepts a positive index or "x"/"all" for every outlet.
func ParseOutlet(s string) (Outlet, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x", "all", "*":
		return AllOutlets, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return NoOutlet, fmt.Errorf("%w: outlet %q must be a positive integer or x", ErrArgument, s)
	}
	return Outlet(n), nil
}

// Args are the values substituted into a template.
type Args struct {
	Outlet Outlet
	Param  *int
}

// Value is a parsed reply payload.
type Value struct {
	// Raw is the payload line exactly as the device sent it, surrounding blanks trimmed.
	Raw string
	// Items holds Raw split on "|" for wildcard replies, or Raw alone.
	Items []string
}

func (v Value) String() string { return v.Raw }

// Int parses Raw as an integer.
func (v Value) Int() (int, error) {
	n, err := strconv.Atoi(v.Raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrParse, v.Raw)
	}
	return n, nil
}

// Float parses Raw as a decimal number.
func (v Value) Float() (float64, error) {
	f, err := strconv.ParseFloat(v.Raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrParse, v.Raw)
	}
	return f, nil
}

// Registry is an immutable set of templates keyed by name and alias.
type Registry struct {
	byKey map[string]Template
	names []string
}

// NewRegistry validates templates and indexes them case-insensitively.
func NewRegistry(templates []Template) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Template, len(templates))}
	for _, t := range templates {
		if err := t.validate(); err != nil {
			return nil, err
		}
		keys := append([]string{t.Name}, t.Aliases...)
		for _, k := range keys {
			k = normalizeKey(k)
			if k == HelpKey {
				return nil, fmt.Errorf("template %q: %q is reserved", t.Name, HelpKey)
			}
			if _, dup := r.byKey[k]; dup {
				return nil, fmt.Errorf("duplicate template key %q", k)
			}
			r.byKey[k] = t
		}
		r.names = append(r.names, t.Name)
	}
	return r, nil
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Lookup returns the template registered under name or one of its aliases.
func (r *Registry) Lookup(name string) (Template, bool) {
	t, ok := r.byKey[normalizeKey(name)]
	return t, ok
}

// Names returns the canonical template names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// DeviceKeys returns readable device-level keys.
func (r *Registry) DeviceKeys() []string {
	return r.filter(func(t Template) bool { return t.Reply != ReplyAck && !t.OutletScoped() })
}

// OutletKeys returns readable outlet-level keys.
func (r *Registry) OutletKeys() []string {
	return r.filter(func(t Template) bool { return t.Reply != ReplyAck && t.OutletScoped() })
}

func (r *Registry) filter(keep func(Template) bool) []string {
	var out []string
	for _, n := range r.names {
		if t := r.byKey[normalizeKey(n)]; keep(t) {
			out = append(out, n)
		}
	}
	return out
}

// Resolve renders the wire command for name with args.
func (r *Registry) Resolve(name string, args Args) (string, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	repl := []string{}
	if t.OutletScoped() {
		switch {
		case args.Outlet == NoOutlet:
			return "", fmt.Errorf("%w: %s requires an outlet", ErrArgument, t.Name)
		case args.Outlet == AllOutlets && !t.Wildcard:
			return "", fmt.Errorf("%w: %s does not accept all outlets", ErrArgument, t.Name)
		case args.Outlet < 1 && args.Outlet != AllOutlets:
			return "", fmt.Errorf("%w: outlet index must be >= 1, got %d", ErrArgument, int(args.Outlet))
		}
		repl = append(repl, placeholderOutlet, args.Outlet.String())
	} else if args.Outlet != NoOutlet {
		return "", fmt.Errorf("%w: %s takes no outlet", ErrArgument, t.Name)
	}

	if t.Parameterized() {
		if args.Param == nil {
			return "", fmt.Errorf("%w: %s requires a parameter", ErrArgument, t.Name)
		}
		p := *args.Param
		if p < t.ParamMin || p > t.ParamMax {
			return "", fmt.Errorf("%w: %s parameter must be between %d and %d, got %d", ErrArgument, t.Name, t.ParamMin, t.ParamMax, p)
		}
		repl = append(repl, placeholderParam, strconv.Itoa(p))
	} else if args.Param != nil {
		return "", fmt.Errorf("%w: %s takes no parameter", ErrArgument, t.Name)
	}

	return strings.NewReplacer(repl...).Replace(t.Command), nil
}

// Parse validates payload lines against the template's reply kind.
// The value is taken from the last payload line.
func (r *Registry) Parse(name string, lines []string) (Value, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if t.Reply == ReplyAck {
		return Value{}, nil
	}
	if len(lines) == 0 {
		return Value{}, fmt.Errorf("%w: %s: empty reply", ErrParse, t.Name)
	}

	raw := strings.TrimSpace(lines[len(lines)-1])
	if raw == "" {
		return Value{}, fmt.Errorf("%w: %s: empty reply", ErrParse, t.Name)
	}
	items := strings.Split(raw, "|")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
		if err := checkItem(t.Reply, items[i]); err != nil {
			return Value{}, fmt.Errorf("%w: %s: %v", ErrParse, t.Name, err)
		}
	}
	return Value{Raw: raw, Items: items}, nil
}

func checkItem(kind ReplyKind, item string) error {
	switch kind {
	case ReplyInt:
		if _, err := strconv.Atoi(item); err != nil {
			return fmt.Errorf("%q is not an integer", item)
		}
	case ReplyFloat:
		if _, err := strconv.ParseFloat(item, 64); err != nil {
			return fmt.Errorf("%q is not a number", item)
		}
	case ReplySwitch:
		if _, err := ParseOutletState(item); err != nil {
			return err
		}
	}
	return nil
}
