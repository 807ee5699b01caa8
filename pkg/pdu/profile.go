package pdu

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var builtinFS embed.FS

// DefaultProfile is used when no profile option is given.
const DefaultProfile = "eaton-emat"

// Framing describes where a reply ends and how the device reports errors.
type Framing struct {
	// Prompt is a regular expression matched against each line; a match ends the reply.
	Prompt string `yaml:"prompt,omitempty"`
	// EndToken is a sentinel line ending the reply when there is no prompt.
	EndToken string `yaml:"end_token,omitempty"`
	// ErrorPattern matches payload lines that mean the command was rejected.
	ErrorPattern string `yaml:"error_pattern,omitempty"`
	// Echo is set when the device repeats each command line before answering.
	Echo bool `yaml:"echo,omitempty"`
	// Settle is the quiet period that ends a reply with no other terminator,
	// and the wait for late output after a timeout. Default 250ms.
	Settle time.Duration `yaml:"settle,omitempty"`
}

// Login lists the Telnet login prompts and the lines that mean rejection.
// Prompts are matched as exact substrings; failures ignore case.
type Login struct {
	UserPrompts []string `yaml:"user_prompts,omitempty"`
	PassPrompts []string `yaml:"pass_prompts,omitempty"`
	Failures    []string `yaml:"failures,omitempty"`
}

// Profile is the command set and framing of one PDU family.
type Profile struct {
	Name     string     `yaml:"name"`
	Framing  Framing    `yaml:"framing"`
	Login    Login      `yaml:"login"`
	Logout   string     `yaml:"logout,omitempty"`
	Init     []string   `yaml:"init,omitempty"`
	Commands []Template `yaml:"commands"`
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfile reads a YAML profile from disk.
func LoadProfile(file string) (*Profile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// BuiltinProfile returns a copy of a profile shipped with the package.
func BuiltinProfile(name string) (*Profile, error) {
	data, err := builtinFS.ReadFile(path.Join("profiles", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: no built-in profile %q", ErrArgument, name)
	}
	return ParseProfile(data)
}

// BuiltinProfiles lists the names of the shipped profiles.
func BuiltinProfiles() []string {
	entries, _ := builtinFS.ReadDir("profiles")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Validate checks the regular expressions and the command table.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile has no name")
	}
	if _, err := compileOptional(p.Framing.Prompt); err != nil {
		return fmt.Errorf("profile %s: prompt: %w", p.Name, err)
	}
	if _, err := compileOptional(p.Framing.ErrorPattern); err != nil {
		return fmt.Errorf("profile %s: error_pattern: %w", p.Name, err)
	}
	if p.Framing.Settle < 0 {
		return fmt.Errorf("profile %s: negative settle", p.Name)
	}
	if len(p.Commands) == 0 {
		return fmt.Errorf("profile %s has no commands", p.Name)
	}
	if _, err := p.Registry(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return nil
}

// Registry builds the command registry of the profile.
func (p *Profile) Registry() (*Registry, error) {
	return NewRegistry(p.Commands)
}
