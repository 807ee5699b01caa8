package pdu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinProfiles(t *testing.T) {
	names := BuiltinProfiles()
	assert.Equal(t, []string{"eaton-emat", "eaton-emat-tcp"}, names)

	for _, name := range names {
		p, err := BuiltinProfile(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name)
	}

	_, err := BuiltinProfile("apc-rack")
	assert.ErrorIs(t, err, ErrArgument)
}

func TestBuiltinProfile_EatonEMAT(t *testing.T) {
	p, err := BuiltinProfile("eaton-emat")
	require.NoError(t, err)
	r, err := p.Registry()
	require.NoError(t, err)

	cmd, err := r.Resolve("outlet_on", Args{Outlet: 3})
	require.NoError(t, err)
	assert.Equal(t, "set PDU.OutletSystem.Outlet[3].DelayBeforeStartup 0", cmd)

	cmd, err = r.Resolve("outlet_off", Args{Outlet: 3})
	require.NoError(t, err)
	assert.Equal(t, "set PDU.OutletSystem.Outlet[3].DelayBeforeShutdown 0", cmd)

	cmd, err = r.Resolve("status", Args{Outlet: AllOutlets})
	require.NoError(t, err)
	assert.Equal(t, "get PDU.OutletSystem.Outlet[x].PresentStatus.SwitchOnOff", cmd)

	for _, key := range []string{"model", "firmware", "serial_number", "outlet_count", "active_power", "name"} {
		_, ok := r.Lookup(key)
		assert.True(t, ok, key)
	}

	assert.NotEmpty(t, p.Framing.Prompt)
	assert.Equal(t, "exit", p.Logout)
	assert.Contains(t, p.Login.UserPrompts, "login:")
}

func TestBuiltinProfile_RawTCP(t *testing.T) {
	p, err := BuiltinProfile("eaton-emat-tcp")
	require.NoError(t, err)
	assert.Empty(t, p.Framing.Prompt)

	r, err := p.Registry()
	require.NoError(t, err)
	tmpl, ok := r.Lookup("outlet_status")
	require.True(t, ok)
	assert.Equal(t, 1, tmpl.Lines)
	assert.Equal(t, "PDU.OutletSystem.Outlet[{n}].PresentStatus.SwitchOnOff", tmpl.Command)
}

func TestParseProfile(t *testing.T) {
	data := []byte(`
name: lab
framing:
  end_token: END
  error_pattern: '^ERR'
commands:
  - name: status
    command: "STATUS {n}"
    reply: switch
  - name: version
    command: "VER"
    reply: string
`)
	p, err := ParseProfile(data)
	require.NoError(t, err)
	assert.Equal(t, "lab", p.Name)
	assert.Equal(t, "END", p.Framing.EndToken)
	require.Len(t, p.Commands, 2)
	assert.Equal(t, ReplySwitch, p.Commands[0].Reply)
}

func TestParseProfile_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":     "name: [",
		"no name":    "commands: [{name: a, command: b, reply: ack}]",
		"no command": "name: x",
		"bad prompt": "name: x\nframing: {prompt: '['}\ncommands: [{name: a, command: b, reply: ack}]",
		"bad error":  "name: x\nframing: {error_pattern: '('}\ncommands: [{name: a, command: b, reply: ack}]",
		"duplicate":  "name: x\ncommands: [{name: a, command: b, reply: ack}, {name: a, command: c, reply: ack}]",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfile([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadProfile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: custom\ncommands:\n  - {name: ping, command: PING, reply: string, lines: 1}\n"), 0o600))

	p, err := LoadProfile(file)
	require.NoError(t, err)
	assert.Equal(t, "custom", p.Name)

	_, err = LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
