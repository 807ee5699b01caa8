package pdu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutletState(t *testing.T) {
	tests := []struct {
		token string
		want  OutletState
	}{
		{"1", OutletOn},
		{"ON", OutletOn},
		{" 0 ", OutletOff},
		{"off", OutletOff},
		{"unknown", OutletUnknown},
		{"n/a", OutletUnknown},
	}
	for _, tt := range tests {
		got, err := ParseOutletState(tt.token)
		require.NoError(t, err, tt.token)
		assert.Equal(t, tt.want, got, tt.token)
	}

	_, err := ParseOutletState("2")
	assert.ErrorIs(t, err, ErrParse)
}

func TestOutletState_String(t *testing.T) {
	assert.Equal(t, "ON", OutletOn.String())
	assert.Equal(t, "OFF", OutletOff.String())
	assert.Equal(t, "UNKNOWN", OutletUnknown.String())
}

func TestParseAutoRestart(t *testing.T) {
	for s, want := range map[string]AutoRestart{
		"off": RestartOff, "0": RestartOff,
		"On": RestartOn, "1": RestartOn,
		"last": RestartLastState, "2": RestartLastState,
	} {
		got, err := ParseAutoRestart(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseAutoRestart("sometimes")
	assert.ErrorIs(t, err, ErrArgument)
	assert.Equal(t, "last", RestartLastState.String())
	assert.Equal(t, "AutoRestart(9)", AutoRestart(9).String())
}

func TestUnmarshalStates(t *testing.T) {
	states, err := unmarshalStates(Value{Raw: "1|0|n/a", Items: []string{"1", "0", "n/a"}})
	require.NoError(t, err)
	assert.Equal(t, []OutletState{OutletOn, OutletOff, OutletUnknown}, states)

	_, err = unmarshalStates(Value{Raw: "1|x", Items: []string{"1", "x"}})
	assert.ErrorIs(t, err, ErrParse)
}

func TestInventory_CloneIsIndependent(t *testing.T) {
	inv := Inventory{OutletCount: 1, Outlets: []OutletInfo{{Number: 1, State: OutletOff}}}
	c := inv.clone()
	c.Outlets[0].State = OutletOn
	assert.Equal(t, OutletOff, inv.Outlets[0].State)
}

func TestDeviceError(t *testing.T) {
	var err error = &DeviceError{Command: "get X", Reply: "Error: unknown object"}
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, `device rejected command: "get X" answered "Error: unknown object"`, err.Error())

	var devErr *DeviceError
	assert.True(t, errors.As(err, &devErr))
}

func TestParseKind(t *testing.T) {
	for s, want := range map[string]Kind{"tcp": KindTCP, "raw": KindTCP, "SSH": KindSSH, "telnet": KindTelnet} {
		got, err := ParseKind(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseKind("serial")
	assert.ErrorIs(t, err, ErrArgument)

	assert.Equal(t, 22, KindSSH.DefaultPort())
	assert.Equal(t, 23, KindTelnet.DefaultPort())
	assert.Equal(t, 10001, KindTCP.DefaultPort())
	assert.Equal(t, "unknown", Kind(7).String())
}
