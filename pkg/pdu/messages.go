package pdu

import (
	"fmt"
	"strings"
)

// OutletState is the switched state of one outlet.
type OutletState int

const (
	OutletUnknown OutletState = iota
	OutletOff
	OutletOn
)

func (s OutletState) String() string {
	switch s {
	case OutletOff:
		return "OFF"
	case OutletOn:
		return "ON"
	default:
		return "UNKNOWN"
	}
}

// ParseOutletState reads a SwitchOnOff token: 0/off, 1/on, or unknown/n/a.
func ParseOutletState(token string) (OutletState, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "1", "on":
		return OutletOn, nil
	case "0", "off":
		return OutletOff, nil
	case "unknown", "n/a", "-":
		return OutletUnknown, nil
	default:
		return OutletUnknown, fmt.Errorf("%w: malformed outlet state %q", ErrParse, token)
	}
}

// AutoRestart is the outlet behaviour when the PDU powers up.
type AutoRestart int

const (
	// RestartOff leaves the outlet unpowered at startup.
	RestartOff AutoRestart = 0
	// RestartOn powers the outlet at startup.
	RestartOn AutoRestart = 1
	// RestartLastState restores the state before power loss.
	RestartLastState AutoRestart = 2
)

func (a AutoRestart) String() string {
	switch a {
	case RestartOff:
		return "off"
	case RestartOn:
		return "on"
	case RestartLastState:
		return "last"
	default:
		return fmt.Sprintf("AutoRestart(%d)", int(a))
	}
}

// ParseAutoRestart accepts off/on/last or 0/1/2.
func ParseAutoRestart(s string) (AutoRestart, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "off":
		return RestartOff, nil
	case "1", "on":
		return RestartOn, nil
	case "2", "last":
		return RestartLastState, nil
	default:
		return 0, fmt.Errorf("%w: auto restart mode %q must be off, on or last", ErrArgument, s)
	}
}

// OutletInfo describes one outlet as read by Initialize.
type OutletInfo struct {
	Number int
	Name   string
	State  OutletState
}

// Inventory is the device description read by Initialize.
type Inventory struct {
	Manufacturer string
	Model        string
	Version      string
	Serial       string
	OutletCount  int
	Outlets      []OutletInfo
}

func (inv Inventory) clone() Inventory {
	out := inv
	out.Outlets = append([]OutletInfo(nil), inv.Outlets...)
	return out
}

// unmarshalStates converts the items of a wildcard status reply.
func unmarshalStates(v Value) ([]OutletState, error) {
	states := make([]OutletState, 0, len(v.Items))
	for _, item := range v.Items {
		s, err := ParseOutletState(item)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, nil
}
