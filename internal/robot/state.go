package robot

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of the peripheral session.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateConnected
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateScanning:     "scanning",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

// Device identifies a discovered peripheral. Address is only known after a
// successful scan and does not change for the lifetime of a session.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}
