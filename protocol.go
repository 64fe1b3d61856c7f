package main

import "github.com/mil-ad/r2d2ctl/internal/robot"

// IPC commands understood by the daemon.
const (
	cmdExpress    = "express"
	cmdStream     = "stream"
	cmdStatus     = "status"
	cmdDisconnect = "disconnect"
)

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"`        // "express" | "stream" | "status" | "disconnect"
	Mood    string `json:"mood,omitempty"` // for "express"
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	Message string       `json:"message,omitempty"`
	State   robot.State  `json:"state"`
	Device  robot.Device `json:"device,omitzero"`
	Error   string       `json:"error,omitempty"`
	Kind    string       `json:"kind,omitempty"` // error class, see robot.Kind
}
