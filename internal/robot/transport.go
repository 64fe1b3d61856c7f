package robot

import "context"

// Transport is the capability set the manager needs from a BLE stack.
type Transport interface {
	// Scan blocks until an advertised device satisfies match or ctx is done.
	// It returns a nil device and a nil error when nothing matched.
	Scan(ctx context.Context, match func(name string) bool) (*Device, error)

	// Connect opens a session to a device returned by Scan.
	Connect(ctx context.Context, dev Device) (Session, error)
}

// Session is an open link to one peripheral.
type Session interface {
	IsConnected() bool
	WriteCharacteristic(ctx context.Context, uuid string, data []byte) error
	Disconnect() error
}

// Sender delivers one command payload to the peripheral, connecting first
// if needed. *Manager implements it.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}
