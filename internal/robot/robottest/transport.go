// Package robottest provides an in-memory robot.Transport for tests.
package robottest

import (
	"context"
	"errors"
	"sync"

	"github.com/mil-ad/r2d2ctl/internal/robot"
)

// Write is one recorded characteristic write.
type Write struct {
	Address string
	UUID    string
	Data    []byte
}

// Transport is a scriptable robot.Transport. The zero value advertises
// nothing.
type Transport struct {
	mu sync.Mutex

	devices       []robot.Device
	waitOnMiss    bool
	scanErr       error
	connectErr    error
	writeErr      error
	disconnectErr error

	scans    int
	connects int
	writes   []Write
	sessions []*Session
}

var _ robot.Transport = (*Transport)(nil)

// New returns a Transport advertising devs.
func New(devs ...robot.Device) *Transport {
	return &Transport{devices: devs}
}

// Advertise replaces the set of advertised devices.
func (t *Transport) Advertise(devs ...robot.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices = devs
}

// WaitOnMiss makes Scan block until its context is done when no device
// matches, like a real scan window.
func (t *Transport) WaitOnMiss(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitOnMiss = v
}

func (t *Transport) FailScan(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanErr = err
}

func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

func (t *Transport) FailWrite(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

func (t *Transport) FailDisconnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectErr = err
}

func (t *Transport) Scan(ctx context.Context, match func(string) bool) (*robot.Device, error) {
	t.mu.Lock()
	t.scans++
	if t.scanErr != nil {
		err := t.scanErr
		t.mu.Unlock()
		return nil, err
	}
	for _, d := range t.devices {
		if match(d.Name) {
			t.mu.Unlock()
			found := d
			return &found, nil
		}
	}
	wait := t.waitOnMiss
	t.mu.Unlock()

	if wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func (t *Transport) Connect(ctx context.Context, dev robot.Device) (robot.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	s := &Session{t: t, addr: dev.Address, connected: true}
	t.sessions = append(t.sessions, s)
	return s, nil
}

// Scans returns how many times Scan was called.
func (t *Transport) Scans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scans
}

// Connects returns how many times Connect was called.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Writes returns the successful writes in order.
func (t *Transport) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Write(nil), t.writes...)
}

// Payloads returns the written payloads as strings.
func (t *Transport) Payloads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.writes))
	for _, w := range t.writes {
		out = append(out, string(w.Data))
	}
	return out
}

// Session returns the most recently opened session, or nil.
func (t *Transport) Session() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// Session is a fake link. Drop simulates the peripheral going away without
// a disconnect call.
type Session struct {
	t         *Transport
	addr      string
	connected bool
	closed    bool
}

var _ robot.Session = (*Session)(nil)

func (s *Session) IsConnected() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.connected
}

// Drop marks the link as silently lost.
func (s *Session) Drop() {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.connected = false
}

// Closed reports whether Disconnect was called.
func (s *Session) Closed() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.closed
}

func (s *Session) WriteCharacteristic(ctx context.Context, uuid string, data []byte) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if !s.connected {
		return errors.New("not connected")
	}
	if s.t.writeErr != nil {
		return s.t.writeErr
	}
	s.t.writes = append(s.t.writes, Write{
		Address: s.addr,
		UUID:    uuid,
		Data:    append([]byte(nil), data...),
	})
	return nil
}

func (s *Session) Disconnect() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.connected = false
	s.closed = true
	return s.t.disconnectErr
}
