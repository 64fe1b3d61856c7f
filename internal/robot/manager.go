package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Nordic UART Service RX characteristic; the peripheral reads commands here.
const UARTRxCharUUID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"

const (
	DefaultScanTimeout    = 10 * time.Second
	DefaultConnectTimeout = 20 * time.Second
)

// StateChange describes one session transition.
type StateChange struct {
	From   State
	To     State
	Device Device
}

// ManagerConfig configures a Manager. Zero durations select the defaults.
type ManagerConfig struct {
	// Name is matched as a substring of the advertised device name.
	Name           string
	Characteristic string
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	Logger         *slog.Logger

	// OnStateChange, if set, is called after every transition. It must not
	// call back into the Manager's blocking methods.
	OnStateChange func(StateChange)
}

// Manager owns the lifecycle of the single peripheral session.
//
// Transport operations are serialized; State, Device and LinkLost may be
// called from any goroutine.
type Manager struct {
	transport      Transport
	name           string
	charUUID       string
	scanTimeout    time.Duration
	connectTimeout time.Duration
	log            *slog.Logger
	onChange       func(StateChange)

	op sync.Mutex // held for the duration of a transport operation

	mu      sync.Mutex
	state   State
	device  Device
	session Session
}

var _ Sender = (*Manager)(nil)

// NewManager returns a Manager in the Disconnected state.
func NewManager(t Transport, cfg ManagerConfig) *Manager {
	m := &Manager{
		transport:      t,
		name:           cfg.Name,
		charUUID:       cfg.Characteristic,
		scanTimeout:    cfg.ScanTimeout,
		connectTimeout: cfg.ConnectTimeout,
		log:            cfg.Logger,
		onChange:       cfg.OnStateChange,
	}
	if m.charUUID == "" {
		m.charUUID = UARTRxCharUUID
	}
	if m.scanTimeout <= 0 {
		m.scanTimeout = DefaultScanTimeout
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "robot.manager")
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Device returns the most recently bound device. The address is empty until
// a scan has succeeded.
func (m *Manager) Device() Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// Connect scans for the configured peripheral and opens a session to it. It
// is a no-op when a live session already exists.
func (m *Manager) Connect(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.connect(ctx)
}

// EnsureConnected reconnects once if there is no live session. There is no
// retry loop; callers wanting one must wrap this call.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.ensureConnected(ctx)
}

// Send writes payload to the command characteristic, reconnecting first if
// the session is not live. A failed write drops the session so the next call
// starts from a fresh scan.
func (m *Manager) Send(ctx context.Context, payload []byte) error {
	m.op.Lock()
	defer m.op.Unlock()

	if err := m.ensureConnected(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		// The link was reported lost between connect and write.
		return &TransportError{Op: "write", Err: errors.New("session closed")}
	}

	m.log.Debug("writing characteristic", "uuid", m.charUUID, "payload", string(payload))
	if err := sess.WriteCharacteristic(ctx, m.charUUID, payload); err != nil {
		m.log.Warn("write failed, dropping session", "error", err)
		m.dropSession(sess)
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Disconnect closes the session if there is one. It is safe to call when no
// session was ever opened and always leaves the manager Disconnected.
func (m *Manager) Disconnect() error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()

	if sess == nil {
		m.setState(StateDisconnected)
		return nil
	}

	err := sess.Disconnect()
	m.setState(StateDisconnected)
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	m.log.Info("disconnected")
	return nil
}

// LinkLost records that the transport observed the link to address drop.
// Events for other devices are ignored.
func (m *Manager) LinkLost(address string) {
	m.mu.Lock()
	if m.session == nil || !strings.EqualFold(m.device.Address, address) {
		m.mu.Unlock()
		return
	}
	m.session = nil
	change, changed := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	m.log.Warn("link lost", "address", address)
	if changed {
		m.notify(change)
	}
}

func (m *Manager) ensureConnected(ctx context.Context) error {
	m.mu.Lock()
	state, sess := m.state, m.session
	m.mu.Unlock()

	if state == StateConnected && sess != nil && sess.IsConnected() {
		return nil
	}
	m.log.Info("robot disconnected, reconnecting", "state", state)
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess != nil {
		if sess.IsConnected() {
			return nil
		}
		m.log.Warn("session is stale, rescanning")
		m.dropSession(sess)
	}

	m.log.Info("scanning", "name", m.name, "timeout", m.scanTimeout)
	m.setState(StateScanning)

	scanCtx, cancel := context.WithTimeout(ctx, m.scanTimeout)
	dev, err := m.transport.Scan(scanCtx, m.match)
	cancel()
	if err != nil && !(errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		m.setState(StateDisconnected)
		return &TransportError{Op: "scan", Err: err}
	}
	if dev == nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("%w: no advertisement containing %q", ErrDeviceNotFound, m.name)
	}

	m.mu.Lock()
	m.device = *dev
	m.mu.Unlock()
	m.setState(StateConnecting)

	connCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	sess, err = m.transport.Connect(connCtx, *dev)
	cancel()
	if err != nil {
		m.setState(StateDisconnected)
		return &TransportError{Op: "connect", Err: err}
	}

	m.mu.Lock()
	m.session = sess
	change, changed := m.transitionLocked(StateConnected)
	m.mu.Unlock()
	if changed {
		m.notify(change)
	}
	m.log.Info("connected", "name", dev.Name, "address", dev.Address)
	return nil
}

func (m *Manager) match(name string) bool {
	return name != "" && strings.Contains(name, m.name)
}

// dropSession forgets sess and releases it on a best-effort basis.
func (m *Manager) dropSession(sess Session) {
	m.mu.Lock()
	if m.session == sess {
		m.session = nil
	}
	change, changed := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()
	if changed {
		m.notify(change)
	}

	if err := sess.Disconnect(); err != nil {
		m.log.Debug("release stale session", "error", err)
	}
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	change, changed := m.transitionLocked(to)
	m.mu.Unlock()
	if changed {
		m.notify(change)
	}
}

// transitionLocked moves to the given state. m.mu must be held, so the state
// changes together with whatever session update the caller made.
func (m *Manager) transitionLocked(to State) (StateChange, bool) {
	from := m.state
	m.state = to
	return StateChange{From: from, To: to, Device: m.device}, from != to
}

// notify runs outside m.mu; observers may call State or Device.
func (m *Manager) notify(c StateChange) {
	m.log.Debug("state transition", "from", c.From, "to", c.To)
	if m.onChange != nil {
		m.onChange(c)
	}
}
