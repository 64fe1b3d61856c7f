package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/mil-ad/r2d2ctl/internal/robot"
)

const pollInterval = time.Second

// Adapter is a robot.Transport backed by one local BlueZ adapter.
type Adapter struct {
	bz *bluez
}

var _ robot.Transport = (*Adapter)(nil)

// Open connects to the system bus and binds to the named adapter (e.g.
// "hci0"), powering it on if needed.
func Open(ctx context.Context, adapterName string, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bz, err := dialBluez(adapterName, logger.With("component", "bluez", "adapter", adapterName))
	if err != nil {
		return nil, err
	}
	powered, err := bz.adapterPowered(ctx)
	if err != nil {
		bz.close()
		return nil, fmt.Errorf("adapter %s: %w", adapterName, err)
	}
	if !powered {
		bz.log.Info("powering on adapter")
		if err := bz.setAdapterPowered(ctx, true); err != nil {
			bz.close()
			return nil, fmt.Errorf("power on %s: %w", adapterName, err)
		}
	}
	return &Adapter{bz: bz}, nil
}

// Close releases the D-Bus connection.
func (a *Adapter) Close() error {
	return a.bz.close()
}

// Scan looks for a matching device BlueZ has seen recently, then runs LE
// discovery until one appears or ctx is done. Cached entries without RSSI are
// ignored so a powered-off robot reads as not found.
func (a *Adapter) Scan(ctx context.Context, match func(string) bool) (*robot.Device, error) {
	if dev, err := a.lookup(ctx, match); err != nil || dev != nil {
		return dev, err
	}

	if err := a.bz.startDiscovery(ctx); err != nil {
		return nil, err
	}
	defer a.bz.stopDiscovery()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			dev, err := a.lookup(ctx, match)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.bz.log.Debug("poll discovered devices", "error", err)
				continue
			}
			if dev != nil {
				return dev, nil
			}
		}
	}
}

func (a *Adapter) lookup(ctx context.Context, match func(string) bool) (*robot.Device, error) {
	objects, err := a.bz.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	name, addr, ok := findDevice(objects, a.bz.adapter, match)
	if !ok {
		return nil, nil
	}
	a.bz.log.Info("found device", "name", name, "address", addr)
	return &robot.Device{Name: name, Address: addr}, nil
}

// Connect connects to dev and waits until its GATT services are resolved.
func (a *Adapter) Connect(ctx context.Context, dev robot.Device) (robot.Session, error) {
	if err := a.bz.connect(ctx, dev.Address); err != nil {
		if !isInProgress(err) {
			return nil, fmt.Errorf("connect %s: %w", dev.Address, err)
		}
		a.bz.log.Debug("connection already in progress", "address", dev.Address)
	}

	ticker := time.NewTicker(pollInterval / 4)
	defer ticker.Stop()
	for {
		connected, _ := a.bz.deviceConnected(ctx, dev.Address)
		resolved, _ := a.bz.servicesResolved(ctx, dev.Address)
		if connected && resolved {
			break
		}
		select {
		case <-ctx.Done():
			a.bz.disconnect(dev.Address)
			return nil, fmt.Errorf("waiting for services on %s: %w", dev.Address, ctx.Err())
		case <-ticker.C:
		}
	}

	s := &session{bz: a.bz, addr: dev.Address}
	if err := s.refresh(ctx); err != nil {
		a.bz.disconnect(dev.Address)
		return nil, err
	}
	return s, nil
}

// WatchLinkLoss calls fn with the address of every device whose connection
// drops until ctx is done.
func (a *Adapter) WatchLinkLoss(ctx context.Context, fn func(address string)) {
	ch := a.bz.subscribePropertyChanges()
	defer a.bz.unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if addr, lost := disconnectedDevice(a.bz.adapter, sig); lost {
				a.bz.log.Info("device disconnected", "address", addr)
				fn(addr)
			}
		}
	}
}

func isInProgress(err error) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return strings.HasSuffix(de.Name, ".InProgress") || strings.HasSuffix(de.Name, ".AlreadyConnected")
	}
	return strings.Contains(err.Error(), "InProgress")
}

// session is an open GATT link to one device.
type session struct {
	bz   *bluez
	addr string

	mu    sync.Mutex
	chars map[string]dbus.ObjectPath
}

func (s *session) refresh(ctx context.Context) error {
	objects, err := s.bz.managedObjects(ctx)
	if err != nil {
		return err
	}
	chars := characteristicPaths(objects, deviceObjectPath(s.bz.adapter, s.addr))
	if len(chars) == 0 {
		return fmt.Errorf("no GATT characteristics found on %s", s.addr)
	}
	s.mu.Lock()
	s.chars = chars
	s.mu.Unlock()
	return nil
}

func (s *session) characteristic(uuid string) (dbus.ObjectPath, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.chars[strings.ToLower(uuid)]
	return p, ok
}

func (s *session) IsConnected() bool {
	ok, err := s.bz.deviceConnected(context.Background(), s.addr)
	return err == nil && ok
}

func (s *session) WriteCharacteristic(ctx context.Context, uuid string, data []byte) error {
	path, ok := s.characteristic(uuid)
	if !ok {
		// Object paths change when BlueZ re-resolves services.
		if err := s.refresh(ctx); err != nil {
			return err
		}
		if path, ok = s.characteristic(uuid); !ok {
			return fmt.Errorf("characteristic %s not found on %s", uuid, s.addr)
		}
	}
	return s.bz.writeValue(ctx, path, data)
}

func (s *session) Disconnect() error {
	return s.bz.disconnect(s.addr)
}
