// Package bluez implements robot.Transport on top of the BlueZ D-Bus API.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName       = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	gattCharIface = "org.bluez.GattCharacteristic1"
	propsIface    = "org.freedesktop.DBus.Properties"
	propsSignal   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objMgrIface   = "org.freedesktop.DBus.ObjectManager"
)

// managedObjects is the shape returned by ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapterObjectPath converts an adapter name like "hci0" to "/org/bluez/hci0".
func adapterObjectPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + name)
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
// Paths below the device (services, characteristics) yield "".
func macFromPath(adapter, path dbus.ObjectPath) string {
	s := string(path)
	prefix := string(adapter) + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	s = s[len(prefix):]
	if strings.Contains(s, "/") {
		return ""
	}
	return strings.ReplaceAll(s, "_", ":")
}

// bluez wraps a system D-Bus connection for BlueZ operations.
type bluez struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	log     *slog.Logger
}

func dialBluez(adapterName string, logger *slog.Logger) (*bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}
	return &bluez{conn: conn, adapter: adapterObjectPath(adapterName), log: logger}, nil
}

func (b *bluez) close() error {
	return b.conn.Close()
}

// --- property helpers ---

func (b *bluez) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := b.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *bluez) setProp(ctx context.Context, path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := b.conn.Object(busName, path)
	return obj.CallWithContext(ctx, propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (b *bluez) getBool(ctx context.Context, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(ctx, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *bluez) managedObjects(ctx context.Context) (managedObjects, error) {
	objects := make(managedObjects)
	obj := b.conn.Object(busName, "/")
	if err := obj.CallWithContext(ctx, objMgrIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

// --- adapter ---

func (b *bluez) adapterPowered(ctx context.Context) (bool, error) {
	return b.getBool(ctx, b.adapter, adapterIface, "Powered")
}

func (b *bluez) setAdapterPowered(ctx context.Context, on bool) error {
	return b.setProp(ctx, b.adapter, adapterIface, "Powered", on)
}

func (b *bluez) startDiscovery(ctx context.Context) error {
	obj := b.conn.Object(busName, b.adapter)
	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := obj.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		// Some adapters reject filters; an unfiltered scan still works.
		b.log.Debug("set discovery filter", "error", err)
	}
	if err := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	return nil
}

func (b *bluez) stopDiscovery() {
	obj := b.conn.Object(busName, b.adapter)
	if err := obj.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		b.log.Debug("stop discovery", "error", err)
	}
}

// --- device ---

func (b *bluez) deviceConnected(ctx context.Context, addr string) (bool, error) {
	return b.getBool(ctx, deviceObjectPath(b.adapter, addr), deviceIface, "Connected")
}

func (b *bluez) servicesResolved(ctx context.Context, addr string) (bool, error) {
	return b.getBool(ctx, deviceObjectPath(b.adapter, addr), deviceIface, "ServicesResolved")
}

func (b *bluez) connect(ctx context.Context, addr string) error {
	obj := b.conn.Object(busName, deviceObjectPath(b.adapter, addr))
	return obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err
}

func (b *bluez) disconnect(addr string) error {
	obj := b.conn.Object(busName, deviceObjectPath(b.adapter, addr))
	return obj.Call(deviceIface+".Disconnect", 0).Err
}

func (b *bluez) writeValue(ctx context.Context, char dbus.ObjectPath, data []byte) error {
	obj := b.conn.Object(busName, char)
	opts := map[string]interface{}{"type": "request"}
	return obj.CallWithContext(ctx, gattCharIface+".WriteValue", 0, data, opts).Err
}

// --- signal subscription ---

func (b *bluez) subscribePropertyChanges() chan *dbus.Signal {
	b.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='/org/bluez'",
	)
	ch := make(chan *dbus.Signal, 16)
	b.conn.Signal(ch)
	return ch
}

func (b *bluez) unsubscribe(ch chan *dbus.Signal) {
	b.conn.RemoveSignal(ch)
}

// --- managed object lookups ---

// findDevice returns the first present device under adapter whose Name or
// Alias satisfies match.
func findDevice(objects managedObjects, adapter dbus.ObjectPath, match func(string) bool) (name, addr string, ok bool) {
	for path, ifaces := range objects {
		if macFromPath(adapter, path) == "" {
			continue
		}
		props, has := ifaces[deviceIface]
		if !has {
			continue
		}
		addrVar, has := props["Address"]
		if !has {
			continue
		}
		if !present(props) {
			continue
		}
		address, _ := addrVar.Value().(string)
		for _, key := range []string{"Name", "Alias"} {
			v, has := props[key]
			if !has {
				continue
			}
			n, _ := v.Value().(string)
			if match(n) {
				return n, address, true
			}
		}
	}
	return "", "", false
}

// present reports whether BlueZ has heard from the device recently. Cached
// entries for peripherals that are powered off carry neither RSSI nor
// Connected=true.
func present(props map[string]dbus.Variant) bool {
	if _, ok := props["RSSI"]; ok {
		return true
	}
	connected, _ := props["Connected"].Value().(bool)
	return connected
}

// characteristicPaths maps lower-case characteristic UUIDs to object paths
// for every GATT characteristic under device.
func characteristicPaths(objects managedObjects, device dbus.ObjectPath) map[string]dbus.ObjectPath {
	prefix := string(device) + "/"
	out := make(map[string]dbus.ObjectPath)
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, has := ifaces[gattCharIface]
		if !has {
			continue
		}
		v, has := props["UUID"]
		if !has {
			continue
		}
		uuid, _ := v.Value().(string)
		out[strings.ToLower(uuid)] = path
	}
	return out
}

// disconnectedDevice decodes a PropertiesChanged signal and returns the
// address of a device whose Connected property flipped to false.
func disconnectedDevice(adapter dbus.ObjectPath, sig *dbus.Signal) (string, bool) {
	if sig.Name != propsSignal {
		return "", false
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return "", false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceIface {
		return "", false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false
	}
	connVar, ok := changed["Connected"]
	if !ok {
		return "", false
	}
	connected, ok := connVar.Value().(bool)
	if !ok || connected {
		return "", false
	}
	mac := macFromPath(adapter, sig.Path)
	return mac, mac != ""
}
