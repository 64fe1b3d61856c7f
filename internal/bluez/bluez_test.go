package bluez

import (
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

const hci0 = dbus.ObjectPath("/org/bluez/hci0")

func TestDeviceObjectPath(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), deviceObjectPath(hci0, "aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, hci0, adapterObjectPath("hci0"))
}

func TestMacFromPath(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		want string
	}{
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF"},
		{"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000c/char000d", ""},
		{"/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF", ""},
		{"/org/bluez/hci0", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, macFromPath(hci0, tc.path), "path %s", tc.path)
	}
}

func deviceProps(addr, name string) map[string]map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		"Address": dbus.MakeVariant(addr),
		"RSSI":    dbus.MakeVariant(int16(-58)),
	}
	if name != "" {
		props["Name"] = dbus.MakeVariant(name)
	}
	return map[string]map[string]dbus.Variant{deviceIface: props}
}

func charProps(uuid string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		gattCharIface: {"UUID": dbus.MakeVariant(uuid)},
	}
}

func TestFindDevice(t *testing.T) {
	objects := managedObjects{
		"/org/bluez/hci0":                       {adapterIface: {}},
		"/org/bluez/hci0/dev_01_02_03_04_05_06": deviceProps("01:02:03:04:05:06", ""),
		"/org/bluez/hci0/dev_11_22_33_44_55_66": deviceProps("11:22:33:44:55:66", "JBL Flip"),
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": deviceProps("AA:BB:CC:DD:EE:FF", "Pico_Agent"),
		"/org/bluez/hci1/dev_77_77_77_77_77_77": deviceProps("77:77:77:77:77:77", "Pico_Agent"),
	}
	match := func(n string) bool { return n != "" && strings.Contains(n, "Pico_Agent") }

	name, addr, ok := findDevice(objects, hci0, match)
	assert.True(t, ok)
	assert.Equal(t, "Pico_Agent", name)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)

	_, _, ok = findDevice(objects, hci0, func(n string) bool { return n == "missing" })
	assert.False(t, ok)
}

func TestFindDeviceByAlias(t *testing.T) {
	objects := managedObjects{
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": {
			deviceIface: {
				"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
				"Alias":   dbus.MakeVariant("Pico_Agent"),
				"RSSI":    dbus.MakeVariant(int16(-70)),
			},
		},
	}
	_, addr, ok := findDevice(objects, hci0, func(n string) bool { return n == "Pico_Agent" })
	assert.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)
}

func TestFindDeviceSkipsStaleCache(t *testing.T) {
	match := func(n string) bool { return n == "Pico_Agent" }
	stale := managedObjects{
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": {
			deviceIface: {
				"Address":   dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
				"Name":      dbus.MakeVariant("Pico_Agent"),
				"Connected": dbus.MakeVariant(false),
				"Paired":    dbus.MakeVariant(true),
			},
		},
	}
	_, _, ok := findDevice(stale, hci0, match)
	assert.False(t, ok, "cached entry without RSSI is not advertising")

	connected := managedObjects{
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": {
			deviceIface: {
				"Address":   dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
				"Name":      dbus.MakeVariant("Pico_Agent"),
				"Connected": dbus.MakeVariant(true),
			},
		},
	}
	_, addr, ok := findDevice(connected, hci0, match)
	assert.True(t, ok, "a connected device stops advertising but is reachable")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)
}

func TestCharacteristicPaths(t *testing.T) {
	dev := deviceObjectPath(hci0, "AA:BB:CC:DD:EE:FF")
	objects := managedObjects{
		dev:                            deviceProps("AA:BB:CC:DD:EE:FF", "Pico_Agent"),
		dev + "/service0010":           {"org.bluez.GattService1": {"UUID": dbus.MakeVariant("6e400001-b5a3-f393-e0a9-e50e24dcca9e")}},
		dev + "/service0010/char0011":  charProps("6e400002-b5a3-f393-e0a9-e50e24dcca9e"),
		dev + "/service0010/char0013":  charProps("6e400003-b5a3-f393-e0a9-e50e24dcca9e"),
		"/org/bluez/hci0/dev_01_02_03_04_05_06/service0010/char0011": charProps("6e400002-b5a3-f393-e0a9-e50e24dcca9e"),
	}

	chars := characteristicPaths(objects, dev)
	assert.Len(t, chars, 2)
	assert.Equal(t, dev+"/service0010/char0011", chars["6e400002-b5a3-f393-e0a9-e50e24dcca9e"])
}

func TestDisconnectedDevice(t *testing.T) {
	path := deviceObjectPath(hci0, "AA:BB:CC:DD:EE:FF")
	sig := func(iface string, changed map[string]dbus.Variant) *dbus.Signal {
		return &dbus.Signal{Name: propsSignal, Path: path, Body: []interface{}{iface, changed, []string{}}}
	}

	addr, ok := disconnectedDevice(hci0, sig(deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	assert.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)

	_, ok = disconnectedDevice(hci0, sig(deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}))
	assert.False(t, ok)

	_, ok = disconnectedDevice(hci0, sig(deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}))
	assert.False(t, ok)

	_, ok = disconnectedDevice(hci0, sig(adapterIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}))
	assert.False(t, ok)

	_, ok = disconnectedDevice(hci0, &dbus.Signal{Name: "org.bluez.Other", Path: path})
	assert.False(t, ok)
}
