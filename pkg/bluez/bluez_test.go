package bluez

import (
	"errors"
	"testing"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	objects managedObjects
	removed []dbus.ObjectPath
	err     error
}

func (b *fakeBus) ManagedObjects() (managedObjects, error) {
	return b.objects, b.err
}

func (b *fakeBus) RemoveDevice(adapter, device dbus.ObjectPath) error {
	if b.err != nil {
		return b.err
	}
	b.removed = append(b.removed, adapter+":"+device)
	delete(b.objects, device)
	return nil
}

func (b *fakeBus) Close() error {
	return nil
}

func device(adapter, address, name string, paired bool) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		deviceInterface: {
			propAddress: dbus.MakeVariant(address),
			propAlias:   dbus.MakeVariant(name),
			propPaired:  dbus.MakeVariant(paired),
			propAdapter: dbus.MakeVariant(dbus.ObjectPath(adapter)),
		},
	}
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		objects: managedObjects{
			"/org/bluez/hci0": {
				adapterInterface: {propAddress: dbus.MakeVariant("00:11:22:33:44:55")},
			},
			"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02": device("/org/bluez/hci0", "AA:BB:CC:DD:EE:02", "Flarm-02", true),
			"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01": device("/org/bluez/hci0", "AA:BB:CC:DD:EE:01", "Flarm-01", true),
			"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_03": device("/org/bluez/hci0", "AA:BB:CC:DD:EE:03", "Speaker", false),
			"/org/bluez/hci1/dev_AA_BB_CC_DD_EE_04": device("/org/bluez/hci1", "AA:BB:CC:DD:EE:04", "Flarm-04", true),
		},
	}
}

func TestBonded(t *testing.T) {
	s := newStore(newFakeBus())

	bonded, err := s.Bonded()
	require.Nil(t, err)
	require.Equal(t, []halo.PeripheralRef{
		{Address: "AA:BB:CC:DD:EE:01", Name: "Flarm-01", Origin: halo.OriginBonded},
		{Address: "AA:BB:CC:DD:EE:02", Name: "Flarm-02", Origin: halo.OriginBonded},
		{Address: "AA:BB:CC:DD:EE:04", Name: "Flarm-04", Origin: halo.OriginBonded},
	}, bonded)

	s = newStore(newFakeBus(), WithAdapter("hci1"))
	bonded, err = s.Bonded()
	require.Nil(t, err)
	require.Len(t, bonded, 1)
	require.Equal(t, "AA:BB:CC:DD:EE:04", bonded[0].Address)
}

func TestRemoveBond(t *testing.T) {
	b := newFakeBus()
	s := newStore(b)

	require.Nil(t, s.RemoveBond("aa:bb:cc:dd:ee:01"))
	require.Equal(t, []dbus.ObjectPath{"/org/bluez/hci0:/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01"}, b.removed)

	bonded, err := s.Bonded()
	require.Nil(t, err)
	require.Len(t, bonded, 2)

	require.ErrorIs(t, s.RemoveBond("AA:BB:CC:DD:EE:01"), ErrNotBonded)
}

func TestBusFailure(t *testing.T) {
	b := newFakeBus()
	b.err = errors.New("connection refused")
	s := newStore(b)

	_, err := s.Bonded()
	require.ErrorContains(t, err, "connection refused")
	require.ErrorContains(t, s.RemoveBond("AA:BB:CC:DD:EE:01"), "connection refused")
}
