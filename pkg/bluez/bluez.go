/*
Package bluez provides access to the peripherals bonded with the host, using the BlueZ D-Bus
interface. It backs the discovery set with previously paired peripherals and allows clearing
their bonds before a forced rescan.
*/
package bluez

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/godbus/dbus/v5"
)

const (
	bluezService     = "org.bluez"
	objectManager    = "org.freedesktop.DBus.ObjectManager"
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"

	propAddress = "Address"
	propName    = "Name"
	propAlias   = "Alias"
	propPaired  = "Paired"
	propBonded  = "Bonded"
	propAdapter = "Adapter"
)

// ErrNotBonded denotes a bond removal for a peripheral unknown to BlueZ
var ErrNotBonded = errors.New("peripheral not bonded")

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type bus interface {
	ManagedObjects() (managedObjects, error)
	RemoveDevice(adapter, device dbus.ObjectPath) error
	Close() error
}

// Store denotes the BlueZ store of bonded peripherals
type Store struct {
	bus     bus
	adapter string

	logger halo.Logger
}

// New opens a private connection to the system bus, executing functional options, if any
func New(options ...func(*Store)) (*Store, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	return newStore(&systemBus{conn: conn}, options...), nil
}

func newStore(b bus, options ...func(*Store)) *Store {
	s := &Store{
		bus:    b,
		logger: &halo.NullLogger{},
	}

	for _, option := range options {
		option(s)
	}

	return s
}

// Bonded returns all paired / bonded peripherals, ordered by address
func (s *Store) Bonded() ([]halo.PeripheralRef, error) {
	objects, err := s.bus.ManagedObjects()
	if err != nil {
		return nil, fmt.Errorf("failed to list managed objects: %w", err)
	}

	var res []halo.PeripheralRef
	for path, ifaces := range objects {
		props, isDevice := ifaces[deviceInterface]
		if !isDevice || !s.onAdapter(props) {
			continue
		}
		if !boolProp(props, propPaired) && !boolProp(props, propBonded) {
			continue
		}

		address := stringProp(props, propAddress)
		if address == "" {
			s.logger.Debugf("skipping device `%s` without address", path)
			continue
		}

		name := stringProp(props, propName)
		if name == "" {
			name = stringProp(props, propAlias)
		}

		res = append(res, halo.PeripheralRef{
			Address: address,
			Name:    name,
			Origin:  halo.OriginBonded,
		})
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Address < res[j].Address
	})

	return res, nil
}

// RemoveBond removes the device, including its pairing information, from its adapter
func (s *Store) RemoveBond(address string) error {
	objects, err := s.bus.ManagedObjects()
	if err != nil {
		return fmt.Errorf("failed to list managed objects: %w", err)
	}

	for path, ifaces := range objects {
		props, isDevice := ifaces[deviceInterface]
		if !isDevice || !s.onAdapter(props) || !halo.SameAddress(stringProp(props, propAddress), address) {
			continue
		}

		adapter, ok := props[propAdapter].Value().(dbus.ObjectPath)
		if !ok {
			return fmt.Errorf("device `%s` has no adapter", path)
		}

		s.logger.Debugf("removing device `%s` from adapter `%s`", path, adapter)
		if err := s.bus.RemoveDevice(adapter, path); err != nil {
			return fmt.Errorf("failed to remove device `%s`: %w", address, err)
		}
		return nil
	}

	return fmt.Errorf("%w: `%s`", ErrNotBonded, address)
}

// Close closes the connection to the system bus
func (s *Store) Close() error {
	return s.bus.Close()
}

////////////////////////////////////////////////////////////////////////////////

func (s *Store) onAdapter(props map[string]dbus.Variant) bool {
	if s.adapter == "" {
		return true
	}
	adapter, ok := props[propAdapter].Value().(dbus.ObjectPath)
	return ok && strings.HasSuffix(string(adapter), "/"+s.adapter)
}

func stringProp(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

////////////////////////////////////////////////////////////////////////////////

type systemBus struct {
	conn *dbus.Conn
}

// ManagedObjects gets all objects and properties.
// See http://dbus.freedesktop.org/doc/dbus-specification.html#standard-interfaces-objectmanager
func (b *systemBus) ManagedObjects() (managedObjects, error) {
	var objects managedObjects
	call := b.conn.Object(bluezService, "/").Call(objectManager+".GetManagedObjects", 0)
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (b *systemBus) RemoveDevice(adapter, device dbus.ObjectPath) error {
	return b.conn.Object(bluezService, adapter).Call(adapterInterface+".RemoveDevice", 0, device).Err
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}
