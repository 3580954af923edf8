package halo

import (
	"context"

	"github.com/google/uuid"
)

// Handle denotes an opaque, link-scoped reference to a resolved characteristic
type Handle interface{}

// Link denotes an established connection to a peripheral. Calls block until the
// transport reports completion; callers must not issue concurrent operations.
type Link interface {

	// Address returns the address of the connected peripheral
	Address() string

	// Discover resolves the given characteristics below the service. Characteristics that
	// cannot be found are omitted from the result, a missing service yields ErrServiceResolution
	Discover(service uuid.UUID, characteristics []uuid.UUID) (map[uuid.UUID]Handle, error)

	// Read reads the value of a characteristic
	Read(h Handle) ([]byte, error)

	// Write writes a value to a characteristic (with response)
	Write(h Handle, payload []byte) error

	// Close terminates the link, returning once the teardown has been acknowledged
	Close() error
}

// Transport denotes the radio stack used to find and connect peripherals
type Transport interface {

	// Scan scans for peripherals until the context is done, calling found for each result
	Scan(ctx context.Context, found func(PeripheralRef)) error

	// Connect establishes a link to the peripheral. onDisconnect is called (at most once)
	// if the link is lost without Close being called
	Connect(ctx context.Context, ref PeripheralRef, onDisconnect func(error)) (Link, error)
}

// BondStore denotes the host-side store of previously bonded peripherals
type BondStore interface {

	// Bonded returns all bonded peripherals
	Bonded() ([]PeripheralRef, error)

	// RemoveBond drops the bond (and cached metadata) of a peripheral
	RemoveBond(address string) error
}
