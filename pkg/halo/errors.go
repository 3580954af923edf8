package halo

import "errors"

var (

	// ErrDiscovery denotes a failed scan (radio busy, unsupported, ...)
	ErrDiscovery = errors.New("discovery failed")

	// ErrConnect denotes a failed connection attempt
	ErrConnect = errors.New("connection failed")

	// ErrServiceResolution denotes a missing service or a failed service discovery
	ErrServiceResolution = errors.New("service resolution failed")

	// ErrRead denotes a failed characteristic read
	ErrRead = errors.New("read failed")

	// ErrWrite denotes a failed characteristic write
	ErrWrite = errors.New("write failed")

	// ErrNotReady denotes an operation requiring a ready session
	ErrNotReady = errors.New("session not ready")

	// ErrNoPeripheralSelected denotes a connection attempt without a selected peripheral
	ErrNoPeripheralSelected = errors.New("no peripheral selected")

	// ErrUnknownPeripheral denotes a selection of a peripheral not in the discovery set
	ErrUnknownPeripheral = errors.New("unknown peripheral")

	// ErrCharacteristicUnavailable denotes a characteristic that was not resolved on the link
	ErrCharacteristicUnavailable = errors.New("characteristic unavailable")

	// ErrControlsLocked denotes a control event dropped while values are being synchronized
	ErrControlsLocked = errors.New("controls locked while reading values")

	// ErrBusy denotes a request conflicting with the current session state
	ErrBusy = errors.New("session busy")

	// ErrQueueFull denotes a rejected operation due to a full link queue
	ErrQueueFull = errors.New("link queue full")

	// ErrTimeout denotes a link operation not completing in time
	ErrTimeout = errors.New("timed out")

	// ErrClosed denotes an operation on a closed component
	ErrClosed = errors.New("closed")
)
