package gattlink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fako1024/gatt"
	"github.com/google/uuid"
)

const (
	defaultMTU          = 500
	defaultPowerTimeout = 5 * time.Second
	defaultCloseTimeout = 2 * time.Second
)

var (

	// ErrNotPoweredOn denotes an adapter that did not reach the powered on state
	ErrNotPoweredOn = errors.New("bluetooth adapter not powered on")

	// ErrNotDiscovered denotes a connection attempt to a peripheral not seen by any scan
	ErrNotDiscovered = errors.New("peripheral not discovered")
)

// Transport denotes a BLE central based on an HCI GATT device
type Transport struct {
	btDevice    gatt.Device
	hciDevice   int
	mtu         uint16
	powerTimer  time.Duration
	closeTimer  time.Duration
	poweredOn   chan struct{}
	powerOnOnce sync.Once

	mu          sync.Mutex
	peripherals map[string]gatt.Peripheral
	found       func(halo.PeripheralRef)
	pending     map[string]chan error
	links       map[string]*Link

	logger halo.Logger
}

// New instantiates a new Transport, executing functional options, if any
func New(options ...func(*Transport)) (*Transport, error) {
	t := newTransport(options...)

	// Initialize a new GATT device (if not provided as option)
	if t.btDevice == nil {
		btDevice, err := gatt.NewDevice(clientOptions(t.hciDevice)...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GATT device: %w", err)
		}
		t.btDevice = btDevice
	}

	// Register handlers
	t.btDevice.Handle(
		gatt.AddPeripheralDiscovered(t.onPeriphDiscovered),
		gatt.AddPeripheralConnected(t.onPeriphConnected),
		gatt.AddPeripheralDisconnected(t.onPeriphDisconnected),
	)

	// Initialize the device
	if err := t.btDevice.Init(t.onStateChanged); err != nil {
		return nil, fmt.Errorf("failed to initialize GATT device: %w", err)
	}

	return t, nil
}

func newTransport(options ...func(*Transport)) *Transport {

	// Initialize a new transport instance
	t := &Transport{
		hciDevice:   -1,
		mtu:         defaultMTU,
		powerTimer:  defaultPowerTimeout,
		closeTimer:  defaultCloseTimeout,
		poweredOn:   make(chan struct{}),
		peripherals: make(map[string]gatt.Peripheral),
		pending:     make(map[string]chan error),
		links:       make(map[string]*Link),
		logger:      &halo.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(t)
	}

	return t
}

// Scan scans for peripherals until the context is done
func (t *Transport) Scan(ctx context.Context, found func(halo.PeripheralRef)) error {
	if err := t.awaitPower(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	t.found = found
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.found = nil
		t.mu.Unlock()
	}()

	if err := t.btDevice.Scan([]gatt.UUID{}, false); err != nil {
		return fmt.Errorf("failed to enable scanning: %w", err)
	}

	<-ctx.Done()

	if err := t.btDevice.StopScanning(); err != nil {
		t.logger.Warnf("failed to stop scanning: %s", err)
	}

	return ctx.Err()
}

// Connect establishes a link to a previously discovered peripheral
func (t *Transport) Connect(ctx context.Context, ref halo.PeripheralRef, onDisconnect func(error)) (halo.Link, error) {
	if err := t.awaitPower(ctx); err != nil {
		return nil, err
	}

	id := strings.ToUpper(ref.Address)

	t.mu.Lock()
	p, exists := t.peripherals[id]
	if !exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: `%s`", ErrNotDiscovered, ref.Address)
	}
	if _, busy := t.pending[id]; busy {
		t.mu.Unlock()
		return nil, fmt.Errorf("connection to `%s` already pending", ref.Address)
	}
	resChan := make(chan error, 1)
	t.pending[id] = resChan
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	t.logger.Debugf("connecting peripheral `%s/%s`", p.Name(), p.ID())
	if err := t.btDevice.Connect(p); err != nil {
		return nil, fmt.Errorf("failed to connect peripheral `%s`: %w", ref.Address, err)
	}

	select {
	case err := <-resChan:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		if err := t.btDevice.CancelConnection(p); err != nil {
			t.logger.Warnf("failed to cancel pending connection to `%s/%s`: %s", p.Name(), p.ID(), err)
		}
		return nil, fmt.Errorf("failed to connect peripheral `%s`: %w", ref.Address, ctx.Err())
	}

	link := &Link{
		transport:    t,
		peripheral:   p,
		onDisconnect: onDisconnect,
		closed:       make(chan struct{}),
	}

	t.mu.Lock()
	t.links[id] = link
	t.mu.Unlock()

	return link, nil
}

// Close stops scanning and releases the GATT device
func (t *Transport) Close() error {
	_ = t.btDevice.StopScanning()
	return t.btDevice.RemoveAllServices()
}

////////////////////////////////////////////////////////////////////////////////

func (t *Transport) awaitPower(ctx context.Context) error {
	select {
	case <-t.poweredOn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.powerTimer):
		return ErrNotPoweredOn
	}
}

func (t *Transport) onStateChanged(d gatt.Device, s gatt.State) {
	t.logger.Debugf("GATT device state changed: %s", s)

	switch s {
	case gatt.StatePoweredOn:
		t.powerOnOnce.Do(func() {
			close(t.poweredOn)
		})
	case gatt.StatePoweredOff:
		t.logger.Warnf("bluetooth adapter powered off")
	default:
		if err := d.StopScanning(); err != nil {
			t.logger.Warnf("failed to stop scanning: %s", err)
		}
	}
}

func (t *Transport) onPeriphDiscovered(p gatt.Peripheral, adv *gatt.Advertisement, rssi int) {
	name := p.Name()
	if name == "" && adv != nil {
		name = adv.LocalName
	}

	t.mu.Lock()
	t.peripherals[strings.ToUpper(p.ID())] = p
	fn := t.found
	t.mu.Unlock()

	t.logger.Debugf("discovered peripheral `%s/%s` (RSSI %d)", name, p.ID(), rssi)

	if fn != nil {
		fn(halo.PeripheralRef{
			Address: p.ID(),
			Name:    name,
			Origin:  halo.OriginScanned,
		})
	}
}

func (t *Transport) onPeriphConnected(p gatt.Peripheral, connErr error) {
	t.mu.Lock()
	resChan, exists := t.pending[strings.ToUpper(p.ID())]
	t.mu.Unlock()

	if !exists {
		t.logger.Debugf("ignoring unsolicited connection of peripheral `%s/%s`", p.Name(), p.ID())
		if connErr == nil {
			_ = t.btDevice.CancelConnection(p)
		}
		return
	}

	t.logger.Debugf("connected peripheral `%s/%s` (err: %v)", p.Name(), p.ID(), connErr)

	select {
	case resChan <- connErr:
	default:
	}
}

func (t *Transport) onPeriphDisconnected(p gatt.Peripheral, err error) {
	id := strings.ToUpper(p.ID())

	t.mu.Lock()
	link, exists := t.links[id]
	if exists {
		delete(t.links, id)
	}
	resChan, pending := t.pending[id]
	t.mu.Unlock()

	if pending {
		select {
		case resChan <- fmt.Errorf("peripheral `%s` disconnected during connection attempt", p.ID()):
		default:
		}
	}

	if !exists {
		return
	}

	t.logger.Debugf("disconnected peripheral `%s/%s`", p.Name(), p.ID())

	// Requested teardowns are acknowledged, all other disconnects are reported
	if link.terminate() && link.onDisconnect != nil {
		if err == nil {
			err = errors.New("link lost")
		}
		link.onDisconnect(err)
	}
}

////////////////////////////////////////////////////////////////////////////////

// Link denotes an established GATT connection
type Link struct {
	transport    *Transport
	peripheral   gatt.Peripheral
	onDisconnect func(error)

	mu        sync.Mutex
	closing   bool
	closeOnce sync.Once
	closed    chan struct{}
}

// Address returns the address of the connected peripheral
func (l *Link) Address() string {
	return l.peripheral.ID()
}

// Discover resolves the requested characteristics below the service
func (l *Link) Discover(service uuid.UUID, characteristics []uuid.UUID) (map[uuid.UUID]halo.Handle, error) {
	p := l.peripheral

	// Set connection MTU
	if err := p.SetMTU(l.transport.mtu); err != nil {
		l.transport.logger.Warnf("failed to set MTU on `%s/%s`: %s", p.Name(), p.ID(), err)
	}

	// Discover services
	ss, err := p.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	svcUUID := toGattUUID(service)
	for _, s := range ss {
		if !s.UUID().Equal(svcUUID) {
			continue
		}

		// Discover characteristics
		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics: %w", err)
		}

		res := make(map[uuid.UUID]halo.Handle)
		for _, u := range characteristics {
			cu := toGattUUID(u)
			for _, c := range cs {
				if c.UUID().Equal(cu) {
					res[u] = c
					break
				}
			}
		}

		return res, nil
	}

	return nil, fmt.Errorf("%w: service %s not found on `%s`", halo.ErrServiceResolution, service, p.ID())
}

// Read reads the value of a characteristic
func (l *Link) Read(h halo.Handle) ([]byte, error) {
	c, ok := h.(*gatt.Characteristic)
	if !ok {
		return nil, fmt.Errorf("invalid handle type %T", h)
	}
	if l.isClosed() {
		return nil, halo.ErrClosed
	}

	return l.peripheral.ReadCharacteristic(c)
}

// Write writes a value to a characteristic (with response)
func (l *Link) Write(h halo.Handle, payload []byte) error {
	c, ok := h.(*gatt.Characteristic)
	if !ok {
		return fmt.Errorf("invalid handle type %T", h)
	}
	if l.isClosed() {
		return halo.ErrClosed
	}

	return l.peripheral.WriteCharacteristic(c, payload, false)
}

// Close terminates the link and waits for the disconnect to be acknowledged
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		<-l.closed
		return nil
	}
	l.closing = true
	l.mu.Unlock()

	if l.isClosed() {
		return nil
	}

	if err := l.transport.btDevice.CancelConnection(l.peripheral); err != nil {
		l.terminate()
		return fmt.Errorf("failed to cancel connection to `%s`: %w", l.Address(), err)
	}

	select {
	case <-l.closed:
	case <-time.After(l.transport.closeTimer):
		l.transport.logger.Warnf("disconnect of `%s` not acknowledged within %v", l.Address(), l.transport.closeTimer)
		l.transport.mu.Lock()
		if cur, exists := l.transport.links[strings.ToUpper(l.Address())]; exists && cur == l {
			delete(l.transport.links, strings.ToUpper(l.Address()))
		}
		l.transport.mu.Unlock()
		l.terminate()
	}

	return nil
}

// terminate marks the link closed, returning true if it was lost without Close being called
func (l *Link) terminate() (unsolicited bool) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		unsolicited = !l.closing
		l.mu.Unlock()
		close(l.closed)
	})
	return
}

func (l *Link) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// toGattUUID converts a wire UUID into its GATT representation
func toGattUUID(u uuid.UUID) gatt.UUID {
	return gatt.MustParseUUID(strings.ReplaceAll(u.String(), "-", ""))
}
