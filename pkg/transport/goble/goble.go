package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
)

const defaultCloseTimeout = 2 * time.Second

// ErrLinkLost is reported to the disconnect handler if the client disconnects on its own
var ErrLinkLost = errors.New("link lost")

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newDevice

// Transport denotes a BLE central based on go-ble
type Transport struct {
	hciDevice  int
	closeTimer time.Duration

	initOnce sync.Once
	initErr  error

	logger halo.Logger
}

// New instantiates a new Transport, executing functional options, if any. The underlying
// device is created lazily upon first use.
func New(options ...func(*Transport)) *Transport {
	t := &Transport{
		hciDevice:  -1,
		closeTimer: defaultCloseTimeout,
		logger:     &halo.NullLogger{},
	}

	for _, option := range options {
		option(t)
	}

	return t
}

// Scan scans for peripherals until the context is done
func (t *Transport) Scan(ctx context.Context, found func(halo.PeripheralRef)) error {
	if err := t.init(); err != nil {
		return err
	}

	err := ble.Scan(ctx, false, func(adv ble.Advertisement) {
		t.logger.Debugf("discovered peripheral `%s/%s` (RSSI %d)", adv.LocalName(), adv.Addr(), adv.RSSI())
		found(halo.PeripheralRef{
			Address: adv.Addr().String(),
			Name:    adv.LocalName(),
			Origin:  halo.OriginScanned,
		})
	}, nil)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to scan: %w", err)
	}

	return ctx.Err()
}

// Connect establishes a link to the peripheral
func (t *Transport) Connect(ctx context.Context, ref halo.PeripheralRef, onDisconnect func(error)) (halo.Link, error) {
	if err := t.init(); err != nil {
		return nil, err
	}

	t.logger.Debugf("dialing peripheral `%s`", ref.Address)
	client, err := ble.Dial(ctx, ble.NewAddr(ref.Address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address `%s`: %w", ref.Address, err)
	}

	return newLink(client, ref.Address, onDisconnect, t.closeTimer, t.logger), nil
}

func (t *Transport) init() error {
	t.initOnce.Do(func() {
		dev, err := DeviceFactory(t.hciDevice)
		if err != nil {
			t.initErr = fmt.Errorf("failed to create BLE device: %w", err)
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return t.initErr
}

////////////////////////////////////////////////////////////////////////////////

// Link denotes an established connection
type Link struct {
	client       ble.Client
	address      string
	onDisconnect func(error)
	closeTimer   time.Duration

	mu        sync.Mutex
	closing   bool
	closeOnce sync.Once
	closed    chan struct{}

	logger halo.Logger
}

func newLink(client ble.Client, address string, onDisconnect func(error), closeTimer time.Duration, logger halo.Logger) *Link {
	l := &Link{
		client:       client,
		address:      address,
		onDisconnect: onDisconnect,
		closeTimer:   closeTimer,
		closed:       make(chan struct{}),
		logger:       logger,
	}
	go l.monitor()

	return l
}

// Address returns the address of the connected peripheral
func (l *Link) Address() string {
	return l.address
}

// Discover resolves the requested characteristics below the service
func (l *Link) Discover(service uuid.UUID, characteristics []uuid.UUID) (map[uuid.UUID]halo.Handle, error) {
	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	svcUUID := toBleUUID(service)
	for _, s := range profile.Services {
		if !s.UUID.Equal(svcUUID) {
			continue
		}

		res := make(map[uuid.UUID]halo.Handle)
		for _, u := range characteristics {
			cu := toBleUUID(u)
			for _, c := range s.Characteristics {
				if c.UUID.Equal(cu) {
					res[u] = c
					break
				}
			}
		}
		l.logger.Debugf("resolved %d characteristic(s) on `%s`", len(res), l.address)

		return res, nil
	}

	return nil, fmt.Errorf("%w: service %s not found on `%s`", halo.ErrServiceResolution, service, l.address)
}

// Read reads the value of a characteristic
func (l *Link) Read(h halo.Handle) ([]byte, error) {
	c, ok := h.(*ble.Characteristic)
	if !ok {
		return nil, fmt.Errorf("invalid handle type %T", h)
	}
	return l.client.ReadCharacteristic(c)
}

// Write writes a value to a characteristic (with response)
func (l *Link) Write(h halo.Handle, payload []byte) error {
	c, ok := h.(*ble.Characteristic)
	if !ok {
		return fmt.Errorf("invalid handle type %T", h)
	}
	return l.client.WriteCharacteristic(c, payload, false)
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

	// The HCI disconnect is only sent here, the client acknowledges it asynchronously
	if err := l.client.CancelConnection(); err != nil {
		l.terminate()
		return fmt.Errorf("failed to cancel connection to `%s`: %w", l.address, err)
	}

	select {
	case <-l.closed:
	case <-time.After(l.closeTimer):
		l.logger.Warnf("disconnect of `%s` not acknowledged within %v", l.address, l.closeTimer)
		l.terminate()
	}

	return nil
}

// monitor terminates the link once the client disconnects, reporting it unless caused by Close
func (l *Link) monitor() {
	select {
	case <-l.client.Disconnected():
	case <-l.closed:
		return
	}

	if l.terminate() {
		l.logger.Warnf("peripheral `%s` disconnected", l.address)
		if l.onDisconnect != nil {
			l.onDisconnect(ErrLinkLost)
		}
	}
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

// toBleUUID converts a wire UUID into its go-ble representation
func toBleUUID(u uuid.UUID) ble.UUID {
	return ble.MustParse(u.String())
}
