package gattlink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fako1024/gatt"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	tr, err := New(WithHCIDevice(99))
	if err == nil {
		t.Fatalf("instantiation of transport was unexpectedly successful")
	}
	if tr != nil {
		t.Fatalf("instantiation of transport unexpectedly returned non-nil instance")
	}
}

func TestUUIDConversion(t *testing.T) {
	require.True(t, toGattUUID(halo.ServiceUUID).Equal(gatt.MustParseUUID("4fafc2011fb5459e8fccc5c9c331914c")))
	require.True(t, toGattUUID(halo.Volume.UUID()).Equal(gatt.MustParseUUID("f7a2d055-5c6a-4b8a-8c0d-2e1e1c6f4b9b")))
	require.False(t, toGattUUID(halo.Volume.UUID()).Equal(toGattUUID(halo.QNH.UUID())))
}

const testAddress = "aa:bb:cc:dd:ee:01"

type fakePeripheral struct {
	gatt.Peripheral
	id string
}

func (p *fakePeripheral) ID() string   { return p.id }
func (p *fakePeripheral) Name() string { return "Flarm-01" }

// fakeDevice answers connection requests via the transport callbacks, all other device
// methods are not implemented
type fakeDevice struct {
	gatt.Device
	transport *Transport

	connErr      error
	noConnect    bool
	noDisconnect bool

	connects atomic.Int32
	cancels  atomic.Int32
}

func (d *fakeDevice) Connect(p gatt.Peripheral) error {
	d.connects.Add(1)
	if !d.noConnect {
		go d.transport.onPeriphConnected(p, d.connErr)
	}
	return nil
}

func (d *fakeDevice) CancelConnection(p gatt.Peripheral) error {
	d.cancels.Add(1)
	if !d.noDisconnect {
		go d.transport.onPeriphDisconnected(p, nil)
	}
	return nil
}

type disconnects struct {
	mu   sync.Mutex
	errs []error
}

func (d *disconnects) report(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *disconnects) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.errs)
}

func newTestTransport(t *testing.T, options ...func(*Transport)) (*Transport, *fakeDevice, *fakePeripheral) {
	dev := &fakeDevice{}
	tr := newTransport(append([]func(*Transport){WithDevice(dev)}, options...)...)
	dev.transport = tr

	tr.onStateChanged(dev, gatt.StatePoweredOn)

	p := &fakePeripheral{id: strings.ToUpper(testAddress)}
	tr.onPeriphDiscovered(p, nil, -50)

	return tr, dev, p
}

func (t *Transport) linkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}

func TestConnectAndClose(t *testing.T) {
	tr, dev, _ := newTestTransport(t)

	var reported disconnects
	link, err := tr.Connect(context.Background(), halo.PeripheralRef{Address: testAddress}, reported.report)
	require.Nil(t, err)
	require.Equal(t, strings.ToUpper(testAddress), link.Address())
	require.Equal(t, 1, tr.linkCount())

	// A requested teardown is acknowledged but not reported
	require.Nil(t, link.Close())
	require.Equal(t, int32(1), dev.cancels.Load())
	require.Zero(t, tr.linkCount())
	require.Nil(t, link.Close())

	time.Sleep(10 * time.Millisecond)
	require.Zero(t, reported.count())

	_, err = link.Read(new(gatt.Characteristic))
	require.ErrorIs(t, err, halo.ErrClosed)
}

func TestUnsolicitedDisconnect(t *testing.T) {
	tr, dev, p := newTestTransport(t)

	var reported disconnects
	link, err := tr.Connect(context.Background(), halo.PeripheralRef{Address: testAddress}, reported.report)
	require.Nil(t, err)

	tr.onPeriphDisconnected(p, nil)
	require.Equal(t, 1, reported.count())
	require.Zero(t, tr.linkCount())
	require.ErrorIs(t, link.Write(new(gatt.Characteristic), []byte{0x01}), halo.ErrClosed)

	// Closing a lost link neither cancels the connection nor reports again
	require.Nil(t, link.Close())
	require.Zero(t, dev.cancels.Load())
	require.Equal(t, 1, reported.count())
}

func TestCloseTimeout(t *testing.T) {
	tr, dev, p := newTestTransport(t, WithCloseTimeout(30*time.Millisecond))
	dev.noDisconnect = true

	var reported disconnects
	link, err := tr.Connect(context.Background(), halo.PeripheralRef{Address: testAddress}, reported.report)
	require.Nil(t, err)

	start := time.Now()
	require.Nil(t, link.Close())
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Zero(t, tr.linkCount())

	// A late acknowledgement is ignored
	tr.onPeriphDisconnected(p, nil)
	require.Zero(t, reported.count())
}

func TestConnectTimeout(t *testing.T) {
	tr, dev, _ := newTestTransport(t, WithCloseTimeout(30*time.Millisecond))
	dev.noConnect = true
	dev.noDisconnect = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := tr.Connect(ctx, halo.PeripheralRef{Address: testAddress}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int32(1), dev.cancels.Load())
	require.Zero(t, tr.linkCount())

	// The aborted attempt does not block the next one
	dev.noConnect = false
	link, err := tr.Connect(context.Background(), halo.PeripheralRef{Address: testAddress}, nil)
	require.Nil(t, err)
	require.Nil(t, link.Close())
}

func TestConnectFailure(t *testing.T) {
	errRejected := errors.New("connection rejected")

	tr, dev, _ := newTestTransport(t)
	dev.connErr = errRejected

	_, err := tr.Connect(context.Background(), halo.PeripheralRef{Address: testAddress}, nil)
	require.ErrorIs(t, err, errRejected)
	require.Zero(t, tr.linkCount())

	_, err = tr.Connect(context.Background(), halo.PeripheralRef{Address: "AA:BB:CC:DD:EE:99"}, nil)
	require.ErrorIs(t, err, ErrNotDiscovered)
}
