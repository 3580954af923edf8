package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/require"
)

func TestDeviceFailure(t *testing.T) {
	errNoAdapter := errors.New("no adapter")

	orig := DeviceFactory
	DeviceFactory = func(int) (ble.Device, error) {
		return nil, errNoAdapter
	}
	defer func() {
		DeviceFactory = orig
	}()

	tr := New(WithHCIDevice(1))
	require.ErrorIs(t, tr.Scan(context.Background(), func(halo.PeripheralRef) {}), errNoAdapter)

	_, err := tr.Connect(context.Background(), halo.PeripheralRef{Address: "AA:BB:CC:DD:EE:01"}, nil)
	require.ErrorIs(t, err, errNoAdapter)
}

func TestUUIDConversion(t *testing.T) {
	require.True(t, toBleUUID(halo.ServiceUUID).Equal(ble.MustParse("4fafc201-1fb5-459e-8fcc-c5c9c331914c")))
	require.True(t, toBleUUID(halo.Reset.UUID()).Equal(ble.MustParse("c8b2d0555c6a4b8a8c0d2e1e1c6f4b9e")))
	require.False(t, toBleUUID(halo.Flash.UUID()).Equal(toBleUUID(halo.Test.UUID())))
}

// fakeClient acknowledges a cancelled connection after a delay (if any) by closing its
// disconnect channel, all other client methods are not implemented
type fakeClient struct {
	ble.Client

	ackDelay  time.Duration
	noAck     bool
	cancelErr error
	cancels   atomic.Int32

	once         sync.Once
	disconnected chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		disconnected: make(chan struct{}),
	}
}

func (c *fakeClient) CancelConnection() error {
	c.cancels.Add(1)
	if c.cancelErr != nil {
		return c.cancelErr
	}
	if !c.noAck {
		go func() {
			time.Sleep(c.ackDelay)
			c.disconnect()
		}()
	}
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *fakeClient) disconnect() {
	c.once.Do(func() {
		close(c.disconnected)
	})
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

func (d *disconnects) get() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error{}, d.errs...)
}

func TestCloseAwaitsDisconnect(t *testing.T) {
	client := newFakeClient()
	client.ackDelay = 50 * time.Millisecond

	var reported disconnects
	l := newLink(client, "AA:BB:CC:DD:EE:01", reported.report, time.Second, &halo.NullLogger{})

	start := time.Now()
	require.Nil(t, l.Close())
	require.GreaterOrEqual(t, time.Since(start), client.ackDelay)
	select {
	case <-client.Disconnected():
	default:
		t.Fatalf("Close returned before the disconnect was acknowledged")
	}

	// A requested teardown is not reported, closing again is a no-op
	require.Nil(t, l.Close())
	require.Equal(t, int32(1), client.cancels.Load())
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, reported.get())
}

func TestCloseTimeout(t *testing.T) {
	client := newFakeClient()
	client.noAck = true

	var reported disconnects
	l := newLink(client, "AA:BB:CC:DD:EE:01", reported.report, 30*time.Millisecond, &halo.NullLogger{})

	start := time.Now()
	require.Nil(t, l.Close())
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.True(t, l.isClosed())

	// A late acknowledgement does not count as an unsolicited disconnect
	client.disconnect()
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, reported.get())
}

func TestCloseFailure(t *testing.T) {
	errNoConn := errors.New("no connection")

	client := newFakeClient()
	client.cancelErr = errNoConn

	l := newLink(client, "AA:BB:CC:DD:EE:01", nil, time.Second, &halo.NullLogger{})
	require.ErrorIs(t, l.Close(), errNoConn)
	require.True(t, l.isClosed())
	require.Nil(t, l.Close())
}

func TestUnsolicitedDisconnect(t *testing.T) {
	client := newFakeClient()

	var reported disconnects
	l := newLink(client, "AA:BB:CC:DD:EE:01", reported.report, time.Second, &halo.NullLogger{})

	client.disconnect()
	require.Eventually(t, func() bool {
		return len(reported.get()) == 1
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, reported.get()[0], ErrLinkLost)

	// Closing a lost link does not cancel the connection anymore
	require.Nil(t, l.Close())
	require.Zero(t, client.cancels.Load())
	require.Len(t, reported.get(), 1)
}
