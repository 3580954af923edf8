package session

import (
	"context"
	"testing"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fako1024/bthalo/pkg/mock"
	"github.com/stretchr/testify/require"
)

func TestSyncRun(t *testing.T) {
	run := newSyncRun(halo.SyncOrder)
	require.Equal(t, 4, run.total())
	for _, id := range halo.SyncOrder {
		require.Equal(t, NotStarted, run.outcome(id))
	}

	run.issue(halo.Volume)
	require.Equal(t, Issued, run.outcome(halo.Volume))

	require.False(t, run.resolve(halo.Volume, Succeeded))
	require.False(t, run.resolve(halo.Elevation, Failed))

	// Repeated and unknown resolutions do not count
	require.False(t, run.resolve(halo.Volume, Failed))
	require.False(t, run.resolve(halo.Flash, Succeeded))
	require.Equal(t, Succeeded, run.outcome(halo.Volume))

	require.False(t, run.resolve(halo.QNH, Succeeded))
	require.True(t, run.resolve(halo.DataSource, Failed))
	require.Equal(t, 2, run.succeeded())
	require.Equal(t, "Connected! Read 2/4 values", run.summary())

	// A finished run cannot expire anymore
	require.False(t, run.expire())
}

func TestSyncRunExpire(t *testing.T) {
	run := newSyncRun(halo.SyncOrder)
	run.issue(halo.Volume)
	require.False(t, run.resolve(halo.Volume, Succeeded))

	require.True(t, run.expire())
	require.False(t, run.expire())

	// Late completions after the watchdog fired are ignored
	require.False(t, run.resolve(halo.Elevation, Succeeded))
	require.Equal(t, 1, run.succeeded())
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "not started", NotStarted.String())
	require.Equal(t, "issued", Issued.String())
	require.Equal(t, "succeeded", Succeeded.String())
	require.Equal(t, "failed", Failed.String())
	require.Equal(t, "outcome(17)", Outcome(17).String())
}

func TestLinkQueue(t *testing.T) {
	p := mock.NewPeripheral(testAddress, testName)
	p.Stalled[halo.Volume] = true

	tr := mock.New(p)
	link, err := tr.Connect(context.Background(), p.Ref, nil)
	require.Nil(t, err)

	q := newLinkQueue(link, 1, 0, nil, &halo.NullLogger{})

	results := make(chan error, 4)
	done := func(_ []byte, err error) {
		results <- err
	}

	// The stalled read occupies the worker, the next operation fills the queue
	require.Nil(t, q.enqueue(linkOp{kind: opRead, id: halo.Volume, handle: halo.Volume, done: done}))
	require.Eventually(t, func() bool {
		return len(tr.Reads()) == 1
	}, waitFor, tick)
	require.Nil(t, q.enqueue(linkOp{kind: opWrite, id: halo.QNH, handle: halo.QNH, payload: []byte{1}, done: done}))
	require.ErrorIs(t, q.enqueue(linkOp{kind: opWrite, id: halo.QNH, handle: halo.QNH, payload: []byte{2}, done: done}), halo.ErrQueueFull)

	q.stop()
	q.stop()
	require.ErrorIs(t, q.enqueue(linkOp{kind: opRead, id: halo.QNH, handle: halo.QNH, done: done}), halo.ErrClosed)

	// The operation in flight completes once the link is gone, the pending one fails
	require.Nil(t, link.Close())
	for _, expected := range []error{halo.ErrRead, halo.ErrClosed} {
		select {
		case err := <-results:
			require.ErrorIs(t, err, expected)
		case <-time.After(waitFor):
			t.Fatalf("operation did not complete")
		}
	}

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, tr.Writes())
	require.Empty(t, results)
}

type queueResult struct {
	id  halo.CharacteristicID
	err error
}

func TestLinkQueueTimeout(t *testing.T) {
	p := mock.NewPeripheral(testAddress, testName)
	p.Stalled[halo.Volume] = true

	tr := mock.New(p)
	link, err := tr.Connect(context.Background(), p.Ref, nil)
	require.Nil(t, err)
	defer link.Close()

	wedged := make(chan error, 1)
	q := newLinkQueue(link, 4, 20*time.Millisecond, func(err error) {
		wedged <- err
	}, &halo.NullLogger{})
	defer q.stop()

	results := make(chan queueResult, 4)
	for _, op := range []linkOp{
		{kind: opRead, id: halo.Volume, handle: halo.Volume},
		{kind: opWrite, id: halo.QNH, handle: halo.QNH, payload: []byte{0x01, 0x01}},
		{kind: opRead, id: halo.QNH, handle: halo.QNH},
	} {
		id := op.id
		op.done = func(_ []byte, err error) {
			results <- queueResult{id, err}
		}
		require.Nil(t, q.enqueue(op))
	}

	// The stalled read fails, the worker moves on to the operations behind it
	for _, expected := range []queueResult{
		{halo.Volume, halo.ErrTimeout},
		{halo.QNH, nil},
		{halo.QNH, nil},
	} {
		select {
		case res := <-results:
			require.Equal(t, expected.id, res.id)
			if expected.err == nil {
				require.Nil(t, res.err)
			} else {
				require.ErrorIs(t, res.err, halo.ErrRead)
				require.ErrorIs(t, res.err, expected.err)
			}
		case <-time.After(waitFor):
			t.Fatalf("operation on %s did not complete", expected.id)
		}
	}

	require.Len(t, tr.Writes(), 1)
	require.Empty(t, wedged)
}

func TestLinkQueueWedged(t *testing.T) {
	p := mock.NewPeripheral(testAddress, testName)
	p.Stalled[halo.Volume] = true
	p.Stalled[halo.Elevation] = true

	tr := mock.New(p)
	link, err := tr.Connect(context.Background(), p.Ref, nil)
	require.Nil(t, err)
	defer link.Close()

	wedged := make(chan error, 1)
	q := newLinkQueue(link, 4, 20*time.Millisecond, func(err error) {
		wedged <- err
	}, &halo.NullLogger{})

	results := make(chan queueResult, 4)
	for _, op := range []linkOp{
		{kind: opRead, id: halo.Volume, handle: halo.Volume},
		{kind: opRead, id: halo.Elevation, handle: halo.Elevation},
		{kind: opWrite, id: halo.QNH, handle: halo.QNH, payload: []byte{0x01, 0x01}},
	} {
		id := op.id
		op.done = func(_ []byte, err error) {
			results <- queueResult{id, err}
		}
		require.Nil(t, q.enqueue(op))
	}

	select {
	case err := <-wedged:
		require.ErrorIs(t, err, halo.ErrTimeout)
	case <-time.After(waitFor):
		t.Fatalf("wedged link was not reported")
	}

	// Both stalled reads timed out, the pending write never reached the link
	for _, expected := range []queueResult{
		{halo.Volume, halo.ErrTimeout},
		{halo.Elevation, halo.ErrTimeout},
		{halo.QNH, halo.ErrClosed},
	} {
		res := <-results
		require.Equal(t, expected.id, res.id)
		require.ErrorIs(t, res.err, expected.err)
	}
	require.Empty(t, tr.Writes())

	// The queue is stopped for good, stopping it again is a no-op
	require.ErrorIs(t, q.enqueue(linkOp{kind: opRead, id: halo.QNH, handle: halo.QNH}), halo.ErrClosed)
	q.stop()
}

func TestLinkQueueSerializes(t *testing.T) {
	tr := mock.New(mock.NewPeripheral(testAddress, testName))
	tr.SetOpDelay(2 * time.Millisecond)

	link, err := tr.Connect(context.Background(), halo.PeripheralRef{Address: testAddress}, nil)
	require.Nil(t, err)
	defer link.Close()

	q := newLinkQueue(link, 32, time.Second, nil, &halo.NullLogger{})
	defer q.stop()

	results := make(chan error, 32)
	for i := 0; i < 16; i++ {
		id := halo.SyncOrder[i%len(halo.SyncOrder)]
		kind := opRead
		if i%2 == 1 {
			kind = opWrite
		}
		require.Nil(t, q.enqueue(linkOp{
			kind:    kind,
			id:      id,
			handle:  id,
			payload: []byte{0x01, 0x01},
			done: func(_ []byte, err error) {
				results <- err
			},
		}))
	}

	for i := 0; i < 16; i++ {
		select {
		case err := <-results:
			require.Nil(t, err)
		case <-time.After(waitFor):
			t.Fatalf("operation #%d did not complete", i)
		}
	}
	require.Zero(t, tr.Overlaps())
	require.Len(t, tr.Writes(), 8)
	require.Len(t, tr.Reads(), 8)
}
