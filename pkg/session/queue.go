package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
)

// stallLimit is the number of consecutive timed out operations after which a link is
// considered wedged
const stallLimit = 2

type opKind int

const (
	opRead opKind = iota
	opWrite
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	default:
		return "barrier"
	}
}

type linkOp struct {
	kind    opKind
	id      halo.CharacteristicID
	handle  halo.Handle
	payload []byte

	done func(payload []byte, err error)
}

// linkQueue serializes all operations on a link, keeping at most one in flight.
// An operation not completing within the timeout fails and the worker moves on. Once
// stallLimit operations in a row have timed out the queue stops and reports the link
// as wedged.
type linkQueue struct {
	link    halo.Link
	timeout time.Duration
	wedged  func(error)

	mu      sync.Mutex
	ops     chan linkOp
	quit    chan struct{}
	stopped bool

	logger halo.Logger
}

func newLinkQueue(link halo.Link, depth int, timeout time.Duration, wedged func(error), logger halo.Logger) *linkQueue {
	q := &linkQueue{
		link:    link,
		timeout: timeout,
		wedged:  wedged,
		ops:     make(chan linkOp, depth),
		quit:    make(chan struct{}),
		logger:  logger,
	}
	go q.run()

	return q
}

func (q *linkQueue) enqueue(op linkOp) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return halo.ErrClosed
	}

	select {
	case q.ops <- op:
		return nil
	default:
		return fmt.Errorf("%w (%d pending)", halo.ErrQueueFull, len(q.ops))
	}
}

// stop fails all pending operations with ErrClosed, the one in flight (if any) still completes
func (q *linkQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	close(q.quit)
}

func (q *linkQueue) run() {
	stalls := 0
	for {
		select {
		case <-q.quit:
			q.drain()
			return
		case op := <-q.ops:

			// Prefer quitting over draining the backlog
			select {
			case <-q.quit:
				op.done(nil, halo.ErrClosed)
				q.drain()
				return
			default:
			}

			if !q.exec(op) {
				stalls = 0
				continue
			}

			stalls++
			q.logger.Warnf("%s of %s timed out after %v (%d in a row)", op.kind, op.id, q.timeout, stalls)
			if stalls >= stallLimit {
				q.stop()
				q.drain()
				if q.wedged != nil {
					q.wedged(fmt.Errorf("%w: %d consecutive link operations", halo.ErrTimeout, stalls))
				}
				return
			}
		}
	}
}

// drain fails all operations still waiting, stop guarantees no further ones arrive
func (q *linkQueue) drain() {
	for {
		select {
		case op := <-q.ops:
			op.done(nil, halo.ErrClosed)
		default:
			return
		}
	}
}

type opResult struct {
	payload []byte
	err     error
}

// exec performs a single operation, returning if it timed out. A timed out call is
// abandoned, its result is discarded once it eventually returns.
func (q *linkQueue) exec(op linkOp) bool {
	var fail error
	switch op.kind {
	case opRead:
		q.logger.Debugf("reading %s", op.id)
		fail = halo.ErrRead
	case opWrite:
		q.logger.Debugf("writing %s (% X)", op.id, op.payload)
		fail = halo.ErrWrite
	default:
		op.done(nil, nil)
		return false
	}

	res := make(chan opResult, 1)
	go func() {
		if op.kind == opRead {
			payload, err := q.link.Read(op.handle)
			res <- opResult{payload, err}
			return
		}
		res <- opResult{err: q.link.Write(op.handle, op.payload)}
	}()

	var expired <-chan time.Time
	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-res:
		if r.err != nil {
			r.err = fmt.Errorf("%w: %s: %s", fail, op.id, r.err)
		}
		op.done(r.payload, r.err)
		return false
	case <-expired:
		op.done(nil, fmt.Errorf("%w: %s: %w", fail, op.id, halo.ErrTimeout))
		return true
	}
}
