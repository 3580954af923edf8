package session

import (
	"fmt"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
)

// Outcome denotes the state of a single initial read
type Outcome int

const (

	// NotStarted denotes a read not yet dispatched
	NotStarted Outcome = iota

	// Issued denotes a read waiting for its completion
	Issued

	// Succeeded denotes a read whose value was merged into the values
	Succeeded

	// Failed denotes a missing characteristic, a rejected dispatch or a failed read
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NotStarted:
		return "not started"
	case Issued:
		return "issued"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// syncRun tracks the outcome of each initial read of one synchronization, resolving
// once every read completed (or the watchdog fired)
type syncRun struct {
	order    []halo.CharacteristicID
	outcomes map[halo.CharacteristicID]Outcome
	resolved int
	finished bool
}

func newSyncRun(order []halo.CharacteristicID) *syncRun {
	s := &syncRun{
		order:    order,
		outcomes: make(map[halo.CharacteristicID]Outcome, len(order)),
	}
	for _, id := range order {
		s.outcomes[id] = NotStarted
	}

	return s
}

func (s *syncRun) issue(id halo.CharacteristicID) {
	if s.outcomes[id] == NotStarted {
		s.outcomes[id] = Issued
	}
}

// resolve records the final outcome of a read, returning true once all reads are resolved.
// Repeated or unknown resolutions are ignored.
func (s *syncRun) resolve(id halo.CharacteristicID, outcome Outcome) bool {
	current, tracked := s.outcomes[id]
	if !tracked || current == Succeeded || current == Failed || s.finished {
		return false
	}

	s.outcomes[id] = outcome
	s.resolved++

	if s.resolved >= len(s.order) {
		s.finished = true
		return true
	}
	return false
}

// expire ends the run regardless of pending reads, returning false if it had already ended
func (s *syncRun) expire() bool {
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

func (s *syncRun) succeeded() (n int) {
	for _, o := range s.outcomes {
		if o == Succeeded {
			n++
		}
	}
	return
}

func (s *syncRun) total() int {
	return len(s.order)
}

func (s *syncRun) outcome(id halo.CharacteristicID) Outcome {
	return s.outcomes[id]
}

func (s *syncRun) summary() string {
	return fmt.Sprintf("Connected! Read %d/%d values", s.succeeded(), s.total())
}

////////////////////////////////////////////////////////////////////////////////

func (m *Manager) startSync() {
	run := newSyncRun(halo.SyncOrder)
	m.reading = run

	m.setState(halo.StateSyncing, nil)
	m.report("Reading current values...")

	for i, id := range run.order {
		id := id
		m.after(time.Duration(i+1)*m.timing.ReadStagger, func() {
			m.dispatchRead(run, id)
		})
	}

	m.after(m.timing.SyncTimeout, func() {
		if m.reading != run || !run.expire() {
			return
		}
		m.logger.Warnf("fallback: enabling controls after %v (%d/%d values read)", m.timing.SyncTimeout, run.succeeded(), run.total())
		m.finishSync(run, "Connected (some values may be default)")
	})
}

func (m *Manager) dispatchRead(run *syncRun, id halo.CharacteristicID) {
	if m.reading != run {
		return
	}

	h, ok := m.registry[id]
	if !ok {
		m.resolveRead(run, id, nil, fmt.Errorf("%w: %s", halo.ErrCharacteristicUnavailable, id))
		return
	}

	run.issue(id)
	err := m.queue.enqueue(linkOp{
		kind:   opRead,
		id:     id,
		handle: h,
		done: func(payload []byte, err error) {
			m.post(func() {
				m.resolveRead(run, id, payload, err)
			})
		},
	})
	if err != nil {
		m.resolveRead(run, id, nil, fmt.Errorf("failed to dispatch read: %w", err))
	}
}

func (m *Manager) resolveRead(run *syncRun, id halo.CharacteristicID, payload []byte, err error) {
	if m.reading != run {
		return
	}

	outcome := Succeeded
	if err == nil {
		values := m.values
		if err = halo.Decode(id, payload, &values); err == nil {
			m.setValues(values)
		}
	}
	if err != nil {
		outcome = Failed
		m.logger.Warnf("initial read of %s failed: %s", id, err)
	} else {
		m.logger.Debugf("read %s (% X)", id, payload)
	}

	if run.resolve(id, outcome) {
		m.finishSync(run, run.summary())
	}
}

func (m *Manager) finishSync(run *syncRun, summary string) {
	m.reading = nil
	m.logger.Infof("value synchronization done: %d/%d values read", run.succeeded(), run.total())
	m.setState(halo.StateReady, nil)
	m.report(summary)
}
