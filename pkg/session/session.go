package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fako1024/bthalo/pkg/discovery"
	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fatih/stopwatch"
	"github.com/google/uuid"
)

const defaultQueueDepth = 16

// Manager denotes the session with a single peripheral. All session state is owned by a
// single event loop; transport completions, timers and requests are serialized through it.
type Manager struct {
	transport  halo.Transport
	discovery  *discovery.Aggregator
	timing     Timing
	queueDepth int

	autoReconnect bool

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// dialMu serializes link teardown and establishment, activeLink is the only link
	// that may be live at transport level
	dialMu     sync.Mutex
	activeLink halo.Link
	dialEpoch  atomic.Uint64

	// Owned by the event loop
	state        halo.State
	stateErr     error
	selected     *halo.PeripheralRef
	target       *halo.PeripheralRef
	reconnecting bool
	epoch        uint64
	link         halo.Link
	registry     map[halo.CharacteristicID]halo.Handle
	queue        *linkQueue
	reading      *syncRun
	values       halo.Values

	// Guards the snapshot read by other goroutines and the handlers
	mu       sync.RWMutex
	snapshot snapshot
	uptime   *stopwatch.Stopwatch

	stateChangeHandler func(status halo.Status)
	stateChangeChan    chan halo.Status
	messageHandler     func(msg string)
	messageChan        chan string
	valuesHandler      func(values halo.Values)

	logger halo.Logger
}

type snapshot struct {
	status   halo.Status
	values   halo.Values
	message  string
	selected *halo.PeripheralRef
	resolved []halo.CharacteristicID
}

// New instantiates a new session Manager driving the given transport and discovery, executing
// functional options, if any
func New(transport halo.Transport, agg *discovery.Aggregator, options ...func(*Manager)) *Manager {
	m := &Manager{
		transport:     transport,
		discovery:     agg,
		timing:        DefaultTiming(),
		queueDepth:    defaultQueueDepth,
		autoReconnect: true,
		events:        make(chan func(), 64),
		done:          make(chan struct{}),
		values:        halo.DefaultValues(),
		logger:        &halo.NullLogger{},
	}

	for _, option := range options {
		option(m)
	}

	m.snapshot.values = m.values
	agg.SetFoundHandler(func(ref halo.PeripheralRef) {
		m.post(func() { m.onFound(ref) })
	})
	agg.SetSightingHandler(func(ref halo.PeripheralRef) {
		m.post(func() { m.onSighting(ref) })
	})
	agg.SetOutcomeHandler(func(outcome discovery.Outcome) {
		m.post(func() { m.onScanOutcome(outcome) })
	})

	m.wg.Add(1)
	go m.run()

	return m
}

// Status returns the current status of the session
func (m *Manager) Status() halo.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := m.snapshot.status
	if status.State == halo.StateReady && m.uptime != nil {
		status.Uptime = m.uptime.ElapsedTime()
	}
	return status
}

// Values returns the current values
func (m *Manager) Values() halo.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.values
}

// ControlsEnabled returns if input controls currently accept changes
func (m *Manager) ControlsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return controlsEnabled(m.snapshot.status.State)
}

// Message returns the latest status message
func (m *Manager) Message() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.message
}

// Selected returns the currently selected peripheral (if any)
func (m *Manager) Selected() (halo.PeripheralRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.snapshot.selected == nil {
		return halo.PeripheralRef{}, false
	}
	return *m.snapshot.selected, true
}

// Resolved returns the characteristics resolved on the current link
func (m *Manager) Resolved() []halo.CharacteristicID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]halo.CharacteristicID, len(m.snapshot.resolved))
	copy(res, m.snapshot.resolved)
	return res
}

// Peripherals returns the discovery set
func (m *Manager) Peripherals() []halo.PeripheralRef {
	return m.discovery.Peripherals()
}

// NameFilter returns the name filter identifying target peripherals
func (m *Manager) NameFilter() string {
	return m.discovery.NameFilter()
}

// SetStateChangeHandler defines a handler function that is called upon state change. It is
// called from the event loop and must not call blocking Manager methods.
func (m *Manager) SetStateChangeHandler(fn func(status halo.Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeHandler = fn
}

// SetStateChangeChannel defines a channel that receives state changes (non-blocking)
func (m *Manager) SetStateChangeChannel(ch chan halo.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeChan = ch
}

// SetMessageHandler defines a handler function that is called for every status message. It
// is called from the event loop and must not call blocking Manager methods.
func (m *Manager) SetMessageHandler(fn func(msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageHandler = fn
}

// SetMessageChannel defines a channel that receives status messages (non-blocking)
func (m *Manager) SetMessageChannel(ch chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageChan = ch
}

// SetValuesHandler defines a handler function that is called whenever the values change
func (m *Manager) SetValuesHandler(fn func(values halo.Values)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valuesHandler = fn
}

// StartScan starts a new scan window
func (m *Manager) StartScan() error {
	return m.call(func() error {
		return m.startScan(false)
	})
}

// StopScan ends the current scan window early
func (m *Manager) StopScan() error {
	return m.call(func() error {
		m.discovery.StopScan()
		return nil
	})
}

// ForceRescan clears the discovery set and matching bonds, then rescans after a settle delay
func (m *Manager) ForceRescan() error {
	return m.call(func() error {
		if m.state.IsLinked() || m.state == halo.StateDisconnecting {
			return fmt.Errorf("%w: cannot rescan while %s", halo.ErrBusy, m.state)
		}
		if err := m.discovery.ForceRescan(); err != nil {
			return err
		}
		m.reconnecting = false
		m.setState(halo.StateScanning, nil)
		m.report("Forced rescan started")
		return nil
	})
}

// Select selects a peripheral of the discovery set (by address or name) for connecting
func (m *Manager) Select(query string) error {
	return m.call(func() error {
		ref, err := m.discovery.Lookup(query)
		if err != nil {
			return err
		}
		m.selected = &ref
		m.publish()
		m.report(fmt.Sprintf("Selected: %s", ref.DisplayName()))
		return nil
	})
}

// Connect establishes a session with the selected peripheral, tearing down any existing link first
func (m *Manager) Connect() error {
	return m.call(m.connect)
}

// Disconnect tears down the current link
func (m *Manager) Disconnect() error {
	return m.call(m.disconnect)
}

// Close terminates the session, releasing the link (if any)
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.discovery.Close()
	})
	return nil
}

////////////////////////////////////////////////////////////////////////////////

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.done:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) shutdown() {
	m.release()

	m.dialMu.Lock()
	m.closeActiveLocked(m.activeLink)
	m.dialMu.Unlock()

	if m.uptime != nil {
		m.uptime.Stop()
	}
	m.logger.Debugf("session closed")
}

// post hands a function to the event loop, returning false if the session is closed
func (m *Manager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call executes a function on the event loop and waits for its result
func (m *Manager) call(fn func() error) error {
	errChan := make(chan error, 1)
	if !m.post(func() { errChan <- fn() }) {
		return halo.ErrClosed
	}

	select {
	case err := <-errChan:
		return err
	case <-m.done:
		return halo.ErrClosed
	}
}

// after runs a function on the event loop once the delay has passed
func (m *Manager) after(delay time.Duration, fn func()) {
	time.AfterFunc(delay, func() {
		m.post(fn)
	})
}

////////////////////////////////////////////////////////////////////////////////

func (m *Manager) startScan(reconnect bool) error {
	if m.state.IsLinked() || m.state == halo.StateDisconnecting {
		return fmt.Errorf("%w: cannot scan while %s", halo.ErrBusy, m.state)
	}
	if err := m.discovery.StartScan(); err != nil {
		return err
	}

	m.reconnecting = reconnect
	m.setState(halo.StateScanning, nil)
	if !reconnect {
		m.report("Scanning for all BLE devices...")
	}
	return nil
}

func (m *Manager) onFound(ref halo.PeripheralRef) {
	m.report(fmt.Sprintf("Found: %s", ref.DisplayName()))
}

// onSighting reconnects to the last peripheral once it advertises again after a link loss
func (m *Manager) onSighting(ref halo.PeripheralRef) {
	if m.state != halo.StateScanning || !m.reconnecting || !m.autoReconnect || m.target == nil {
		return
	}
	if !halo.SameAddress(ref.Address, m.target.Address) {
		return
	}

	m.logger.Infof("peripheral `%s/%s` reappeared, reconnecting", ref.DisplayName(), ref.Address)
	m.selected = &ref
	if err := m.connect(); err != nil {
		m.logger.Warnf("failed to reconnect `%s`: %s", ref.Address, err)
	}
}

func (m *Manager) onScanOutcome(outcome discovery.Outcome) {
	if m.state != halo.StateScanning {
		m.logger.Debugf("ignoring scan outcome in state %s", m.state)
		return
	}
	m.reconnecting = false

	switch {
	case outcome.Err != nil:
		m.setState(halo.StateIdle, outcome.Err)
		m.report(fmt.Sprintf("Scan failed: %s", outcome.Err))
	case outcome.Stopped:
		m.setState(halo.StateIdle, nil)
		m.report("Scan stopped.")
	case outcome.Found == 0:
		m.setState(halo.StateIdle, nil)
		m.report("No BLE devices found.")
	default:
		m.setState(halo.StateIdle, nil)
		m.report(fmt.Sprintf("Scan complete. Found %d devices.", outcome.Found))
	}
}

func (m *Manager) connect() error {
	if m.selected == nil {
		if len(m.discovery.Peripherals()) == 0 {
			m.report("No devices found. Scan first.")
		} else {
			m.report("Please select a device first")
		}
		return halo.ErrNoPeripheralSelected
	}

	ref := *m.selected
	m.discovery.StopScan()
	m.reconnecting = false

	m.release()
	m.epoch++
	epoch := m.epoch
	m.target = &ref
	m.dialEpoch.Store(epoch)

	m.setState(halo.StateConnecting, nil)
	m.report(fmt.Sprintf("Connecting to %s...", ref.DisplayName()))

	go m.dial(epoch, ref)

	return nil
}

// dial tears down the previous link (if any) and establishes a new one, holding dialMu so
// that two links are never live at the same time
func (m *Manager) dial(epoch uint64, ref halo.PeripheralRef) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	// A newer connection request already took over
	if m.dialEpoch.Load() != epoch {
		return
	}

	m.closeActiveLocked(m.activeLink)

	ctx, cancel := context.WithTimeout(context.Background(), m.timing.ConnectTimeout)
	defer cancel()

	link, err := m.transport.Connect(ctx, ref, func(err error) {
		m.post(func() { m.onLinkLost(epoch, err) })
	})
	if err != nil {
		m.post(func() { m.onConnected(epoch, ref, nil, err) })
		return
	}
	m.activeLink = link

	if !m.post(func() { m.onConnected(epoch, ref, link, nil) }) {
		m.closeActiveLocked(link)
	}
}

func (m *Manager) onConnected(epoch uint64, ref halo.PeripheralRef, link halo.Link, err error) {
	if epoch != m.epoch || m.state != halo.StateConnecting {
		if link != nil {
			m.logger.Debugf("discarding stale link to `%s`", ref.Address)
			go m.closeActive(link)
		}
		return
	}

	if err != nil {
		m.logger.Errorf("failed to connect peripheral `%s/%s`: %s", ref.DisplayName(), ref.Address, err)
		m.setState(halo.StateIdle, fmt.Errorf("%w: %s", halo.ErrConnect, err))
		m.report(fmt.Sprintf("Connection error (%s)", err))
		return
	}

	m.logger.Infof("connected peripheral `%s/%s`", ref.DisplayName(), ref.Address)
	m.link = link
	m.setState(halo.StateServicesResolving, nil)
	m.report("Connected")

	go func() {
		handles, err := link.Discover(halo.ServiceUUID, halo.CharacteristicUUIDs())
		m.post(func() { m.onResolved(epoch, handles, err) })
	}()
}

func (m *Manager) onResolved(epoch uint64, handles map[uuid.UUID]halo.Handle, err error) {
	if epoch != m.epoch || m.state != halo.StateServicesResolving {
		return
	}

	if err != nil {
		link := m.release()
		m.epoch++
		go m.closeActive(link)

		m.logger.Errorf("failed to resolve service: %s", err)
		if errors.Is(err, halo.ErrServiceResolution) {
			m.setState(halo.StateError, err)
			m.report("Service not found - check UUIDs")
		} else {
			m.setState(halo.StateError, fmt.Errorf("%w: %s", halo.ErrServiceResolution, err))
			m.report(fmt.Sprintf("Service discovery failed: %s", err))
		}
		return
	}

	m.registry = make(map[halo.CharacteristicID]halo.Handle)
	for _, id := range halo.Characteristics {
		if h, ok := handles[id.UUID()]; ok {
			m.registry[id] = h
		} else {
			m.logger.Warnf("characteristic %s not found, disabling it", id)
		}
	}
	m.logger.Debugf("resolved %d/%d characteristics", len(m.registry), len(halo.Characteristics))

	m.queue = newLinkQueue(m.link, m.queueDepth, m.timing.OpTimeout, func(err error) {
		m.post(func() {
			m.onLinkLost(epoch, err)
		})
	}, m.logger)
	m.startSync()
}

func (m *Manager) disconnect() error {
	if !m.state.IsLinked() {
		return fmt.Errorf("%w: not connected", halo.ErrNotReady)
	}

	link := m.release()
	m.epoch++
	epoch := m.epoch

	m.setState(halo.StateDisconnecting, nil)
	m.report("Disconnecting...")

	go func() {
		m.closeActive(link)
		m.post(func() {
			if epoch != m.epoch || m.state != halo.StateDisconnecting {
				return
			}
			m.setState(halo.StateIdle, nil)
			m.report("Disconnected")
		})
	}()

	return nil
}

// onLinkLost handles an unsolicited disconnect, identically for every connected state
func (m *Manager) onLinkLost(epoch uint64, cause error) {
	if epoch != m.epoch || !m.state.IsLinked() {
		return
	}

	m.logger.Infof("link to `%s` lost in state %s: %v", m.target.Address, m.state, cause)

	link := m.release()
	m.epoch++
	go m.closeActive(link)

	m.setState(halo.StateIdle, nil)
	m.report("Disconnected")

	rescanEpoch := m.epoch
	m.after(m.timing.ReconnectDelay, func() {
		if rescanEpoch != m.epoch || m.state != halo.StateIdle {
			return
		}
		m.report("Scanning for device...")
		if err := m.startScan(true); err != nil {
			m.logger.Warnf("failed to restart scanning after disconnect: %s", err)
		}
	})
}

// release drops all link-scoped state, returning the link for teardown
func (m *Manager) release() halo.Link {
	if m.queue != nil {
		m.queue.stop()
		m.queue = nil
	}
	m.registry = nil
	m.reading = nil

	link := m.link
	m.link = nil
	return link
}

func (m *Manager) closeActive(link halo.Link) {
	if link == nil {
		return
	}
	m.dialMu.Lock()
	defer m.dialMu.Unlock()
	m.closeActiveLocked(link)
}

func (m *Manager) closeActiveLocked(link halo.Link) {
	if link == nil || link != m.activeLink {
		return
	}
	m.activeLink = nil

	if err := link.Close(); err != nil {
		m.logger.Warnf("failed to close link to `%s`: %s", link.Address(), err)
	}
}

////////////////////////////////////////////////////////////////////////////////

func controlsEnabled(state halo.State) bool {
	return state != halo.StateSyncing && state != halo.StateError
}

func (m *Manager) setState(state halo.State, err error) {
	prev := m.state
	m.state = state
	m.stateErr = err

	if state == halo.StateReady && prev != halo.StateReady {
		m.mu.Lock()
		m.uptime = stopwatch.Start(0)
		m.mu.Unlock()
	} else if state != halo.StateReady && prev == halo.StateReady {
		m.mu.Lock()
		m.uptime.Stop()
		m.mu.Unlock()
	}

	if prev != state {
		m.logger.Debugf("session state %s -> %s", prev, state)
	}

	status := m.publish()

	m.mu.RLock()
	fn, ch := m.stateChangeHandler, m.stateChangeChan
	m.mu.RUnlock()

	// Call handler function, if any
	if fn != nil {
		fn(status)
	}

	// Put state change on channel, if any
	if ch != nil {
		select {
		case ch <- status:
		default:
		}
	}
}

func (m *Manager) setValues(values halo.Values) {
	m.values = values.Clamped()
	m.publish()

	m.mu.RLock()
	fn := m.valuesHandler
	m.mu.RUnlock()

	if fn != nil {
		fn(m.values)
	}
}

func (m *Manager) report(msg string) {
	m.logger.Infof("%s", msg)

	m.mu.Lock()
	m.snapshot.message = msg
	fn, ch := m.messageHandler, m.messageChan
	m.mu.Unlock()

	if fn != nil {
		fn(msg)
	}

	if ch != nil {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (m *Manager) publish() halo.Status {
	status := halo.Status{
		State: m.state,
		Error: m.stateErr,
	}
	if m.target != nil && (m.state.IsLinked() || m.state == halo.StateDisconnecting) {
		target := *m.target
		status.Peripheral = &target
	}

	resolved := make([]halo.CharacteristicID, 0, len(m.registry))
	for _, id := range halo.Characteristics {
		if _, ok := m.registry[id]; ok {
			resolved = append(resolved, id)
		}
	}

	var selected *halo.PeripheralRef
	if m.selected != nil {
		ref := *m.selected
		selected = &ref
	}

	m.mu.Lock()
	m.snapshot.status = status
	m.snapshot.values = m.values
	m.snapshot.selected = selected
	m.snapshot.resolved = resolved
	m.mu.Unlock()

	return status
}
