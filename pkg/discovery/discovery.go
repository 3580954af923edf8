package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
)

const (
	defaultNameFilter  = "Flarm"
	defaultScanWindow  = 15 * time.Second
	defaultSettleDelay = time.Second
)

// Outcome denotes the result of a scan window
type Outcome struct {

	// Found is the number of peripherals in the discovery set when the window ended
	Found int

	// Stopped is set if the window was ended early by StopScan
	Stopped bool

	// Err is set (wrapping halo.ErrDiscovery) if the scan failed
	Err error
}

// Aggregator deduplicates discovered peripherals by address and merges bonded
// peripherals with live scan results
type Aggregator struct {
	transport halo.Transport
	bonds     halo.BondStore

	nameFilter  string
	scanWindow  time.Duration
	settleDelay time.Duration

	foundHandler    func(ref halo.PeripheralRef)
	sightingHandler func(ref halo.PeripheralRef)
	outcomeHandler  func(outcome Outcome)

	mu          sync.Mutex
	peripherals []halo.PeripheralRef
	index       map[string]struct{}
	seen        map[string]struct{}
	scanID      uint64
	cancel      context.CancelFunc
	settleTimer *time.Timer
	closed      bool

	logger halo.Logger
}

// New instantiates a new Aggregator on top of the given transport, executing functional options, if any
func New(transport halo.Transport, options ...func(*Aggregator)) *Aggregator {
	a := &Aggregator{
		transport:   transport,
		nameFilter:  defaultNameFilter,
		scanWindow:  defaultScanWindow,
		settleDelay: defaultSettleDelay,
		index:       make(map[string]struct{}),
		seen:        make(map[string]struct{}),
		logger:      &halo.NullLogger{},
	}

	for _, option := range options {
		option(a)
	}

	return a
}

// SetFoundHandler defines a handler function that is called for every newly added peripheral
func (a *Aggregator) SetFoundHandler(fn func(ref halo.PeripheralRef)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.foundHandler = fn
}

// SetSightingHandler defines a handler function that is called for the first live advertisement
// of every peripheral within a scan window, including peripherals already injected from the bond store
func (a *Aggregator) SetSightingHandler(fn func(ref halo.PeripheralRef)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sightingHandler = fn
}

// SetOutcomeHandler defines a handler function that is called when a scan window ends
func (a *Aggregator) SetOutcomeHandler(fn func(outcome Outcome)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomeHandler = fn
}

// NameFilter returns the configured name filter
func (a *Aggregator) NameFilter() string {
	return a.nameFilter
}

// StartScan clears the discovery set, injects matching bonded peripherals and starts a new
// scan window. A running scan window is replaced without reporting its outcome.
func (a *Aggregator) StartScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return halo.ErrClosed
	}

	a.stopLocked()
	a.clearLocked()
	a.injectBondedLocked()

	ctx, cancel := context.WithTimeout(context.Background(), a.scanWindow)
	a.scanID++
	a.cancel = cancel

	go a.run(ctx, cancel, a.scanID)

	return nil
}

// StopScan ends the current scan window (if any) early
func (a *Aggregator) StopScan() {
	a.mu.Lock()
	settling := a.settleTimer != nil && a.settleTimer.Stop()
	a.stopLocked()
	fn, found := a.outcomeHandler, len(a.peripherals)
	a.mu.Unlock()

	// A forced rescan still settling has no running window to report its end
	if settling && fn != nil {
		go fn(Outcome{Found: found, Stopped: true})
	}
}

// ForceRescan clears the discovery set, drops the bonds of peripherals matching the name
// filter and restarts scanning after the settle delay
func (a *Aggregator) ForceRescan() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return halo.ErrClosed
	}

	// Supersede the running window, the restarted one reports the outcome
	a.stopLocked()
	a.scanID++
	a.cancel = nil
	a.clearLocked()
	a.clearBondsLocked()

	a.settleTimer = time.AfterFunc(a.settleDelay, func() {
		if err := a.StartScan(); err != nil {
			a.logger.Warnf("failed to restart scan after forced rescan: %s", err)
		}
	})

	return nil
}

// Scanning returns if a scan window is currently active
func (a *Aggregator) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// Merge adds the peripheral to the discovery set unless its address is already present,
// returning if it was added
func (a *Aggregator) Merge(ref halo.PeripheralRef) bool {
	a.mu.Lock()
	added := a.addLocked(ref)
	fn := a.foundHandler
	a.mu.Unlock()

	if added && fn != nil {
		fn(ref)
	}

	return added
}

// Peripherals returns a snapshot of the discovery set, in discovery order
func (a *Aggregator) Peripherals() []halo.PeripheralRef {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := make([]halo.PeripheralRef, len(a.peripherals))
	copy(res, a.peripherals)
	return res
}

// Lookup finds a peripheral in the discovery set by its address or name
func (a *Aggregator) Lookup(query string) (halo.PeripheralRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ref := range a.peripherals {
		if halo.SameAddress(ref.Address, query) {
			return ref, nil
		}
	}
	for _, ref := range a.peripherals {
		if ref.Name != "" && strings.EqualFold(ref.Name, query) {
			return ref, nil
		}
	}

	return halo.PeripheralRef{}, fmt.Errorf("%w: `%s`", halo.ErrUnknownPeripheral, query)
}

// Close stops scanning and rejects any further scan requests
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopLocked()
	a.closed = true
}

////////////////////////////////////////////////////////////////////////////////

func (a *Aggregator) run(ctx context.Context, cancel context.CancelFunc, id uint64) {
	defer cancel()

	a.logger.Debugf("starting scan window #%d (%v)", id, a.scanWindow)

	err := a.transport.Scan(ctx, func(ref halo.PeripheralRef) {
		a.mergeFrom(id, ref)
	})

	a.mu.Lock()
	if id != a.scanID {
		a.mu.Unlock()
		a.logger.Debugf("scan window #%d superseded", id)
		return
	}

	outcome := Outcome{}
	switch {
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		outcome.Err = fmt.Errorf("%w: %s", halo.ErrDiscovery, err)
		a.dropScannedLocked()
	case errors.Is(ctx.Err(), context.Canceled):
		outcome.Stopped = true
	}
	outcome.Found = len(a.peripherals)
	a.cancel = nil
	fn := a.outcomeHandler
	a.mu.Unlock()

	if outcome.Err != nil {
		a.logger.Warnf("scan window #%d failed: %s", id, outcome.Err)
	} else {
		a.logger.Debugf("scan window #%d ended, found %d peripheral(s)", id, outcome.Found)
	}

	if fn != nil {
		fn(outcome)
	}
}

func (a *Aggregator) mergeFrom(id uint64, ref halo.PeripheralRef) {
	a.mu.Lock()
	if id != a.scanID {
		a.mu.Unlock()
		return
	}
	ref.Origin = halo.OriginScanned
	added := a.addLocked(ref)

	key := strings.ToUpper(ref.Address)
	_, sighted := a.seen[key]
	a.seen[key] = struct{}{}

	found, sighting := a.foundHandler, a.sightingHandler
	a.mu.Unlock()

	if added {
		a.logger.Debugf("discovered peripheral `%s/%s`", ref.DisplayName(), ref.Address)
		if found != nil {
			found(ref)
		}
	}
	if !sighted && sighting != nil {
		sighting(ref)
	}
}

func (a *Aggregator) addLocked(ref halo.PeripheralRef) bool {
	key := strings.ToUpper(ref.Address)
	if _, exists := a.index[key]; exists {
		return false
	}

	a.index[key] = struct{}{}
	a.peripherals = append(a.peripherals, ref)
	return true
}

func (a *Aggregator) stopLocked() {
	if a.settleTimer != nil {
		a.settleTimer.Stop()
		a.settleTimer = nil
	}
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Aggregator) clearLocked() {
	a.peripherals = nil
	a.index = make(map[string]struct{})
	a.seen = make(map[string]struct{})
}

func (a *Aggregator) dropScannedLocked() {
	kept := a.peripherals[:0]
	a.index = make(map[string]struct{})
	for _, ref := range a.peripherals {
		if ref.Origin == halo.OriginBonded {
			kept = append(kept, ref)
			a.index[strings.ToUpper(ref.Address)] = struct{}{}
		}
	}
	a.peripherals = kept
}

func (a *Aggregator) injectBondedLocked() {
	if a.bonds == nil {
		return
	}

	bonded, err := a.bonds.Bonded()
	if err != nil {
		a.logger.Warnf("failed to list bonded peripherals: %s", err)
		return
	}

	for _, ref := range bonded {
		if !halo.MatchesName(ref.Name, a.nameFilter) {
			continue
		}
		ref.Origin = halo.OriginBonded
		if a.addLocked(ref) {
			a.logger.Debugf("injected bonded peripheral `%s/%s`", ref.DisplayName(), ref.Address)
		}
	}
}

func (a *Aggregator) clearBondsLocked() {
	if a.bonds == nil {
		return
	}

	bonded, err := a.bonds.Bonded()
	if err != nil {
		a.logger.Warnf("failed to list bonded peripherals: %s", err)
		return
	}

	for _, ref := range bonded {
		if !halo.MatchesName(ref.Name, a.nameFilter) {
			continue
		}
		if err := a.bonds.RemoveBond(ref.Address); err != nil {
			a.logger.Warnf("failed to clear bond for `%s/%s`: %s", ref.DisplayName(), ref.Address, err)
			continue
		}
		a.logger.Debugf("cleared bond for `%s/%s`", ref.DisplayName(), ref.Address)
	}
}
