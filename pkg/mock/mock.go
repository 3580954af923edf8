package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/google/uuid"
)

const (
	defaultDeviceName    = "Flarm-Mock"
	defaultDeviceAddress = "AA:BB:CC:DD:EE:01"
)

// ErrLinkLost is reported to the disconnect handler of a dropped link
var ErrLinkLost = errors.New("link lost")

// Peripheral denotes a simulated peripheral
type Peripheral struct {
	Ref halo.PeripheralRef

	// Bonded makes the peripheral show up in the bond store
	Bonded bool

	// Hidden suppresses advertisements (bonded-only peripherals)
	Hidden bool

	// Values holds the payloads returned by reads, updated by writes
	Values map[halo.CharacteristicID][]byte

	ReadErrors  map[halo.CharacteristicID]error
	WriteErrors map[halo.CharacteristicID]error

	// Stalled reads never complete until the link is closed
	Stalled map[halo.CharacteristicID]bool

	// Missing characteristics are not resolved on discovery
	Missing map[halo.CharacteristicID]bool

	NoService   bool
	DiscoverErr error
	ConnectErr  error

	// DropOnConnect loses every link right after it was established
	DropOnConnect bool
}

// NewPeripheral instantiates a new simulated peripheral holding the default values
func NewPeripheral(address, name string) *Peripheral {
	p := &Peripheral{
		Ref:         halo.PeripheralRef{Address: address, Name: name},
		Values:      make(map[halo.CharacteristicID][]byte),
		ReadErrors:  make(map[halo.CharacteristicID]error),
		WriteErrors: make(map[halo.CharacteristicID]error),
		Stalled:     make(map[halo.CharacteristicID]bool),
		Missing:     make(map[halo.CharacteristicID]bool),
	}
	p.restoreDefaults()

	return p
}

func (p *Peripheral) restoreDefaults() {
	for _, cmd := range halo.ValueCommands(halo.DefaultValues()) {
		p.Values[cmd.ID] = cmd.Payload
	}
}

// Write denotes a write recorded by the transport
type Write struct {
	Address string
	halo.Command
	At time.Time
}

// Transport denotes a simulated radio stack hosting a set of peripherals
type Transport struct {
	mu          sync.Mutex
	peripherals []*Peripheral
	links       map[string]*Link

	scanErr  error
	opDelay  time.Duration
	writes   []Write
	reads    []halo.CharacteristicID
	connects int
	overlaps int
	maxLinks int
	removed  []string
}

// New instantiates a new simulated transport with the given peripherals
func New(peripherals ...*Peripheral) *Transport {
	return &Transport{
		peripherals: peripherals,
		links:       make(map[string]*Link),
	}
}

// NewDemo instantiates a simulated transport hosting a single bonded peripheral
func NewDemo() *Transport {
	p := NewPeripheral(defaultDeviceAddress, defaultDeviceName)
	p.Bonded = true

	t := New(p)
	t.SetOpDelay(20 * time.Millisecond)
	return t
}

// SetScanError makes subsequent scans fail with the given error
func (t *Transport) SetScanError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanErr = err
}

// SetOpDelay sets the simulated duration of every link operation
func (t *Transport) SetOpDelay(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opDelay = delay
}

// SetStalled makes subsequent reads of a characteristic on the given peripheral stall (or
// complete again), reads already stalled are unaffected
func (t *Transport) SetStalled(address string, id halo.CharacteristicID, stalled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.lookup(address)
	if p == nil {
		return false
	}
	p.Stalled[id] = stalled
	return true
}

// Peripheral returns the simulated peripheral with the given address
func (t *Transport) Peripheral(address string) *Peripheral {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(address)
}

// Scan reports all advertising peripherals, then waits for the context to be done
func (t *Transport) Scan(ctx context.Context, found func(halo.PeripheralRef)) error {
	t.mu.Lock()
	if t.scanErr != nil {
		err := t.scanErr
		t.mu.Unlock()
		return err
	}
	var refs []halo.PeripheralRef
	for _, p := range t.peripherals {
		if !p.Hidden {
			refs = append(refs, p.Ref)
		}
	}
	t.mu.Unlock()

	for _, ref := range refs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			found(ref)
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// Connect establishes a simulated link
func (t *Transport) Connect(ctx context.Context, ref halo.PeripheralRef, onDisconnect func(error)) (halo.Link, error) {
	l, drop, err := t.connect(ctx, ref, onDisconnect)
	if err != nil {
		return nil, err
	}

	// The disconnect handler must never be called with the transport lock held
	if drop && onDisconnect != nil {
		onDisconnect(ErrLinkLost)
	}

	return l, nil
}

func (t *Transport) connect(ctx context.Context, ref halo.PeripheralRef, onDisconnect func(error)) (*Link, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connects++

	p := t.lookup(ref.Address)
	if p == nil {
		return nil, false, fmt.Errorf("peripheral `%s` not in range", ref.Address)
	}
	if p.ConnectErr != nil {
		return nil, false, p.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if _, exists := t.links[ref.Address]; exists {
		return nil, false, fmt.Errorf("peripheral `%s` already connected", ref.Address)
	}

	l := &Link{
		transport:    t,
		peripheral:   p,
		onDisconnect: onDisconnect,
		done:         make(chan struct{}),
	}
	t.links[ref.Address] = l
	if len(t.links) > t.maxLinks {
		t.maxLinks = len(t.links)
	}

	return l, p.DropOnConnect, nil
}

// Bonded returns all bonded peripherals
func (t *Transport) Bonded() ([]halo.PeripheralRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res []halo.PeripheralRef
	for _, p := range t.peripherals {
		if p.Bonded {
			ref := p.Ref
			ref.Origin = halo.OriginBonded
			res = append(res, ref)
		}
	}
	return res, nil
}

// RemoveBond drops the bond of a peripheral
func (t *Transport) RemoveBond(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.lookup(address)
	if p == nil || !p.Bonded {
		return fmt.Errorf("no bond for `%s`", address)
	}
	p.Bonded = false
	t.removed = append(t.removed, address)

	return nil
}

// Drop simulates an unsolicited loss of the link to the peripheral
func (t *Transport) Drop(address string) bool {
	t.mu.Lock()
	l, exists := t.links[address]
	if exists {
		delete(t.links, address)
	}
	t.mu.Unlock()

	if !exists {
		return false
	}

	// Notify before failing pending operations, matching the order of a real stack
	if l.onDisconnect != nil {
		l.onDisconnect(ErrLinkLost)
	}
	l.terminate()

	return true
}

// Writes returns all recorded writes
func (t *Transport) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]Write, len(t.writes))
	copy(res, t.writes)
	return res
}

// Reads returns all characteristics read so far
func (t *Transport) Reads() []halo.CharacteristicID {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]halo.CharacteristicID, len(t.reads))
	copy(res, t.reads)
	return res
}

// Connects returns the number of connection attempts
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// ActiveLinks returns the number of links currently open
func (t *Transport) ActiveLinks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}

// MaxActiveLinks returns the maximum number of links that were open at the same time
func (t *Transport) MaxActiveLinks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxLinks
}

// Overlaps returns the number of link operations issued while another one was in flight
func (t *Transport) Overlaps() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlaps
}

// RemovedBonds returns the addresses of all removed bonds
func (t *Transport) RemovedBonds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]string, len(t.removed))
	copy(res, t.removed)
	return res
}

func (t *Transport) lookup(address string) *Peripheral {
	for _, p := range t.peripherals {
		if halo.SameAddress(p.Ref.Address, address) {
			return p
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// Link denotes a simulated link
type Link struct {
	transport    *Transport
	peripheral   *Peripheral
	onDisconnect func(error)

	inFlight  int
	closeOnce sync.Once
	done      chan struct{}
}

// Address returns the address of the connected peripheral
func (l *Link) Address() string {
	return l.peripheral.Ref.Address
}

// Discover resolves the requested characteristics
func (l *Link) Discover(service uuid.UUID, characteristics []uuid.UUID) (map[uuid.UUID]halo.Handle, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()

	if l.peripheral.DiscoverErr != nil {
		return nil, l.peripheral.DiscoverErr
	}
	if l.peripheral.NoService || service != halo.ServiceUUID {
		return nil, fmt.Errorf("%w: service %s not found", halo.ErrServiceResolution, service)
	}

	res := make(map[uuid.UUID]halo.Handle)
	for _, u := range characteristics {
		id, ok := halo.CharacteristicByUUID(u)
		if !ok || l.peripheral.Missing[id] {
			continue
		}
		res[u] = id
	}

	return res, nil
}

// Read reads the simulated value of a characteristic
func (l *Link) Read(h halo.Handle) ([]byte, error) {
	id, ok := h.(halo.CharacteristicID)
	if !ok {
		return nil, fmt.Errorf("invalid handle %v", h)
	}
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.end()

	l.transport.mu.Lock()
	l.transport.reads = append(l.transport.reads, id)
	stalled := l.peripheral.Stalled[id]
	l.transport.mu.Unlock()

	if stalled {
		<-l.done
		return nil, ErrLinkLost
	}

	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()

	if err := l.peripheral.ReadErrors[id]; err != nil {
		return nil, err
	}
	payload := l.peripheral.Values[id]
	res := make([]byte, len(payload))
	copy(res, payload)

	return res, nil
}

// Write records a write and applies it to the simulated peripheral
func (l *Link) Write(h halo.Handle, payload []byte) error {
	id, ok := h.(halo.CharacteristicID)
	if !ok {
		return fmt.Errorf("invalid handle %v", h)
	}
	if err := l.begin(); err != nil {
		return err
	}
	defer l.end()

	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()

	data := make([]byte, len(payload))
	copy(data, payload)
	l.transport.writes = append(l.transport.writes, Write{
		Address: l.Address(),
		Command: halo.Command{ID: id, Payload: data},
		At:      time.Now(),
	})

	if err := l.peripheral.WriteErrors[id]; err != nil {
		return err
	}

	switch id {
	case halo.Reset:
		l.peripheral.restoreDefaults()
	case halo.Volume, halo.Elevation, halo.QNH, halo.DataSource:
		l.peripheral.Values[id] = data
	}

	return nil
}

// Close terminates the link
func (l *Link) Close() error {
	l.transport.mu.Lock()
	if cur, exists := l.transport.links[l.Address()]; exists && cur == l {
		delete(l.transport.links, l.Address())
	}
	l.transport.mu.Unlock()

	l.terminate()
	return nil
}

func (l *Link) terminate() (terminated bool) {
	l.closeOnce.Do(func() {
		close(l.done)
		terminated = true
	})
	return
}

func (l *Link) begin() error {
	select {
	case <-l.done:
		return ErrLinkLost
	default:
	}

	l.transport.mu.Lock()
	l.inFlight++
	if l.inFlight > 1 {
		l.transport.overlaps++
	}
	delay := l.transport.opDelay
	l.transport.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-l.done:
			l.end()
			return ErrLinkLost
		}
	}

	return nil
}

func (l *Link) end() {
	l.transport.mu.Lock()
	l.inFlight--
	l.transport.mu.Unlock()
}
