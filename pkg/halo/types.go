package halo

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CharacteristicID denotes a logical channel exposed by the peripheral
type CharacteristicID int

const (

	// Flash triggers a flash of the peripheral LED / indicator
	Flash CharacteristicID = iota

	// Test toggles the peripheral test mode
	Test

	// Volume sets the audio volume (raw 0..30)
	Volume

	// Elevation sets the airfield elevation (slider index, x10 ft)
	Elevation

	// QNH sets the barometric reference pressure (slider index, x2 hPa above 800)
	QNH

	// Reset instructs the peripheral to restore its defaults
	Reset

	// DataSource selects the data source / baud rate pair
	DataSource
)

var (

	// ServiceUUID is the single GATT service carrying all characteristics
	ServiceUUID = uuid.MustParse("4fafc201-1fb5-459e-8fcc-c5c9c331914c")

	characteristicUUIDs = map[CharacteristicID]uuid.UUID{
		Flash:      uuid.MustParse("beb5483e-36e1-4688-b7f5-ea07361b26a8"),
		Test:       uuid.MustParse("d7a2d055-5c6a-4b8a-8c0d-2e1e1c6f4b9a"),
		Volume:     uuid.MustParse("f7a2d055-5c6a-4b8a-8c0d-2e1e1c6f4b9b"),
		Elevation:  uuid.MustParse("a8b2d055-5c6a-4b8a-8c0d-2e1e1c6f4b9c"),
		QNH:        uuid.MustParse("b9c2d055-5c6a-4b8a-8c0d-2e1e1c6f4b9d"),
		Reset:      uuid.MustParse("c8b2d055-5c6a-4b8a-8c0d-2e1e1c6f4b9e"),
		DataSource: uuid.MustParse("d8b2d055-5c6a-4b8a-8c0d-2e1e1c6f4b9f"),
	}

	characteristicNames = map[CharacteristicID]string{
		Flash:      "flash",
		Test:       "test",
		Volume:     "volume",
		Elevation:  "elevation",
		QNH:        "qnh",
		Reset:      "reset",
		DataSource: "datasource",
	}
)

// Characteristics lists all characteristics in registry order
var Characteristics = []CharacteristicID{Flash, Test, Volume, Elevation, QNH, Reset, DataSource}

// SyncOrder lists the characteristics read (in this order) after connecting
var SyncOrder = []CharacteristicID{Volume, Elevation, QNH, DataSource}

// UUID returns the wire UUID of the characteristic
func (c CharacteristicID) UUID() uuid.UUID {
	return characteristicUUIDs[c]
}

// String returns a short human-readable name of the characteristic
func (c CharacteristicID) String() string {
	if name, ok := characteristicNames[c]; ok {
		return name
	}
	return fmt.Sprintf("characteristic(%d)", int(c))
}

// CharacteristicByUUID looks up a characteristic by its wire UUID
func CharacteristicByUUID(u uuid.UUID) (CharacteristicID, bool) {
	for id, cu := range characteristicUUIDs {
		if cu == u {
			return id, true
		}
	}
	return 0, false
}

// CharacteristicUUIDs returns the wire UUIDs of all characteristics in registry order
func CharacteristicUUIDs() []uuid.UUID {
	uuids := make([]uuid.UUID, 0, len(Characteristics))
	for _, c := range Characteristics {
		uuids = append(uuids, c.UUID())
	}
	return uuids
}

// Origin denotes how a peripheral ended up in the discovery set
type Origin int

const (

	// OriginScanned denotes a peripheral found by a live scan
	OriginScanned Origin = iota

	// OriginBonded denotes a peripheral previously bonded with the host
	OriginBonded
)

func (o Origin) String() string {
	if o == OriginBonded {
		return "bonded"
	}
	return "scanned"
}

// PeripheralRef denotes a discovered peripheral, identified by its address
type PeripheralRef struct {
	Address string
	Name    string
	Origin  Origin
}

// DisplayName returns the name of the peripheral or a placeholder if unknown
func (p PeripheralRef) DisplayName() string {
	if p.Name == "" {
		return "Unknown"
	}
	return p.Name
}

// Label returns the selection list label of the peripheral, given the name filter
func (p PeripheralRef) Label(filter string) string {
	switch {
	case p.Origin == OriginBonded:
		return "PAIRED: " + p.DisplayName()
	case MatchesName(p.Name, filter):
		return "Flarm: " + p.DisplayName()
	default:
		return "Device: " + p.DisplayName()
	}
}

// MatchesName returns if the name contains the filter (case-insensitive). An empty filter matches nothing.
func MatchesName(name, filter string) bool {
	if filter == "" || name == "" {
		return false
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(filter))
}

// SameAddress compares two peripheral addresses (case-insensitive)
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// State denotes a session state
type State int

const (

	// StateIdle is active while no link exists and no scan is running
	StateIdle State = iota

	// StateScanning is active while scanning for peripherals
	StateScanning

	// StateConnecting is active while a link is being established
	StateConnecting

	// StateServicesResolving is active while services / characteristics are discovered
	StateServicesResolving

	// StateSyncing is active while the initial values are read from the peripheral
	StateSyncing

	// StateReady is active while the session accepts commands
	StateReady

	// StateDisconnecting is active while an explicitly requested teardown is running
	StateDisconnecting

	// StateError is active after a session-level failure, until the next explicit retry
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateServicesResolving:
		return "resolving"
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsLinked returns if the state belongs to the connected family
func (s State) IsLinked() bool {
	switch s {
	case StateConnecting, StateServicesResolving, StateSyncing, StateReady:
		return true
	}
	return false
}

// Status denotes the current status of the session
type Status struct {
	Error error
	State

	Peripheral *PeripheralRef
	Uptime     time.Duration
}
