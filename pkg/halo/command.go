package halo

import "fmt"

const (
	flagOn  = 0x01
	flagOff = 0x00
)

// Command denotes an encoded write to a single characteristic
type Command struct {
	ID      CharacteristicID
	Payload []byte
}

func (c Command) String() string {
	return fmt.Sprintf("%s=% X", c.ID, c.Payload)
}

// VolumeCommand sets the raw volume (clamped to 0..30)
func VolumeCommand(actual int) Command {
	return Command{ID: Volume, Payload: []byte{byte(clamp(actual, 0, VolumeMax))}}
}

// ElevationCommand sets the elevation slider index (clamped to 0..100)
func ElevationCommand(index int) Command {
	return Command{ID: Elevation, Payload: []byte{byte(clamp(index, 0, ElevationMax))}}
}

// QNHCommand sets the QNH slider index (clamped to 0..200)
func QNHCommand(index int) Command {
	return Command{ID: QNH, Payload: []byte{byte(clamp(index, 0, QNHMax))}}
}

// TestCommand turns the test mode on / off
func TestCommand(on bool) Command {
	return Command{ID: Test, Payload: []byte{flag(on)}}
}

// FlashCommand triggers a flash
func FlashCommand() Command {
	return Command{ID: Flash, Payload: []byte{flagOn}}
}

// ResetCommand triggers a peripheral-side reset to defaults
func ResetCommand() Command {
	return Command{ID: Reset, Payload: []byte{flagOn}}
}

// DataSourceCommand selects the data source; the second byte is the baud rate index,
// which always follows the source (SoftRF = 38400, Flarm = 19200)
func DataSourceCommand(softRF bool) Command {
	return Command{ID: DataSource, Payload: []byte{flag(softRF), flag(softRF)}}
}

// ValueCommands returns the commands pushing all values, in sync order
func ValueCommands(v Values) []Command {
	return []Command{
		VolumeCommand(v.Volume),
		ElevationCommand(v.Elevation),
		QNHCommand(v.QNH),
		DataSourceCommand(v.SoftRF),
	}
}

// Decode merges a payload read from the given characteristic into the values. Payloads of
// write-only characteristics and empty payloads are rejected.
func Decode(id CharacteristicID, payload []byte, v *Values) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrRead, id)
	}

	switch id {
	case Volume:
		v.Volume = clamp(int(payload[0]), 0, VolumeMax)
	case Elevation:
		v.Elevation = clamp(int(payload[0]), 0, ElevationMax)
	case QNH:
		v.QNH = clamp(int(payload[0]), 0, QNHMax)
	case DataSource:
		v.SoftRF = payload[0] == flagOn
	default:
		return fmt.Errorf("%w: %s is not readable", ErrRead, id)
	}

	return nil
}

func flag(b bool) byte {
	if b {
		return flagOn
	}
	return flagOff
}
