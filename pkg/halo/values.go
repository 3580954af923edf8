package halo

import "fmt"

const (

	// VolumeMax is the maximum raw volume accepted by the peripheral
	VolumeMax = 30

	// VolumeSliderMax is the maximum volume slider position
	VolumeSliderMax = 10

	// ElevationMax is the maximum elevation slider index
	ElevationMax = 100

	// ElevationStep is the elevation represented by one slider index (ft)
	ElevationStep = 10

	// QNHMax is the maximum QNH slider index
	QNHMax = 200

	// QNHBase is the pressure represented by QNH slider index 0 (hPa)
	QNHBase = 800

	// QNHStep is the pressure represented by one QNH slider index (hPa)
	QNHStep = 2

	// SoftRFBaudRate is the baud rate paired with the SoftRF (primary) data source
	SoftRFBaudRate = 38400

	// FlarmBaudRate is the baud rate paired with the Flarm (secondary) data source
	FlarmBaudRate = 19200

	// DefaultVolume is the default raw volume
	DefaultVolume = 21

	// DefaultElevation is the default elevation slider index (640 ft)
	DefaultElevation = 64

	// DefaultQNH is the default QNH slider index (1014 hPa)
	DefaultQNH = 107

	// DefaultSoftRF denotes the default data source (SoftRF)
	DefaultSoftRF = true
)

// Values denotes the logical configuration of the peripheral
type Values struct {
	Volume    int  `json:"volume"`
	Elevation int  `json:"elevation"`
	QNH       int  `json:"qnh"`
	SoftRF    bool `json:"softrf"`
}

// DefaultValues returns the factory defaults
func DefaultValues() Values {
	return Values{
		Volume:    DefaultVolume,
		Elevation: DefaultElevation,
		QNH:       DefaultQNH,
		SoftRF:    DefaultSoftRF,
	}
}

// Clamped returns a copy of the values with every field within its bounds
func (v Values) Clamped() Values {
	return Values{
		Volume:    clamp(v.Volume, 0, VolumeMax),
		Elevation: clamp(v.Elevation, 0, ElevationMax),
		QNH:       clamp(v.QNH, 0, QNHMax),
		SoftRF:    v.SoftRF,
	}
}

// VolumeSlider returns the volume as slider position
func (v Values) VolumeSlider() int {
	return VolumeToSlider(v.Volume)
}

// ElevationFeet returns the airfield elevation in feet
func (v Values) ElevationFeet() int {
	return clamp(v.Elevation, 0, ElevationMax) * ElevationStep
}

// QNHHectopascal returns the barometric reference pressure in hPa
func (v Values) QNHHectopascal() int {
	return QNHBase + clamp(v.QNH, 0, QNHMax)*QNHStep
}

// DataSourceName returns the name of the selected data source
func (v Values) DataSourceName() string {
	if v.SoftRF {
		return "SoftRF"
	}
	return "Flarm"
}

// BaudRate returns the baud rate paired with the selected data source
func (v Values) BaudRate() int {
	if v.SoftRF {
		return SoftRFBaudRate
	}
	return FlarmBaudRate
}

// Lines returns the values in human-readable form
func (v Values) Lines() []string {
	return []string{
		fmt.Sprintf("Volume: %d/%d", v.VolumeSlider(), VolumeSliderMax),
		fmt.Sprintf("Airfield Elevation: %dft", v.ElevationFeet()),
		fmt.Sprintf("QNH Pressure: %.1fmb", float64(v.QNHHectopascal())),
		fmt.Sprintf("%s (%d baud)", v.DataSourceName(), v.BaudRate()),
	}
}

// SliderToVolume converts a volume slider position into a raw volume
func SliderToVolume(slider int) int {
	return clamp(slider*VolumeMax/VolumeSliderMax, 0, VolumeMax)
}

// VolumeToSlider converts a raw volume into a volume slider position
func VolumeToSlider(actual int) int {
	return clamp(actual*VolumeSliderMax/VolumeMax, 0, VolumeSliderMax)
}

func clamp(v, lower, upper int) int {
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}
