package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newDevice(hciDevice int) (ble.Device, error) {
	if hciDevice < 0 {
		return linux.NewDevice()
	}
	return linux.NewDevice(ble.OptDeviceID(hciDevice))
}
