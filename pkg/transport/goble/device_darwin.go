package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newDevice(_ int) (ble.Device, error) {
	return darwin.NewDevice()
}
