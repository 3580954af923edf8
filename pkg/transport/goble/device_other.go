//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

func newDevice(_ int) (ble.Device, error) {
	return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
}
