package gattlink

import (
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fako1024/gatt"
)

// WithDevice sets the GATT device
func WithDevice(btDevice gatt.Device) func(*Transport) {
	return func(t *Transport) {
		t.btDevice = btDevice
	}
}

// WithHCIDevice sets the HCI device ID (-1 selects the first available one)
func WithHCIDevice(id int) func(*Transport) {
	return func(t *Transport) {
		t.hciDevice = id
	}
}

// WithMTU sets the MTU requested upon service discovery
func WithMTU(mtu uint16) func(*Transport) {
	return func(t *Transport) {
		t.mtu = mtu
	}
}

// WithPowerTimeout sets the time to wait for the adapter to be powered on
func WithPowerTimeout(timeout time.Duration) func(*Transport) {
	return func(t *Transport) {
		t.powerTimer = timeout
	}
}

// WithCloseTimeout sets the time to wait for a requested disconnect to be acknowledged
func WithCloseTimeout(timeout time.Duration) func(*Transport) {
	return func(t *Transport) {
		t.closeTimer = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger halo.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger
	}
}
