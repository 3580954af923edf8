package goble

import (
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
)

// WithHCIDevice sets the HCI device ID (Linux only, -1 selects the default one)
func WithHCIDevice(id int) func(*Transport) {
	return func(t *Transport) {
		t.hciDevice = id
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
