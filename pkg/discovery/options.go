package discovery

import (
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
)

// WithBondStore sets the store queried for bonded peripherals
func WithBondStore(bonds halo.BondStore) func(*Aggregator) {
	return func(a *Aggregator) {
		a.bonds = bonds
	}
}

// WithNameFilter sets the name substring identifying target peripherals
func WithNameFilter(filter string) func(*Aggregator) {
	return func(a *Aggregator) {
		a.nameFilter = filter
	}
}

// WithScanWindow sets the duration of a scan window
func WithScanWindow(window time.Duration) func(*Aggregator) {
	return func(a *Aggregator) {
		a.scanWindow = window
	}
}

// WithSettleDelay sets the delay between clearing bonds and rescanning on a forced rescan
func WithSettleDelay(delay time.Duration) func(*Aggregator) {
	return func(a *Aggregator) {
		a.settleDelay = delay
	}
}

// WithLogger sets the logger
func WithLogger(logger halo.Logger) func(*Aggregator) {
	return func(a *Aggregator) {
		a.logger = logger
	}
}
