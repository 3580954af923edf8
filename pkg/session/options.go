package session

import (
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
)

// Timing denotes the delays and timeouts governing a session
type Timing struct {

	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration

	// ReadStagger is the gap between two consecutive initial reads
	ReadStagger time.Duration

	// SyncTimeout forces the end of the initial value synchronization
	SyncTimeout time.Duration

	// ResetSettle is the delay between a reset command and the re-issued defaults
	ResetSettle time.Duration

	// ReconnectDelay is the delay between an unsolicited disconnect and the rescan
	ReconnectDelay time.Duration

	// OpTimeout bounds a single read or write on the link, zero disables the limit
	OpTimeout time.Duration
}

// DefaultTiming returns the default session timing
func DefaultTiming() Timing {
	return Timing{
		ConnectTimeout: 10 * time.Second,
		ReadStagger:    100 * time.Millisecond,
		SyncTimeout:    5 * time.Second,
		ResetSettle:    500 * time.Millisecond,
		ReconnectDelay: 3 * time.Second,
		OpTimeout:      3 * time.Second,
	}
}

// WithTiming sets the session timing
func WithTiming(timing Timing) func(*Manager) {
	return func(m *Manager) {
		m.timing = timing
	}
}

// WithQueueDepth sets the maximum number of operations waiting for the link
func WithQueueDepth(depth int) func(*Manager) {
	return func(m *Manager) {
		if depth > 0 {
			m.queueDepth = depth
		}
	}
}

// WithAutoReconnect enables reconnecting to the last peripheral once it reappears after
// an unsolicited disconnect
func WithAutoReconnect(enabled bool) func(*Manager) {
	return func(m *Manager) {
		m.autoReconnect = enabled
	}
}

// WithValues sets the initial values
func WithValues(values halo.Values) func(*Manager) {
	return func(m *Manager) {
		m.values = values.Clamped()
	}
}

// WithLogger sets the logger
func WithLogger(logger halo.Logger) func(*Manager) {
	return func(m *Manager) {
		m.logger = logger
	}
}
