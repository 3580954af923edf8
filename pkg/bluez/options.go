package bluez

import "github.com/fako1024/bthalo/pkg/halo"

// WithAdapter restricts the store to devices known to the given adapter (e.g. "hci0")
func WithAdapter(adapter string) func(*Store) {
	return func(s *Store) {
		s.adapter = adapter
	}
}

// WithLogger sets the logger
func WithLogger(logger halo.Logger) func(*Store) {
	return func(s *Store) {
		s.logger = logger
	}
}
