package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fako1024/bthalo/pkg/bluez"
	"github.com/fako1024/bthalo/pkg/config"
	"github.com/fako1024/bthalo/pkg/discovery"
	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fako1024/bthalo/pkg/mock"
	"github.com/fako1024/bthalo/pkg/session"
	"github.com/fako1024/bthalo/pkg/transport/gattlink"
	"github.com/fako1024/bthalo/pkg/transport/goble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const pollInterval = 50 * time.Millisecond

// loadConfig reads the configuration file (if any) and applies the global flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("transport") {
		cfg.Transport, _ = flags.GetString("transport")
	}
	if flags.Changed("hci") {
		cfg.HCIDevice, _ = flags.GetInt("hci")
	}
	if flags.Changed("name-filter") {
		cfg.NameFilter, _ = flags.GetString("name-filter")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level `%s`: %w", cfg.LogLevel, err)
	}
	log.SetLevel(lvl)

	return cfg, nil
}

// environment holds a session and everything it is wired to
type environment struct {
	session *session.Manager
	closers []func() error
}

// setup builds the transport, bond store, discovery and session from the configuration
func setup(cfg *config.Config) (*environment, error) {
	logger, err := halo.NewDefaultLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	env := &environment{}

	var (
		transport halo.Transport
		bonds     halo.BondStore
	)
	switch cfg.Transport {
	case config.TransportMock:
		tr := mock.NewDemo()
		transport, bonds = tr, tr
	case config.TransportGoBLE:
		transport = goble.New(
			goble.WithHCIDevice(cfg.HCIDevice),
			goble.WithLogger(logger),
		)
	default:
		tr, err := gattlink.New(
			gattlink.WithHCIDevice(cfg.HCIDevice),
			gattlink.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GATT transport: %w", err)
		}
		transport = tr
		env.closers = append(env.closers, tr.Close)
	}

	if bonds == nil && cfg.Bonds {
		store, err := bluez.New(
			bluez.WithAdapter(cfg.Adapter),
			bluez.WithLogger(logger),
		)
		if err != nil {
			log.Warnf("bonded peripherals unavailable: %s", err)
		} else {
			bonds = store
			env.closers = append(env.closers, store.Close)
		}
	}

	options := []func(*discovery.Aggregator){
		discovery.WithNameFilter(cfg.NameFilter),
		discovery.WithScanWindow(cfg.ScanWindow),
		discovery.WithSettleDelay(cfg.RescanSettle),
		discovery.WithLogger(logger),
	}
	if bonds != nil {
		options = append(options, discovery.WithBondStore(bonds))
	}

	env.session = session.New(transport, discovery.New(transport, options...),
		session.WithTiming(cfg.Timing()),
		session.WithQueueDepth(cfg.QueueDepth),
		session.WithAutoReconnect(cfg.AutoReconnect),
		session.WithLogger(logger),
	)

	return env, nil
}

// Close terminates the session and releases the transport
func (e *environment) Close() error {
	if err := e.session.Close(); err != nil {
		return err
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////

// awaitScan waits until the current scan window has ended
func awaitScan(ctx context.Context, m *session.Manager) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for m.Status().State == halo.StateScanning {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// findTarget returns the peripheral matching the query (address or name). Without a query,
// the first bonded peripheral or the first one matching the name filter is returned.
func findTarget(m *session.Manager, query string) (halo.PeripheralRef, bool) {
	filter := m.NameFilter()
	for _, ref := range m.Peripherals() {
		if query != "" {
			if halo.SameAddress(ref.Address, query) || (ref.Name != "" && strings.EqualFold(ref.Name, query)) {
				return ref, true
			}
			continue
		}
		if ref.Origin == halo.OriginBonded || halo.MatchesName(ref.Name, filter) {
			return ref, true
		}
	}
	return halo.PeripheralRef{}, false
}

// connectTo scans for the target peripheral and establishes a ready session with it
func connectTo(ctx context.Context, m *session.Manager, query string) error {
	if err := m.StartScan(); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var (
		ref   halo.PeripheralRef
		found bool
	)
	for {
		if ref, found = findTarget(m, query); found {
			break
		}
		if m.Status().State != halo.StateScanning {
			if query == "" {
				return fmt.Errorf("%w: no matching peripheral found", halo.ErrUnknownPeripheral)
			}
			return fmt.Errorf("%w: `%s`", halo.ErrUnknownPeripheral, query)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	log.Infof("connecting to %s (%s)", ref.DisplayName(), ref.Address)
	if err := m.Select(ref.Address); err != nil {
		return err
	}
	if err := m.Connect(); err != nil {
		return err
	}

	for {
		status := m.Status()
		switch status.State {
		case halo.StateReady:
			return nil
		case halo.StateError:
			return status.Error
		case halo.StateIdle:
			return fmt.Errorf("%w: link to `%s` lost", halo.ErrConnect, ref.Address)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
