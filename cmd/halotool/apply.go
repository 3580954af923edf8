package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/fako1024/bthalo/pkg/session"
	"github.com/spf13/cobra"
)

const unchanged = -1

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply settings to a peripheral",
	Long: `Connect to a peripheral, read its current settings and apply the requested changes.

Without --device the first bonded peripheral (or the first one matching the name filter)
is used. The resulting settings are printed once all changes have been written.`,
	Example: `  halotool apply --volume 8 --qnh 1013
  halotool apply --device Flarm-01 --datasource flarm
  halotool apply --reset`,
	RunE: runApply,
}

// settings denotes the changes requested on the command line
type settings struct {
	volume    int
	elevation int
	qnh       int

	dataSource string
	test       string
	flash      bool
	reset      bool
}

var (
	applyDevice  string
	applyTimeout time.Duration
)

var applySettings = settings{
	volume:    unchanged,
	elevation: unchanged,
	qnh:       unchanged,
}

func init() {
	flags := applyCmd.Flags()
	flags.StringVar(&applyDevice, "device", "", "Address or name of the peripheral")
	flags.DurationVar(&applyTimeout, "timeout", time.Minute, "Overall timeout")

	flags.IntVar(&applySettings.volume, "volume", unchanged, "Volume (0..10)")
	flags.IntVar(&applySettings.elevation, "elevation", unchanged, "Airfield elevation in ft (0..1000, 10 ft steps)")
	flags.IntVar(&applySettings.qnh, "qnh", unchanged, "QNH in hPa (800..1200, 2 hPa steps)")
	flags.StringVar(&applySettings.dataSource, "datasource", "", "Traffic data source (softrf, flarm)")
	flags.StringVar(&applySettings.test, "test", "", "Test mode (on, off)")
	flags.BoolVar(&applySettings.flash, "flash", false, "Trigger a flash of the peripheral")
	flags.BoolVar(&applySettings.reset, "reset", false, "Reset the peripheral to its default settings")
}

// validate checks the requested changes, returning if any change was requested at all
func (s settings) validate() (bool, error) {
	if s.volume != unchanged && (s.volume < 0 || s.volume > halo.VolumeSliderMax) {
		return false, fmt.Errorf("invalid volume %d (must be within 0..%d)", s.volume, halo.VolumeSliderMax)
	}
	if s.elevation != unchanged && (s.elevation < 0 || s.elevation > halo.ElevationMax*halo.ElevationStep) {
		return false, fmt.Errorf("invalid elevation %dft (must be within 0..%d)", s.elevation, halo.ElevationMax*halo.ElevationStep)
	}
	if s.qnh != unchanged && (s.qnh < halo.QNHBase || s.qnh > halo.QNHBase+halo.QNHMax*halo.QNHStep) {
		return false, fmt.Errorf("invalid QNH %dhPa (must be within %d..%d)", s.qnh, halo.QNHBase, halo.QNHBase+halo.QNHMax*halo.QNHStep)
	}
	switch s.dataSource {
	case "", "softrf", "flarm":
	default:
		return false, fmt.Errorf("invalid data source `%s` (must be softrf or flarm)", s.dataSource)
	}
	switch s.test {
	case "", "on", "off":
	default:
		return false, fmt.Errorf("invalid test mode `%s` (must be on or off)", s.test)
	}

	return s.volume != unchanged || s.elevation != unchanged || s.qnh != unchanged ||
		s.dataSource != "" || s.test != "" || s.flash || s.reset, nil
}

// apply issues the requested changes (except for a reset) on a ready session
func (s settings) apply(m *session.Manager) error {
	if s.volume != unchanged {
		if err := m.CommitVolume(s.volume); err != nil {
			return fmt.Errorf("failed to apply volume: %w", err)
		}
	}
	if s.elevation != unchanged {
		if err := m.CommitElevation(s.elevation / halo.ElevationStep); err != nil {
			return fmt.Errorf("failed to apply elevation: %w", err)
		}
	}
	if s.qnh != unchanged {
		if err := m.CommitQNH((s.qnh - halo.QNHBase) / halo.QNHStep); err != nil {
			return fmt.Errorf("failed to apply QNH: %w", err)
		}
	}
	if s.dataSource != "" {
		if err := m.SetDataSource(s.dataSource == "softrf"); err != nil {
			return fmt.Errorf("failed to apply data source: %w", err)
		}
	}
	if s.test != "" {
		if err := m.SetTest(s.test == "on"); err != nil {
			return fmt.Errorf("failed to set test mode: %w", err)
		}
	}
	if s.flash {
		if err := m.Flash(); err != nil {
			return fmt.Errorf("failed to flash: %w", err)
		}
	}

	return nil
}

func runApply(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	changes, err := applySettings.validate()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	env, err := setup(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			log.Errorf("failed to close session: %s", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	m := env.session
	m.SetMessageHandler(func(msg string) {
		log.Info(msg)
	})

	if err := connectTo(ctx, m, applyDevice); err != nil {
		return err
	}
	if ref, ok := m.Selected(); ok {
		fmt.Printf("Connected to %s, current settings:\n", green(ref.DisplayName()))
	}
	printValues(m.Values())

	if changes {
		if err := applyAndFlush(ctx, m, applySettings, cfg.ResetSettle); err != nil {
			return err
		}
		fmt.Println("Applied settings:")
		printValues(m.Values())
	}

	return m.Disconnect()
}

// applyAndFlush applies the settings, waiting until all resulting writes have been performed.
// A reset is applied first, all other changes are applied on top of the defaults.
func applyAndFlush(ctx context.Context, m *session.Manager, s settings, resetSettle time.Duration) error {
	if s.reset {
		if err := m.ResetToDefaults(); err != nil {
			return fmt.Errorf("failed to reset to defaults: %w", err)
		}

		// The defaults following a reset are queued after the settle delay
		select {
		case <-time.After(resetSettle + pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.apply(m); err != nil {
		return err
	}

	if err := m.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to flush pending writes: %w", err)
	}
	return nil
}
