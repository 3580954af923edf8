package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE peripherals",
	Long: `Scan for Bluetooth Low Energy peripherals in the vicinity, merged with the peripherals
already bonded with the host.

Use --rescan to clear the bonds of all matching peripherals before scanning.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanRescan   bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (overrides scan_window)")
	scanCmd.Flags().BoolVar(&scanRescan, "rescan", false, "Clear matching bonds before scanning")
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if scanDuration > 0 {
		cfg.ScanWindow = scanDuration
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

	m := env.session
	m.SetMessageHandler(func(msg string) {
		log.Debug(msg)
	})

	if scanRescan {
		err = m.ForceRescan()
	} else {
		err = m.StartScan()
	}
	if err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	if err := awaitScan(ctx, m); err != nil {
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if err := m.StopScan(); err != nil {
			return err
		}
	}

	peripherals := m.Peripherals()
	if len(peripherals) == 0 {
		fmt.Println(yellow("No BLE devices found."))
		return nil
	}

	filter := m.NameFilter()
	for _, ref := range peripherals {
		fmt.Println(colorPeripheral(ref, filter))
	}
	if status := m.Status(); status.Error != nil {
		return status.Error
	}

	return nil
}
