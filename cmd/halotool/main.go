package main

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "halotool",
	Short: "Configure Flarm Halo BLE peripherals",
	Long: `Scan for, connect to and configure Flarm Halo audio peripherals via Bluetooth Low Energy.

Volume, airfield elevation, QNH and the traffic data source can be applied from the
command line, monitored live or exposed via a REST API.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Fatal(err)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	registerGlobalFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func registerGlobalFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Path to YAML configuration file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("transport", "", "Bluetooth backend (gatt, goble, mock)")
	flags.Int("hci", -1, "HCI device ID (-1 selects the first available one)")
	flags.String("name-filter", "", "Name substring identifying target peripherals")
}
