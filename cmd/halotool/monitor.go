package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/bthalo/pkg/halo"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor a peripheral session",
	Long: `Connect to a peripheral and print all state changes, status messages and value updates
until interrupted. Lost links are re-established automatically if auto_reconnect is set.`,
	RunE: runMonitor,
}

var monitorDevice string

func init() {
	monitorCmd.Flags().StringVar(&monitorDevice, "device", "", "Address or name of the peripheral")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
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

	m := env.session

	stateChan := make(chan halo.Status, 16)
	m.SetStateChangeChannel(stateChan)
	msgChan := make(chan string, 64)
	m.SetMessageChannel(msgChan)
	m.SetValuesHandler(func(values halo.Values) {
		log.Debugf("values changed: %+v", values)
	})

	go func() {
		for {
			select {
			case status := <-stateChan:
				fmt.Printf("%s state: %s\n", time.Now().Format(time.TimeOnly), colorState(status))
				if status.State == halo.StateReady {
					printValues(m.Values())
				}
			case msg := <-msgChan:
				fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := connectTo(ctx, m, monitorDevice); err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}

	<-ctx.Done()
	log.Info("got signal, terminating connection to device")

	return nil
}
