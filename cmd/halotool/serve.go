package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/bthalo/pkg/api"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session via a REST API",
	Long: `Expose the peripheral session via a REST API (status, discovery, connection and
settings), e.g. as backend of a cockpit display.`,
	RunE: runServe,
}

var (
	serveListen string
	serveScan   bool
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides listen)")
	serveCmd.Flags().BoolVar(&serveScan, "scan", false, "Start scanning right away")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
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

	m := env.session
	m.SetMessageHandler(func(msg string) {
		log.Info(msg)
	})
	if serveScan {
		if err := m.StartScan(); err != nil {
			log.Warnf("failed to start scan: %s", err)
		}
	}

	srv := api.New(m, cfg.Listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigChan
		log.Infof("got signal, shutting down API")
		if err := srv.Shutdown(); err != nil {
			log.Errorf("failed to shut down API: %s", err)
		}
	}()

	log.Infof("serving API on %s", cfg.Listen)
	return srv.Listen()
}
