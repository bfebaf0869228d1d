// tssched runs the Timeslice Scheduler (spec §4.4): the rendezvous
// point where every SubTimeslice Sender announces its subtimeslices
// and every Timeslice Builder reports capacity, and which assigns
// each fully-announced ts_id to exactly one builder.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cbm-fles/tscpipe/internal/config"
	"github.com/cbm-fles/tscpipe/internal/logging"
	"github.com/cbm-fles/tscpipe/internal/tsscheduler"
	"github.com/cbm-fles/tscpipe/internal/xcmd"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tssched",
	Short: "FLESnet timeslice scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config-file", "", "path to a YAML configuration file")
	flags.String("log-level", "", "log level")
	flags.String("log-file", "", "write logs to this file instead of stderr")
	flags.Bool("log-syslog", false, "send logs to syslog")
	flags.String("monitor", "", "InfluxDB line-protocol push URI")
	flags.Int("listen-port", 0, "port senders and builders connect to")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	log, _, err := logging.Init(cfg.LoggingConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	sched, err := tsscheduler.New()
	if err != nil {
		log.Errorw("scheduler store init failed", "error", err)
		os.Exit(1)
	}
	defer sched.Close()

	loop := tsscheduler.NewLoop(sched, tsscheduler.Config{
		ListenAddr: fmt.Sprintf(":%d", cfg.ListenPort),
		Log:        log,
	})

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return loop.Run(ctx) })
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("shutting down", "reason", err)
		return err
	})

	if err := wg.Wait(); err != nil {
		if _, ok := err.(*xcmd.Interrupted); ok {
			return nil
		}
		return err
	}
	return nil
}
