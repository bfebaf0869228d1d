// tscserver is the readout-side process (spec §1/§4.1-§4.3): it runs a
// pattern-generator producer per channel, a SubTimeslice Builder
// assembling those channels into subtimeslices, and a SubTimeslice
// Sender serving them to Timeslice Builders and announcing them to a
// Timeslice Scheduler. Structured the way
// sakateka-yanet2/controlplane/cmd/yncp-director/main.go wires a cobra
// root command around a config load, a logger, and an errgroup.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cbm-fles/tscpipe/internal/channel"
	"github.com/cbm-fles/tscpipe/internal/config"
	"github.com/cbm-fles/tscpipe/internal/dma"
	"github.com/cbm-fles/tscpipe/internal/logging"
	"github.com/cbm-fles/tscpipe/internal/mdformat"
	"github.com/cbm-fles/tscpipe/internal/pgen"
	"github.com/cbm-fles/tscpipe/internal/ringbuf"
	"github.com/cbm-fles/tscpipe/internal/shm"
	"github.com/cbm-fles/tscpipe/internal/stbuilder"
	"github.com/cbm-fles/tscpipe/internal/stsender"
	"github.com/cbm-fles/tscpipe/internal/xcmd"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tscserver",
	Short: "FLESnet subtimeslice construction server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config-file", "", "path to a YAML configuration file")
	flags.String("log-level", "", "log level (trace|debug|status|info|warning|error|fatal)")
	flags.String("log-file", "", "write logs to this file instead of stderr")
	flags.Bool("log-syslog", false, "send logs to syslog")
	flags.String("monitor", "", "InfluxDB line-protocol push URI")
	flags.Int("listen-port", 0, "port builders connect to for BUILDER_REQUEST_ST")
	flags.String("tssched-address", "", "timeslice scheduler address (host:port)")
	flags.String("timeslice-duration", "", "timeslice duration, e.g. 100ms")
	flags.String("overlap-before", "", "window allowed before a subtimeslice boundary")
	flags.String("overlap-after", "", "window allowed after a subtimeslice boundary")
	flags.String("timeout", "", "deadline after which an incomplete subtimeslice is provided anyway")
	flags.String("data-buffer-size", "", "per-channel data ring size, e.g. 64MB")
	flags.String("desc-buffer-size", "", "per-channel descriptor ring size, e.g. 4MB")
	flags.Int("pgen-channels", 0, "number of pattern-generator channels to run")
	flags.String("pgen-microslice-duration", "", "pattern generator microslice period")
	flags.String("pgen-microslice-size", "", "pattern generator microslice payload size")
	flags.Uint32("pgen-flags", 0, "pattern generator flag bits")
	flags.String("shm", "", "shared-memory arena directory name")
	flags.String("pci-addr", "", "readout board PCI address BB:DD.F (real-hardware mode)")
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

	if err := cfg.Validate(); err != nil {
		log.Errorw("invalid configuration", "error", err)
		os.Exit(1)
	}

	plane, err := shm.NewPlane(cfg.ShmName)
	if err != nil {
		log.Errorw("shm plane init failed", "error", err)
		os.Exit(1)
	}

	channels, pgens, err := buildChannels(cfg, plane)
	if err != nil {
		log.Errorw("channel setup failed", "error", err)
		os.Exit(1)
	}
	// The pattern generator owns the producer-side write index; the
	// channel needs to learn about each new microslice so
	// CheckAvailability can see it.
	for i := range channels {
		channels[i].SetWriteIndex(pgens[i].WriteIndex())
	}

	// The sender registers with the scheduler under its own dialable
	// listen address, not just a bare hostname: the Timeslice Scheduler
	// hands this name straight to Timeslice Builders as the endpoint to
	// issue BUILDER_REQUEST_ST against (spec §4.4/§4.5).
	senderID := fmt.Sprintf("%s:%d", hostnameOrDefault(), cfg.ListenPort)
	sender := stsender.New(senderID, plane)
	senderLoop, err := stsender.NewLoop(sender, stsender.Config{
		SchedulerAddr: cfg.TsSchedAddress,
		ListenAddr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Log:           log,
	})
	if err != nil {
		log.Errorw("sender loop init failed", "error", err)
		os.Exit(1)
	}

	builder := stbuilder.New(stbuilder.Config{
		DurationNs:      uint64(cfg.TimesliceDur.Nanoseconds()),
		OverlapBeforeNs: uint64(cfg.OverlapBefore.Nanoseconds()),
		OverlapAfterNs:  uint64(cfg.OverlapAfter.Nanoseconds()),
		TimeoutNs:       uint64(cfg.Timeout.Nanoseconds()),
		PollInterval:    10 * time.Millisecond,
		Log:             log,
	}, channels, sender, senderLoop.Wake, uint64(time.Now().UnixNano()))

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	for i := range pgens {
		pg, ch := pgens[i], channels[i]
		wg.Go(func() error {
			pg.Run(ctx, func(writeIndex, idxNs uint64) {
				ch.SetWriteIndex(writeIndex)
			})
			return nil
		})
	}
	wg.Go(func() error { return senderLoop.Run(ctx) })
	wg.Go(func() error { return builder.Run(ctx) })
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

// buildChannels constructs one internal/channel.Channel per configured
// pattern-generator channel, each wrapping a dedicated pgen.Channel as
// its producer. A real-hardware deployment would instead construct
// channels over shm.Plane-backed rings filled by a PCI DMA engine
// (spec §6 --pci-addr); pgen is this implementation's default producer
// when no PCI address is configured.
func buildChannels(cfg *config.Config, plane *shm.Plane) ([]*channel.Channel, []*pgen.Channel, error) {
	n := cfg.PgenChannels
	if n <= 0 {
		n = 1
	}
	descCount := nextPow2(int(cfg.DescBufferSize.Bytes()) / 32)
	if descCount == 0 {
		descCount = 1024
	}
	dataSize := nextPow2(int(cfg.DataBufferSize.Bytes()))
	if dataSize == 0 {
		dataSize = 1 << 20
	}

	channels := make([]*channel.Channel, 0, n)
	pgens := make([]*pgen.Channel, 0, n)
	now := uint64(time.Now().UnixNano())

	for i := 0; i < n; i++ {
		pg := pgen.New(cfg.PgenConfig(), descCount, dataSize, now, int64(i)+1)
		pgens = append(pgens, pg)

		descArena, err := plane.Create(uint64(descCount) * 32)
		if err != nil {
			return nil, nil, err
		}
		dataArena, err := plane.Create(uint64(dataSize))
		if err != nil {
			return nil, nil, err
		}

		// descArena/dataArena back real shm rings for inter-process
		// consumers (a Timeslice Builder opening the same arena by
		// UUID); the in-process pattern generator additionally keeps its
		// own descriptor/data slices and is bridged into the channel
		// through pgenDescView so internal/channel never needs to know
		// its producer isn't DMA hardware.
		ch := channel.New(
			pgenDescView{pg},
			ringbuf.New(dataArena.Bytes()),
			descArena.UUID, dataArena.UUID,
			uint64(cfg.OverlapBefore.Nanoseconds()),
			uint64(cfg.OverlapAfter.Nanoseconds()),
			dma.TransferSize,
		)
		channels = append(channels, ch)
	}
	return channels, pgens, nil
}

// pgenDescView adapts pgen.Channel's producer-side descriptor accessor
// to the Get/Size/Mask shape internal/channel's Channel.New expects
// for its descriptor ring view; since the pattern generator owns both
// sides of the ring in-process, this is a thin projection rather than
// a real shared-memory mapping.
type pgenDescView struct{ pg *pgen.Channel }

func (v pgenDescView) Get(n uint64) mdformat.Descriptor { return v.pg.Descriptor(n) }
func (v pgenDescView) Size() uint64                     { return v.pg.DescRingSize() }
func (v pgenDescView) Mask() uint64                     { return v.pg.DescRingSize() - 1 }

func nextPow2(n int) int {
	if n <= 0 {
		return 0
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "tscserver"
	}
	return h
}
