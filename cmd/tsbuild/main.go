// tsbuild runs the Timeslice Builder plus Item Distributor (spec
// §4.5-§4.6): it collects assigned subtimeslices from senders,
// assembles them into shared memory, and fans the finished items out
// to registered worker connections per their stride/offset/policy.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cbm-fles/tscpipe/internal/config"
	"github.com/cbm-fles/tscpipe/internal/distributor"
	"github.com/cbm-fles/tscpipe/internal/logging"
	"github.com/cbm-fles/tscpipe/internal/shm"
	"github.com/cbm-fles/tscpipe/internal/transport"
	"github.com/cbm-fles/tscpipe/internal/tsbuilder"
	"github.com/cbm-fles/tscpipe/internal/xcmd"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tsbuild",
	Short: "FLESnet timeslice builder and item distributor",
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
	flags.Int("listen-port", 0, "port worker processes register on")
	flags.String("tssched-address", "", "timeslice scheduler address (host:port)")
	flags.String("shm", "", "shared-memory arena directory name")
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

	plane, err := shm.NewPlane(cfg.ShmName)
	if err != nil {
		log.Errorw("shm plane init failed", "error", err)
		os.Exit(1)
	}

	dist := distributor.New(log)

	var itemsMu sync.Mutex
	items := make(map[uint64]tsbuilder.Item)

	builder := tsbuilder.New(tsbuilder.Config{
		BuilderID:     hostnameOrDefault(),
		SchedulerAddr: cfg.TsSchedAddress,
		ShmDir:        cfg.ShmName,
		Log:           log,
		PublishItem: func(item tsbuilder.Item) {
			itemsMu.Lock()
			items[item.ID] = item
			itemsMu.Unlock()
			dist.Publish(&distributor.Item{ID: item.ID, Payload: item}, func(*distributor.Item) {
				item.Release()
				itemsMu.Lock()
				delete(items, item.ID)
				itemsMu.Unlock()
			})
		},
	}, plane)

	workerLoop := newWorkerRegistrationLoop(cfg, dist, log)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return builder.Run(ctx) })
	wg.Go(func() error { return workerLoop.Run(ctx) })
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

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "tsbuild"
	}
	return h
}

// workerRegistrationLoop accepts plain TCP worker connections (spec
// §4.6 "REGISTER <stride> <offset> <policy> <name>"), wires each one
// into the distributor as a Send callback plus a receive loop for
// COMPLETE messages, and pings every currently idle worker with a
// periodic heartbeat so it can detect broker death (spec §4.6).
type workerRegistrationLoop struct {
	ln   net.Listener
	addr string
	dist *distributor.Distributor
	log  *zap.SugaredLogger

	connsMu sync.Mutex
	conns   map[string]net.Conn
}

func newWorkerRegistrationLoop(cfg *config.Config, dist *distributor.Distributor, log *zap.SugaredLogger) *workerRegistrationLoop {
	return &workerRegistrationLoop{
		addr:  fmt.Sprintf(":%d", cfg.ListenPort),
		dist:  dist,
		log:   log,
		conns: make(map[string]net.Conn),
	}
}

func (l *workerRegistrationLoop) Run(ctx context.Context) error {
	ln, err := transport.Listen(l.addr)
	if err != nil {
		return err
	}
	l.ln = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go l.heartbeatLoop(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go l.serveWorker(conn)
	}
}

// heartbeatLoop sends AMHeartbeat to every idle worker once a second,
// the same 1s cadence the rest of the pipeline uses for its status
// reports (spec §4.6 "periodic heartbeat ... to let it detect broker
// death").
func (l *workerRegistrationLoop) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range l.dist.IdleWorkers() {
				l.connsMu.Lock()
				conn, ok := l.conns[name]
				l.connsMu.Unlock()
				if !ok {
					continue
				}
				if err := transport.Send(conn, transport.Message{ID: transport.AMHeartbeat}); err != nil {
					if l.log != nil {
						l.log.Warnw("tsbuild: heartbeat send failed", "worker", name, "error", err)
					}
				}
			}
		}
	}
}

func (l *workerRegistrationLoop) serveWorker(conn net.Conn) {
	defer conn.Close()

	msg, err := transport.Receive(conn)
	if err != nil {
		return
	}
	var hdr transport.WorkerRegisterHeader
	if hdr.Unmarshal(msg.Header) != nil {
		return
	}
	name := hdr.Name
	stride := hdr.Stride
	if stride == 0 {
		stride = 1
	}
	policy := distributor.Policy(hdr.Policy)

	l.connsMu.Lock()
	l.conns[name] = conn
	l.connsMu.Unlock()
	defer func() {
		l.connsMu.Lock()
		delete(l.conns, name)
		l.connsMu.Unlock()
	}()

	l.dist.Register(name, stride, hdr.Offset, policy, func(workerName string, item *distributor.Item) bool {
		return transport.Send(conn, transport.Message{
			ID:     transport.AMWorkItem,
			Header: transport.IDHeader{ID: item.ID}.Marshal(),
		}) == nil
	})
	defer l.dist.Disconnect(name)

	for {
		msg, err := transport.Receive(conn)
		if err != nil {
			return
		}
		if msg.ID != transport.AMWorkerComplete {
			continue
		}
		var idHdr transport.IDHeader
		if idHdr.Unmarshal(msg.Header) != nil {
			return
		}
		l.dist.Complete(name, idHdr.ID)
	}
}
