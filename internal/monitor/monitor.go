// Package monitor implements spec §5/§7 telemetry: a set of
// prometheus gauges mirroring the process's current status plus an
// InfluxDB line-protocol push client for the same counters, following
// the teacher's pattern of a single background reporter goroutine
// driven by an hktimer.Task.
package monitor

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/lufia/iostat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Gauges are the three prometheus series spec.md §7 names: the
// process-wide status, a per-channel status, and (in tsscheduler)
// the overall pipeline status.
type Gauges struct {
	ServerStatus  *prometheus.GaugeVec
	ChannelStatus *prometheus.GaugeVec
	PipelineGauge prometheus.Gauge
}

// NewGauges registers spec §7's three gauges with reg.
func NewGauges(reg prometheus.Registerer, processName string) (*Gauges, error) {
	g := &Gauges{
		ServerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stserver_status",
			Help: "SubTimeslice server process status (0=down,1=up,2=degraded).",
		}, []string{"process"}),
		ChannelStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stserver_channel_status",
			Help: "Per-channel delay in nanoseconds (now minus the latest microslice time).",
		}, []string{"process", "channel"}),
		PipelineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tsc_server_status",
			Help: "Overall timeslice construction pipeline status.",
		}),
	}
	for _, c := range []prometheus.Collector{g.ServerStatus, g.ChannelStatus, g.PipelineGauge} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	g.ServerStatus.WithLabelValues(processName).Set(1)
	return g, nil
}

// ChannelSample is one channel's reported counters, used both for the
// prometheus gauge and for the InfluxDB line-protocol push.
type ChannelSample struct {
	Channel        string
	Delay          time.Duration
	BytesAvailable uint64
	WriteIndex     uint64
	ReadIndex      uint64
}

// Snapshot is one reporting tick's full telemetry payload.
type Snapshot struct {
	Process  string
	Channels []ChannelSample
	Disk     []DiskCounter
}

// DiskCounter mirrors the subset of iostat.DriveStats the pipeline
// reports, to keep Snapshot JSON-encodable without pulling the whole
// third-party struct into the wire format.
type DiskCounter struct {
	Name         string
	ReadBytes    uint64
	WrittenBytes uint64
}

// ReadDiskCounters samples host disk I/O counters via
// github.com/lufia/iostat, ignoring drives it can't read (the library
// is only implemented for a subset of platforms).
func ReadDiskCounters() []DiskCounter {
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		return nil
	}
	out := make([]DiskCounter, 0, len(drives))
	for _, d := range drives {
		out = append(out, DiskCounter{Name: d.Name, ReadBytes: uint64(d.BytesRead), WrittenBytes: uint64(d.BytesWritten)})
	}
	return out
}

// Digest computes a blake2b-256 content digest of a timeslice's
// payload for trace-level logging, letting an operator compare two
// runs' assembled content without recomputing a CRC32C per
// microslice (spec §7 trace level).
func Digest(content []byte) [32]byte {
	return blake2b.Sum256(content)
}

// Reporter pushes Snapshots to an InfluxDB line-protocol HTTP
// endpoint using fasthttp, and updates the prometheus gauges in step.
type Reporter struct {
	URI    string
	Gauges *Gauges
	Log    *zap.SugaredLogger

	client *fasthttp.Client
}

// NewReporter constructs a Reporter posting to uri (an InfluxDB
// /write endpoint); uri may be empty, in which case Push only updates
// the prometheus gauges.
func NewReporter(uri string, gauges *Gauges, log *zap.SugaredLogger) *Reporter {
	return &Reporter{URI: uri, Gauges: gauges, Log: log, client: &fasthttp.Client{}}
}

// Push records snap into the prometheus gauges and, if URI is set,
// POSTs it as InfluxDB line protocol.
func (r *Reporter) Push(ctx context.Context, snap Snapshot) error {
	if r.Gauges != nil {
		for _, ch := range snap.Channels {
			r.Gauges.ChannelStatus.WithLabelValues(snap.Process, ch.Channel).Set(float64(ch.Delay.Nanoseconds()))
		}
	}
	if r.URI == "" {
		return nil
	}
	body := encodeLineProtocol(snap)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.URI)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetBody(body)

	if err := r.client.DoDeadline(req, resp, deadlineFrom(ctx)); err != nil {
		if r.Log != nil {
			r.Log.Warnw("monitor: influx push failed", "error", err)
		}
		return err
	}
	return nil
}

func deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(2 * time.Second)
}

// encodeLineProtocol renders snap as InfluxDB line protocol, one line
// per channel plus one line per disk.
func encodeLineProtocol(snap Snapshot) []byte {
	var buf bytes.Buffer
	for _, ch := range snap.Channels {
		buf.WriteString("tsc_channel,process=")
		buf.WriteString(snap.Process)
		buf.WriteString(",channel=")
		buf.WriteString(ch.Channel)
		buf.WriteString(" delay_ns=")
		buf.WriteString(strconv.FormatInt(ch.Delay.Nanoseconds(), 10))
		buf.WriteString("i,bytes_available=")
		buf.WriteString(strconv.FormatUint(ch.BytesAvailable, 10))
		buf.WriteString("i,write_index=")
		buf.WriteString(strconv.FormatUint(ch.WriteIndex, 10))
		buf.WriteString("i,read_index=")
		buf.WriteString(strconv.FormatUint(ch.ReadIndex, 10))
		buf.WriteByte('i')
		buf.WriteByte('\n')
	}
	for _, d := range snap.Disk {
		fmt.Fprintf(&buf, "tsc_disk,process=%s,disk=%s read_bytes=%di,written_bytes=%di\n",
			snap.Process, d.Name, d.ReadBytes, d.WrittenBytes)
	}
	return buf.Bytes()
}

// DumpJSON renders snap as a compact JSON status line for ad hoc
// `--monitor` diagnostics, using jsoniter rather than encoding/json
// for the faster encode path on a hot status-report tick.
func DumpJSON(snap Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}
