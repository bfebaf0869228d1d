// Package config loads and validates the CLI/YAML configuration
// surface shared by tscserver, tssched, and tsbuild (spec §6). Flags
// follow the cobra pattern grounded on
// sakateka-yanet2/controlplane/cmd/yncp-director/main.go: a
// `--config-file` loads YAML over the defaults. The binaries declare
// the other flags too, but their values are not copied into Config;
// only Default and the YAML file set it.
package config

import (
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cbm-fles/tscpipe/internal/logging"
	"github.com/cbm-fles/tscpipe/internal/pgen"
	"github.com/cbm-fles/tscpipe/internal/xerrors"
)

// Config is the full configuration surface for any of the three
// binaries; each binary only consults the fields relevant to it.
type Config struct {
	LogLevel   string `yaml:"log-level"`
	LogFile    string `yaml:"log-file"`
	LogSyslog  bool   `yaml:"log-syslog"`
	MonitorURI string `yaml:"monitor"`

	ListenPort      int    `yaml:"listen-port"`
	TsSchedAddress  string `yaml:"tssched-address"`
	TimesliceDur    time.Duration
	OverlapBefore   time.Duration
	OverlapAfter    time.Duration
	Timeout         time.Duration
	DataBufferSize  datasize.ByteSize
	DescBufferSize  datasize.ByteSize

	PgenChannels           int    `yaml:"pgen-channels"`
	PgenMicrosliceDuration time.Duration
	PgenMicrosliceSize     datasize.ByteSize
	PgenFlags              uint32 `yaml:"pgen-flags"`

	ShmName string `yaml:"shm"`
	PCIAddr string `yaml:"pci-addr"`

	raw struct {
		TimesliceDuration    string `yaml:"timeslice-duration"`
		OverlapBefore        string `yaml:"overlap-before"`
		OverlapAfter         string `yaml:"overlap-after"`
		Timeout              string `yaml:"timeout"`
		DataBufferSize       string `yaml:"data-buffer-size"`
		DescBufferSize       string `yaml:"desc-buffer-size"`
		PgenMicrosliceDur    string `yaml:"pgen-microslice-duration"`
		PgenMicrosliceSize   string `yaml:"pgen-microslice-size"`
	}
}

// Load reads a YAML config file at path (if non-empty) into a fresh
// Config with defaults applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfiguration, err, "config: read "+path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfiguration, err, "config: parse "+path)
	}
	// yaml skips the unexported raw field, so decode it explicitly.
	if err := yaml.Unmarshal(data, &cfg.raw); err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfiguration, err, "config: parse "+path)
	}
	if err := cfg.resolveSuffixedFields(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with the spec's implied defaults.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		ListenPort:     5101,
		TimesliceDur:   100 * time.Millisecond,
		Timeout:        time.Second,
		DataBufferSize: 64 * datasize.MB,
		DescBufferSize: 4 * datasize.MB,
		PgenChannels:   1,
	}
}

func (c *Config) resolveSuffixedFields() error {
	var err error
	assign := func(dst *time.Duration, raw string) {
		if raw == "" || err != nil {
			return
		}
		var d time.Duration
		d, err = ParseDuration(raw)
		*dst = d
	}
	assignSize := func(dst *datasize.ByteSize, raw string) {
		if raw == "" || err != nil {
			return
		}
		var sz datasize.ByteSize
		err = sz.UnmarshalText([]byte(raw))
		*dst = sz
	}

	assign(&c.TimesliceDur, c.raw.TimesliceDuration)
	assign(&c.OverlapBefore, c.raw.OverlapBefore)
	assign(&c.OverlapAfter, c.raw.OverlapAfter)
	assign(&c.Timeout, c.raw.Timeout)
	assign(&c.PgenMicrosliceDuration, c.raw.PgenMicrosliceDur)
	assignSize(&c.DataBufferSize, c.raw.DataBufferSize)
	assignSize(&c.DescBufferSize, c.raw.DescBufferSize)
	assignSize(&c.PgenMicrosliceSize, c.raw.PgenMicrosliceSize)
	return err
}

// durationSuffix matches a duration string's trailing unit (spec §6:
// "each accepting the suffixes ns|us|µs|ms|s").
var durationSuffix = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)(ns|us|µs|ms|s)$`)

// ParseDuration parses a spec §6 duration flag value. time.ParseDuration
// already accepts ns/us/ms/s directly; this wrapper exists so µs and a
// bare numeric-plus-suffix match the spec's exact grammar and produce
// a configuration error (not a silent zero) on anything else.
func ParseDuration(s string) (time.Duration, error) {
	m := durationSuffix.FindStringSubmatch(s)
	if m == nil {
		return 0, xerrors.Errorf(xerrors.KindConfiguration, "config: invalid duration %q", s)
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindConfiguration, err, "config: invalid duration")
	}
	unit := m[2]
	if unit == "µs" {
		unit = "us"
	}
	return time.ParseDuration(strconv.FormatFloat(val, 'f', -1, 64) + unit)
}

// PCIAddress is a parsed BB:DD.F PCI bus address (spec §6 --pci-addr,
// SPEC_FULL.md §3).
type PCIAddress struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

var pciAddrPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}):([0-9A-Fa-f]{2})\.([0-7])$`)

// ParsePCIAddress parses a BB:DD.F string.
func ParsePCIAddress(s string) (PCIAddress, error) {
	m := pciAddrPattern.FindStringSubmatch(s)
	if m == nil {
		return PCIAddress{}, xerrors.Errorf(xerrors.KindConfiguration, "config: invalid pci address %q", s)
	}
	bus, _ := strconv.ParseUint(m[1], 16, 8)
	dev, _ := strconv.ParseUint(m[2], 16, 8)
	fn, _ := strconv.ParseUint(m[3], 10, 8)
	return PCIAddress{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil
}

// PgenConfig projects the pattern-generator-relevant fields of Config
// into pgen.Config.
func (c *Config) PgenConfig() pgen.Config {
	return pgen.Config{
		MicrosliceDuration: c.PgenMicrosliceDuration,
		MicrosliceSize:     uint64(c.PgenMicrosliceSize.Bytes()),
		Flags:              c.PgenFlags,
	}
}

// LoggingConfig projects the logging-relevant fields of Config.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{Level: c.LogLevel}
}

// Validate checks cross-field invariants a YAML/flag load alone can't
// enforce.
func (c *Config) Validate() error {
	if c.TimesliceDur <= 0 {
		return xerrors.New(xerrors.KindConfiguration, "config: timeslice-duration must be positive")
	}
	if c.TsSchedAddress == "" {
		return xerrors.New(xerrors.KindConfiguration, "config: tssched-address is required")
	}
	if c.PCIAddr != "" {
		if _, err := ParsePCIAddress(c.PCIAddr); err != nil {
			return err
		}
	}
	return errors.WithStack(nil)
}
