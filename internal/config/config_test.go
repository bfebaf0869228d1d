package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationSuffixes(t *testing.T) {
	cases := map[string]time.Duration{
		"100ms": 100 * time.Millisecond,
		"5s":    5 * time.Second,
		"250ns": 250 * time.Nanosecond,
		"10us":  10 * time.Microsecond,
		"10µs":  10 * time.Microsecond,
		"1.5ms": 1500 * time.Microsecond,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseDurationRejectsBadGrammar(t *testing.T) {
	for _, in := range []string{"", "100", "ms", "100m", "-5s", "5 s"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}
}

func TestParsePCIAddress(t *testing.T) {
	addr, err := ParsePCIAddress("04:00.1")
	require.NoError(t, err)
	assert.Equal(t, PCIAddress{Bus: 0x04, Device: 0x00, Function: 1}, addr)
}

func TestParsePCIAddressRejectsBadFunction(t *testing.T) {
	_, err := ParsePCIAddress("04:00.8") // function nibble is octal 0-7
	assert.Error(t, err)
}

func TestParsePCIAddressRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "04:00", "GG:00.1", "04-00.1"} {
		_, err := ParsePCIAddress(in)
		assert.Error(t, err, in)
	}
}

func TestDefaultIsValidModuloSchedAddress(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.PgenChannels)
	err := cfg.Validate()
	require.Error(t, err, "tssched-address is required even with defaults")

	cfg.TsSchedAddress = "127.0.0.1:5200"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveTimesliceDuration(t *testing.T) {
	cfg := Default()
	cfg.TsSchedAddress = "127.0.0.1:5200"
	cfg.TimesliceDur = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadPCIAddr(t *testing.T) {
	cfg := Default()
	cfg.TsSchedAddress = "127.0.0.1:5200"
	cfg.PCIAddr = "not-an-address"
	assert.Error(t, cfg.Validate())
}
