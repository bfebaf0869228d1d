package mdformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorMarshalRoundTrip(t *testing.T) {
	d := Descriptor{
		HeaderID:      0xDD,
		HeaderVersion: 1,
		EquipmentID:   7,
		Flags:         FlagCrcValid | FlagOverflowFlim,
		SysID:         2,
		SysVersion:    3,
		Idx:           123456789,
		Crc:           0xCAFEBABE,
		Size:          512,
		Offset:        4096,
	}

	buf := make([]byte, Size)
	d.Marshal(buf)

	var got Descriptor
	got.Unmarshal(buf)

	assert.Equal(t, d, got)
}

func TestDescriptorHasFlag(t *testing.T) {
	d := Descriptor{Flags: FlagCrcValid}
	assert.True(t, d.HasFlag(FlagCrcValid))
	assert.False(t, d.HasFlag(FlagOverflowFlim))
	assert.False(t, d.HasFlag(FlagCrcValid|FlagOverflowFlim))
}

func TestDescriptorEndOffset(t *testing.T) {
	d := Descriptor{Offset: 100, Size: 50}
	assert.Equal(t, uint64(150), d.EndOffset())
}

func TestChecksumCRC32C(t *testing.T) {
	content := []byte("flesnet microslice payload")
	sum := ChecksumCRC32C(content)
	require.NotZero(t, sum)
	assert.Equal(t, sum, ChecksumCRC32C(content), "checksum must be deterministic")
	assert.NotEqual(t, sum, ChecksumCRC32C(append(content, 'x')))
}
