package mdformat

import "hash/crc32"

// crc32cTable is the Castagnoli polynomial table mandated by the wire
// format (spec: "CRC32C"). The algorithm choice is part of the
// protocol, not a place to substitute a different library checksum.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumCRC32C computes the CRC32C checksum of content, matching the
// value a producer would place in Descriptor.Crc.
func ChecksumCRC32C(content []byte) uint32 {
	return crc32.Checksum(content, crc32cTable)
}
