package hash

import "hash/crc32"

// ShortCRC32 computes the "short CRC" index used by vbucket routing:
// bits 16 through 30 of the CRC32-IEEE checksum, i.e.
// (crc32(key) >> 16) & 0x7FFF. Masking down to the vbucket count is
// the caller's job.
func ShortCRC32(key []byte) uint32 {
	return (crc32.ChecksumIEEE(key) >> 16) & 0x7FFF
}
