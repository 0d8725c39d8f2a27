package fileops

import "hash/crc32"

// UpdateChecksum extends prev (the CRC32 of every byte written to a file
// so far) with newBytes, the bytes just appended. CRC32 is
// stream-associative: Update(prev, table, newBytes) equals the checksum
// of (everything before) + newBytes without re-reading the file, which is
// why the index can keep a running per-file checksum across appends
// instead of rehashing the whole file on every write (spec §4.6 step 4).
//
// No third-party checksum library appears anywhere in the retrieval pack
// (klauspost/compress is a compression codec, not a checksum algorithm),
// so this uses stdlib hash/crc32 directly.
func UpdateChecksum(prev uint32, newBytes []byte) uint32 {
	return crc32.Update(prev, crc32.IEEETable, newBytes)
}

// ChecksumFile computes the CRC32 of an entire file from scratch, used by
// internal/index to validate (or rebuild) its stored per-file checksum.
func ChecksumFile(path string) (uint32, error) {
	data, err := readAllIfExists(path)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}
