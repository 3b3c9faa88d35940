package journal

// ============================================================================
// CRC32 checksums over the identifying fields of an entry
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// Checksum computes the CRC32-IEEE of the entry with its checksum field zeroed
func Checksum(e Entry) uint32 {
	h := crc32.NewIEEE()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(strconv.FormatUint(e.Seq, 10))
	write(string(e.Type))
	write(e.BatchID)
	write(string(e.JobID))
	write(string(e.Phase))
	write(strconv.Itoa(e.Attempt))
	write(string(e.ErrorKind))
	write(string(e.Status))
	write(strconv.Itoa(e.Workers))
	write(e.Message)
	write(strconv.FormatInt(e.Timestamp, 10))
	return h.Sum32()
}

// Verify reports whether the stored checksum matches
func Verify(e Entry) error {
	if want := Checksum(e); want != e.Checksum {
		return &ChecksumError{Seq: e.Seq, Expected: want, Actual: e.Checksum}
	}
	return nil
}
