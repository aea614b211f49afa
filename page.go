//go:build linux

package cmdqv

import (
	"encoding/binary"
	"log/slog"
)

var le = binary.LittleEndian

// sharedPage is a bounds-checked word accessor over the live page mapped
// from the physical device. The page holds per-queue index and status words
// at the same per-queue layout as the register table, maintained by
// hardware; the emulator reads them on demand and mirrors guest writes
// back. Out-of-range offsets indicate a decode defect and are dropped with
// a diagnostic rather than corrupting adjacent memory.
type sharedPage struct {
	p []byte
}

func (s *sharedPage) readWord(off int) uint32 {
	if off < 0 || off+4 > len(s.p) {
		slog.Warn("cmdqv: shared page read out of range", "offset", off, "size", len(s.p))
		return 0
	}

	return le.Uint32(s.p[off:])
}

func (s *sharedPage) writeWord(off int, v uint32) {
	if off < 0 || off+4 > len(s.p) {
		slog.Warn("cmdqv: shared page write out of range", "offset", off, "size", len(s.p))
		return
	}

	le.PutUint32(s.p[off:], v)
}
