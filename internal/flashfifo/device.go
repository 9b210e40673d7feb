package flashfifo

import "fmt"

// Device is the narrow port the FIFO consumes to reach raw flash. It
// mirrors the esp_partition_read/write/erase primitives used beneath the
// original sector algorithms: writes may only clear bits (a write never
// sets a bit that erase had left at 1), and a sector must be erased
// before any of its previously-cleared bits can be set again.
type Device interface {
	SectorSize() int
	SectorCount() int
	EraseSector(sector int) error
	ReadAt(off int64, buf []byte) error
	WriteAt(off int64, buf []byte) error
	// Flush is called after every write/erase. On platforms where the
	// flash cache can observe stale data after an unlocked write, this
	// forces a sync; MemoryDevice's implementation is a no-op.
	Flush() error
}

// MemoryDevice is an in-process Device backed by a byte slice, enforcing
// the write-only-clears-bits invariant of real NOR flash. It is the
// reference implementation used by tests and by the FIFO-backed CLI demo
// mode when no real partition is configured.
type MemoryDevice struct {
	sectorSize int
	data       []byte
}

// NewMemoryDevice allocates sectorCount sectors of sectorSize bytes,
// erased (all ones).
func NewMemoryDevice(sectorSize, sectorCount int) *MemoryDevice {
	d := &MemoryDevice{
		sectorSize: sectorSize,
		data:       make([]byte, sectorSize*sectorCount),
	}
	for i := range d.data {
		d.data[i] = 0xff
	}
	return d
}

func (d *MemoryDevice) SectorSize() int  { return d.sectorSize }
func (d *MemoryDevice) SectorCount() int { return len(d.data) / d.sectorSize }

func (d *MemoryDevice) EraseSector(sector int) error {
	if sector < 0 || sector >= d.SectorCount() {
		return fmt.Errorf("flashfifo: erase: sector %d out of range", sector)
	}
	start := sector * d.sectorSize
	for i := start; i < start+d.sectorSize; i++ {
		d.data[i] = 0xff
	}
	return nil
}

func (d *MemoryDevice) ReadAt(off int64, buf []byte) error {
	if off < 0 || int(off)+len(buf) > len(d.data) {
		return fmt.Errorf("flashfifo: read out of range at %d, len %d", off, len(buf))
	}
	copy(buf, d.data[off:int(off)+len(buf)])
	return nil
}

func (d *MemoryDevice) WriteAt(off int64, buf []byte) error {
	if off < 0 || int(off)+len(buf) > len(d.data) {
		return fmt.Errorf("flashfifo: write out of range at %d, len %d", off, len(buf))
	}
	for i, b := range buf {
		// real flash can only clear bits on a write; ANDing mirrors that
		d.data[int(off)+i] &= b
	}
	return nil
}

func (d *MemoryDevice) Flush() error { return nil }
