// Package flashfifo implements a sector-based circular queue of
// time-stamped sensor samples on raw flash. It survives power loss,
// never drives a counter to the all-zero (saturated) state, amortizes
// erase cost to sector granularity, and keeps a small on-flash
// dictionary of source-id strings so records stay 16 bytes each.
//
// The on-flash layout is: sector 0 header, sector 1 head-sector
// counter, sector 2 tail-sector counter, sector 3 dictionary, sectors
// 4..N-1 data. Each data sector carries an in-sector head counter at
// bytes 0-31, an in-sector tail counter at bytes 32-63, and up to
// dataEntriesPerSector 16-byte records from byte 64 onward.
package flashfifo

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/s4pp/gos4pp/internal/bits"
)

const (
	magicValue = 0x64695573

	dictEntrySize = 16

	// bit layout of the packed decimals/duration/dict-index word, as
	// resolved from components/modules/flashfifo.c: decimals occupy the
	// low 4 bits, duration the next 20, and the on-flash source-id
	// dictionary index the high byte.
	decimalsShift   = 0
	decimalsBits    = 4
	durationShift   = 4
	durationBits    = 20
	dictIndexShift  = 24
	dictIndexBits   = 8
	recordSize      = 16
	headCounterOff  = 0
	tailCounterOff  = 32
	dataRegionOff   = 64
	counterRegion   = 32 // bytes 0-31 / 32-63 per data sector
	maxSourceIDLen  = dictEntrySize - 1
	dictRetryBudget = 8
)

// Record is the raw 16-byte on-flash sample layout: timestamp, value,
// the packed decimals|duration|dictIndex word, and a 4-byte ASCII tag.
type Record struct {
	Timestamp uint32
	Value     int32
	Decimals  uint8
	Duration  uint32 // 0..0xfffff, the unshifted field width used on flash
	DictIndex uint8
	Tag       [4]byte
}

// FIFO is a sector-based circular sample queue over a Device.
type FIFO struct {
	dev Device

	sectorSize           int
	dataSectors          int
	dataEntriesPerSector int

	headCounterSector int
	tailCounterSector int
	dictSector        int
	firstDataSector   int
}

// New builds a FIFO over dev using dataSectors data sectors. The device
// must provide at least 4+dataSectors sectors (header, head counter,
// tail counter, dictionary, then data).
func New(dev Device, dataSectors int) (*FIFO, error) {
	if dev.SectorCount() < 4+dataSectors {
		return nil, fmt.Errorf("flashfifo: device has %d sectors, need %d", dev.SectorCount(), 4+dataSectors)
	}
	sectorSize := dev.SectorSize()
	entriesPerSector := (sectorSize - dataRegionOff) / recordSize
	if entriesPerSector > 253 {
		return nil, fmt.Errorf("flashfifo: %d entries per sector exceeds the 253 bound that keeps the in-sector counter from saturating", entriesPerSector)
	}
	if dataSectors > 32767 {
		return nil, fmt.Errorf("flashfifo: %d data sectors exceeds the 32767 bound that keeps the sector counter from saturating", dataSectors)
	}
	return &FIFO{
		dev:                  dev,
		sectorSize:           sectorSize,
		dataSectors:          dataSectors,
		dataEntriesPerSector: entriesPerSector,
		headCounterSector:    1,
		tailCounterSector:    2,
		dictSector:           3,
		firstDataSector:      4,
	}, nil
}

// Prepare erases the head-sector counter, tail-sector counter,
// dictionary, and first data sector, and writes a fresh header. It is
// the only operation valid on an un-magic'd device.
func (f *FIFO) Prepare() error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], magicValue)
	binary.LittleEndian.PutUint32(header[4:8], uint32(f.dataSectors))
	if err := f.dev.EraseSector(0); err != nil {
		return err
	}
	if err := f.dev.WriteAt(0, header); err != nil {
		return err
	}
	return f.clearContent()
}

func (f *FIFO) clearContent() error {
	for _, s := range []int{f.headCounterSector, f.tailCounterSector, f.dictSector, f.firstDataSector} {
		if err := f.dev.EraseSector(s); err != nil {
			return err
		}
	}
	return f.dev.Flush()
}

// CheckMagic reports whether the device carries a valid header.
func (f *FIFO) CheckMagic() bool {
	header := make([]byte, 8)
	if err := f.dev.ReadAt(0, header); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(header[0:4]) == magicValue
}

func (f *FIFO) requireMagic() error {
	if !f.CheckMagic() {
		return fmt.Errorf("flashfifo: not prepared (bad magic)")
	}
	return nil
}

func (f *FIFO) totalEntries() uint32 {
	return uint32(f.dataSectors) * uint32(f.dataEntriesPerSector)
}

// GuaranteedSize returns the occupancy the FIFO can always hold without
// loss, i.e. total capacity minus one sector's worth of entries (the
// amount a single tail-sector-advance overflow can discard).
func (f *FIFO) GuaranteedSize() uint32 {
	return f.totalEntries() - uint32(f.dataEntriesPerSector)
}

// MaxSize returns the largest occupancy the FIFO can ever report.
func (f *FIFO) MaxSize() uint32 {
	return f.totalEntries() - 1
}

func (f *FIFO) readSectorCounter(sector int) (uint32, error) {
	buf := make([]byte, f.sectorSize)
	if err := f.dev.ReadAt(int64(sector)*int64(f.sectorSize), buf); err != nil {
		return 0, err
	}
	return bits.CounterValue(buf, 0), nil
}

func (f *FIFO) markSectorCounter(sector int, value uint32) error {
	wordOff := bits.IncrementWordOffset(value)
	word := make([]byte, 4)
	off := int64(sector)*int64(f.sectorSize) + int64(wordOff)
	if err := f.dev.ReadAt(off, word); err != nil {
		return err
	}
	mask := bits.IncrementMask(value)
	packed := binary.LittleEndian.Uint32(word) & mask
	binary.LittleEndian.PutUint32(word, packed)
	if err := f.dev.WriteAt(off, word); err != nil {
		return err
	}
	return f.dev.Flush()
}

func (f *FIFO) readInSectorCounter(dataSector, regionOff int) (uint32, error) {
	buf := make([]byte, counterRegion)
	off := int64(f.firstDataSector+dataSector)*int64(f.sectorSize) + int64(regionOff)
	if err := f.dev.ReadAt(off, buf); err != nil {
		return 0, err
	}
	return bits.CounterValue(buf, 0), nil
}

func (f *FIFO) markInSectorCounter(dataSector, regionOff int, value uint32) error {
	wordOff := bits.IncrementWordOffset(value)
	word := make([]byte, 4)
	off := int64(f.firstDataSector+dataSector)*int64(f.sectorSize) + int64(regionOff) + int64(wordOff)
	if err := f.dev.ReadAt(off, word); err != nil {
		return err
	}
	mask := bits.IncrementMask(value)
	packed := binary.LittleEndian.Uint32(word) & mask
	binary.LittleEndian.PutUint32(word, packed)
	if err := f.dev.WriteAt(off, word); err != nil {
		return err
	}
	return f.dev.Flush()
}

func (f *FIFO) nextDataSector(current int) int {
	return (current + 1) % f.dataSectors
}

// advanceHeadSector moves the head-sector counter from current to its
// successor (mod dataSectors), erasing it back to 0 on wraparound, and
// returns the successor.
func (f *FIFO) advanceHeadSector(current int) (int, error) {
	next := f.nextDataSector(current)
	if next == 0 {
		return next, f.dev.EraseSector(f.headCounterSector)
	}
	return next, f.markSectorCounter(f.headCounterSector, uint32(current))
}

// advanceTailSector moves the tail-sector counter from current onto
// next, erasing the sector it is about to hand over for writing, and
// advancing the head first if next would otherwise collide with it
// (losing one sector's worth of samples).
func (f *FIFO) advanceTailSector(current, next, head int) error {
	if next == head {
		log.Warnf("[FIFO] tail sector advance collides with head sector %d, dropping one sector", head)
		if _, err := f.advanceHeadSector(head); err != nil {
			return err
		}
	}
	if err := f.dev.EraseSector(f.firstDataSector + next); err != nil {
		return err
	}
	if next == 0 {
		return f.dev.EraseSector(f.tailCounterSector)
	}
	return f.markSectorCounter(f.tailCounterSector, uint32(current))
}

// headSlot resolves the current read position. The sector-level advance
// that should follow a completed in-sector head counter is not applied
// eagerly when that counter is marked complete (see Drop): if a crash
// lands between the in-sector mark and the paired sector advance, the
// in-sector counter is left reading dataEntriesPerSector forever. headSlot
// detects that state here, on every read, and completes the advance
// before handing back a slot — mirroring flash_fifo_get_head, which
// performs the same self-healing check lazily rather than assuming the
// writer who last touched the counter also finished the rollover.
func (f *FIFO) headSlot() (sector, index int, err error) {
	hs, err := f.readSectorCounter(f.headCounterSector)
	if err != nil {
		return 0, 0, err
	}
	hi, err := f.readInSectorCounter(int(hs), headCounterOff)
	if err != nil {
		return 0, 0, err
	}
	if int(hi) < f.dataEntriesPerSector {
		return int(hs), int(hi), nil
	}
	next, err := f.advanceHeadSector(int(hs))
	if err != nil {
		return 0, 0, err
	}
	return next, 0, nil
}

// tailSlot resolves the current write position, self-healing an
// interrupted sector rollover the same way headSlot does (mirroring
// flash_fifo_get_tail): a crash between Store's in-sector mark and the
// sector-level advance leaves the in-sector counter at
// dataEntriesPerSector, which is detected and completed here rather than
// trusting the last writer to have finished the advance.
func (f *FIFO) tailSlot() (sector, index int, err error) {
	ts, err := f.readSectorCounter(f.tailCounterSector)
	if err != nil {
		return 0, 0, err
	}
	ti, err := f.readInSectorCounter(int(ts), tailCounterOff)
	if err != nil {
		return 0, 0, err
	}
	if int(ti) < f.dataEntriesPerSector {
		return int(ts), int(ti), nil
	}
	next := f.nextDataSector(int(ts))
	headSector, err := f.readSectorCounter(f.headCounterSector)
	if err != nil {
		return 0, 0, err
	}
	if err := f.advanceTailSector(int(ts), next, int(headSector)); err != nil {
		return 0, 0, err
	}
	return next, 0, nil
}

// Count returns current occupancy.
func (f *FIFO) Count() (uint32, error) {
	if err := f.requireMagic(); err != nil {
		return 0, err
	}
	hs, hi, err := f.headSlot()
	if err != nil {
		return 0, err
	}
	ts, ti, err := f.tailSlot()
	if err != nil {
		return 0, err
	}
	total := f.totalEntries()
	headPos := uint32(hs)*uint32(f.dataEntriesPerSector) + uint32(hi)
	tailPos := uint32(ts)*uint32(f.dataEntriesPerSector) + uint32(ti)
	if tailPos >= headPos {
		return tailPos - headPos, nil
	}
	return tailPos + total - headPos, nil
}

func packDecimals(decimals uint8, duration uint32, dictIndex uint8) uint32 {
	return uint32(decimals&((1<<decimalsBits)-1))<<decimalsShift |
		(duration&((1<<durationBits)-1))<<durationShift |
		uint32(dictIndex)<<dictIndexShift
}

func unpackDecimals(packed uint32) (decimals uint8, duration uint32, dictIndex uint8) {
	decimals = uint8((packed >> decimalsShift) & ((1 << decimalsBits) - 1))
	duration = (packed >> durationShift) & ((1 << durationBits) - 1)
	dictIndex = uint8((packed >> dictIndexShift) & ((1 << dictIndexBits) - 1))
	return
}

func (f *FIFO) recordOffset(sector, index int) int64 {
	return int64(f.firstDataSector+sector)*int64(f.sectorSize) + dataRegionOff + int64(index)*recordSize
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Timestamp)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Value))
	binary.LittleEndian.PutUint32(buf[8:12], packDecimals(r.Decimals, r.Duration, r.DictIndex))
	copy(buf[12:16], r.Tag[:])
	return buf
}

// TagString returns the record's tag with trailing NUL padding removed.
func (r Record) TagString() string {
	n := 0
	for n < len(r.Tag) && r.Tag[n] != 0 {
		n++
	}
	return string(r.Tag[:n])
}

func decodeRecord(buf []byte) Record {
	var r Record
	r.Timestamp = binary.LittleEndian.Uint32(buf[0:4])
	r.Value = int32(binary.LittleEndian.Uint32(buf[4:8]))
	r.Decimals, r.Duration, r.DictIndex = unpackDecimals(binary.LittleEndian.Uint32(buf[8:12]))
	copy(r.Tag[:], buf[12:16])
	return r
}

// dictionaryIndex looks up sourceID in the on-flash dictionary sector,
// installing it into the first empty slot if not already present. On a
// full dictionary it clears the whole FIFO and starts over, exactly as
// the original get_dictionary_index does.
func (f *FIFO) dictionaryIndex(sourceID string) (uint8, error) {
	if len(sourceID) > maxSourceIDLen {
		return 0, fmt.Errorf("flashfifo: source id %q exceeds %d bytes", sourceID, maxSourceIDLen)
	}
	want := make([]byte, dictEntrySize)
	copy(want, sourceID)

	slots := f.sectorSize / dictEntrySize
	for attempt := 0; attempt < dictRetryBudget; attempt++ {
		entry := make([]byte, dictEntrySize)
		for i := 0; i < slots; i++ {
			off := int64(f.dictSector)*int64(f.sectorSize) + int64(i)*dictEntrySize
			if err := f.dev.ReadAt(off, entry); err != nil {
				return 0, err
			}
			if entry[dictEntrySize-1] == 0 {
				// valid, written entry
				if string(entry[:len(sourceID)]) == sourceID && allZeroAfter(entry, len(sourceID)) {
					return uint8(i), nil
				}
				continue
			}
			// first empty slot: write-once install
			if err := f.dev.WriteAt(off, want); err != nil {
				return 0, err
			}
			if err := f.dev.Flush(); err != nil {
				return 0, err
			}
			return uint8(i), nil
		}
		log.Warnf("[FIFO] dictionary full, clearing content and restarting")
		if err := f.clearContent(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("flashfifo: dictionary overflowed")
}

func allZeroAfter(entry []byte, from int) bool {
	for _, b := range entry[from:] {
		if b != 0 {
			return false
		}
	}
	return true
}

// SourceIDAt returns the dictionary entry installed at idx, for
// round-tripping a stored record's DictIndex back to its source id.
func (f *FIFO) SourceIDAt(idx uint8) (string, error) {
	entry := make([]byte, dictEntrySize)
	off := int64(f.dictSector)*int64(f.sectorSize) + int64(idx)*dictEntrySize
	if err := f.dev.ReadAt(off, entry); err != nil {
		return "", err
	}
	if entry[dictEntrySize-1] != 0 {
		return "", fmt.Errorf("flashfifo: dictionary slot %d not written", idx)
	}
	n := 0
	for n < dictEntrySize && entry[n] != 0 {
		n++
	}
	return string(entry[:n]), nil
}

// Store appends one sample, installing sourceID into the on-flash
// dictionary if needed. duration must fit 20 bits and decimals 4 bits.
func (f *FIFO) Store(timestamp uint32, value int32, decimals uint8, duration uint32, tag [4]byte, sourceID string) error {
	if err := f.requireMagic(); err != nil {
		return err
	}
	if decimals >= 1<<decimalsBits {
		return fmt.Errorf("flashfifo: decimals %d too large", decimals)
	}
	if duration >= 1<<durationBits {
		return fmt.Errorf("flashfifo: duration %d too large", duration)
	}
	dictIdx, err := f.dictionaryIndex(sourceID)
	if err != nil {
		return err
	}

	ts, ti, err := f.tailSlot()
	if err != nil {
		return err
	}
	rec := Record{Timestamp: timestamp, Value: value, Decimals: decimals, Duration: duration, DictIndex: dictIdx, Tag: tag}
	if err := f.dev.WriteAt(f.recordOffset(ts, ti), encodeRecord(rec)); err != nil {
		return err
	}
	if err := f.dev.Flush(); err != nil {
		return err
	}
	// The sector-level advance for a counter that just completed is left
	// for the next headSlot/tailSlot call (see their doc comments): this
	// mirrors flash_fifo_store_sample, which never calls the sector
	// advance itself.
	return f.markInSectorCounter(ts, tailCounterOff, uint32(ti))
}

// Peek returns the sample at the given offset from the head, or false
// if offset >= Count().
func (f *FIFO) Peek(offset uint32) (Record, bool, error) {
	count, err := f.Count()
	if err != nil {
		return Record{}, false, err
	}
	if offset >= count {
		return Record{}, false, nil
	}
	hs, hi, err := f.headSlot()
	if err != nil {
		return Record{}, false, err
	}
	sector, index := hs, hi+int(offset)
	for index >= f.dataEntriesPerSector {
		index -= f.dataEntriesPerSector
		sector = (sector + 1) % f.dataSectors
	}
	buf := make([]byte, recordSize)
	if err := f.dev.ReadAt(f.recordOffset(sector, index), buf); err != nil {
		return Record{}, false, err
	}
	return decodeRecord(buf), true, nil
}

// Drop advances the head marker past n samples, possibly erasing the
// dictionary when the FIFO becomes fully exhausted.
func (f *FIFO) Drop(n uint32) error {
	if err := f.requireMagic(); err != nil {
		return err
	}
	count, err := f.Count()
	if err != nil {
		return err
	}
	if n > count {
		n = count
	}
	for i := uint32(0); i < n; i++ {
		hs, hi, err := f.headSlot()
		if err != nil {
			return err
		}
		// As in Store, the sector-level advance is left for the next
		// headSlot call rather than performed here (flash_fifo_drop_one_
		// sample only marks the in-sector counter too).
		if err := f.markInSectorCounter(hs, headCounterOff, uint32(hi)); err != nil {
			return err
		}
	}
	remaining, err := f.Count()
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := f.dev.EraseSector(f.dictSector); err != nil {
			return err
		}
		return f.dev.Flush()
	}
	return nil
}
