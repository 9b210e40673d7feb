package s4pp

import "github.com/s4pp/gos4pp/internal/flashfifo"

// SampleSource is the iterator contract the engine pulls from while
// BUFFERING. Next returns ok=false to signal end of data; committed is
// the running n_committed count, offered as a watchdog heartbeat every
// 512 pulls per the pull-mode contract.
type SampleSource interface {
	Next(committed uint32) (sample Sample, ok bool, err error)
	// OnCommit is called once a sequence the source contributed to has
	// been acknowledged by the server, so FIFO-backed sources can drop
	// the samples they handed out. Pull-mode sources ignore it.
	OnCommit(count uint32) error
	// RequiresFormat1 reports whether this source can only be read with
	// data format 1 (true for flash-FIFO sources, since duration is only
	// meaningful there).
	RequiresFormat1() bool
}

// pullWatchdogPeriod is how often Next is invoked purely to offer the
// application a chance to signal "stop soon" via a nil return, even when
// it has more samples ready.
const pullWatchdogPeriod = 512

// PullFunc mirrors the application-supplied "next sample" callback of
// pull mode: it returns (sample, true) normally, (zero, false) to end the
// session, and may consult heartbeat on every 512th call.
type PullFunc func(heartbeat uint32) (Sample, bool)

// PullSource adapts a PullFunc into a SampleSource.
type PullSource struct {
	next  PullFunc
	calls uint32
}

func NewPullSource(next PullFunc) *PullSource {
	return &PullSource{next: next}
}

// Next pulls the next sample. Every pullWatchdogPeriod calls it first
// issues a heartbeat-only invocation of next, carrying the current
// committed count, distinct from the regular per-sample pull that
// follows — mirroring the watchdog check the original performs every
// 512 FIFO positions (fifo_pos&511)==511) to let the application extend
// its timeout or signal "stop soon" via ok=false, independent of
// whether it actually has another sample ready.
func (p *PullSource) Next(committed uint32) (Sample, bool, error) {
	p.calls++
	if p.calls%pullWatchdogPeriod == 0 {
		if _, ok := p.next(committed); !ok {
			return Sample{}, false, nil
		}
	}
	s, ok := p.next(committed)
	return s, ok, nil
}

func (p *PullSource) OnCommit(uint32) error { return nil }

func (p *PullSource) RequiresFormat1() bool { return false }

// FIFOSampleSource reads sequentially from a flash FIFO, starting at
// offset 0 and advancing only once the server has acknowledged the
// sequence those samples were part of (flash_fifo_peek_sample /
// flash_fifo_drop). It owns the only live cursor over the FIFO: nothing
// else may call Peek/Drop while a session is running against it.
type FIFOSampleSource struct {
	fifo   *flashfifo.FIFO
	cursor uint32 // samples handed out but not yet acknowledged
	base   string // source-id prefix (the "flashbase" config key)
}

// NewFIFOSampleSource wraps fifo. base prefixes the source id each
// record's dictionary index resolves to, forming the device identity
// the engine declares in DICT: lines.
func NewFIFOSampleSource(fifo *flashfifo.FIFO, base string) *FIFOSampleSource {
	return &FIFOSampleSource{fifo: fifo, base: base}
}

func (f *FIFOSampleSource) Next(committed uint32) (Sample, bool, error) {
	rec, ok, err := f.fifo.Peek(f.cursor)
	if err != nil || !ok {
		return Sample{}, false, err
	}
	srcID, err := f.fifo.SourceIDAt(rec.DictIndex)
	if err != nil {
		return Sample{}, false, err
	}
	f.cursor++
	return Sample{
		Timestamp: rec.Timestamp,
		Value:     rec.Value,
		Decimals:  rec.Decimals,
		Duration:  rec.Duration,
		Tag:       rec.TagString(),
		SourceID:  f.base + srcID,
	}, true, nil
}

// OnCommit drops the acknowledged prefix from the FIFO and moves the
// cursor back by count (to 0 when every handed-out sample was
// acknowledged), since Peek always walks forward from the current head.
func (f *FIFOSampleSource) OnCommit(count uint32) error {
	if err := f.fifo.Drop(count); err != nil {
		return err
	}
	f.cursor -= count
	return nil
}

func (f *FIFOSampleSource) RequiresFormat1() bool { return true }
