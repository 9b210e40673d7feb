package s4pp

import (
	"testing"

	"github.com/s4pp/gos4pp/internal/flashfifo"
)

// TestPullSourceWatchdogFiresEveryPeriod verifies that PullSource issues
// an extra, heartbeat-only call into next on every pullWatchdogPeriod'th
// Next, in addition to the regular per-sample pull.
func TestPullSourceWatchdogFiresEveryPeriod(t *testing.T) {
	var seen []uint32
	next := func(committed uint32) (Sample, bool) {
		seen = append(seen, committed)
		return Sample{Timestamp: uint32(len(seen))}, true
	}
	src := NewPullSource(next)

	for i := 0; i < pullWatchdogPeriod-1; i++ {
		_, ok, err := src.Next(uint32(i))
		if err != nil || !ok {
			t.Fatalf("call %d: unexpected stop before the watchdog period (err=%v ok=%v)", i, err, ok)
		}
	}
	if len(seen) != pullWatchdogPeriod-1 {
		t.Fatalf("expected %d plain pulls before the watchdog period, got %d", pullWatchdogPeriod-1, len(seen))
	}

	_, ok, err := src.Next(999)
	if err != nil || !ok {
		t.Fatalf("watchdog call should still hand back a sample when next keeps returning ok: err=%v ok=%v", err, ok)
	}
	if len(seen) != pullWatchdogPeriod+1 {
		t.Fatalf("expected the %dth Next to make two underlying calls (heartbeat + pull), got %d total calls", pullWatchdogPeriod, len(seen))
	}
	if seen[pullWatchdogPeriod-1] != 999 || seen[pullWatchdogPeriod] != 999 {
		t.Fatalf("expected both the heartbeat and the regular pull to carry the committed count, got %v", seen[pullWatchdogPeriod-1:])
	}
}

// TestPullSourceWatchdogCanStopSession verifies that a false return from
// the periodic heartbeat invocation ends the source immediately, without
// falling through to the regular per-sample pull that would otherwise
// follow it.
func TestPullSourceWatchdogCanStopSession(t *testing.T) {
	calls := 0
	next := func(committed uint32) (Sample, bool) {
		calls++
		if calls == pullWatchdogPeriod {
			return Sample{}, false
		}
		return Sample{Timestamp: uint32(calls)}, true
	}
	src := NewPullSource(next)

	for i := 0; i < pullWatchdogPeriod-1; i++ {
		if _, ok, err := src.Next(0); err != nil || !ok {
			t.Fatalf("call %d: unexpected stop before the watchdog period (err=%v ok=%v)", i, err, ok)
		}
	}

	_, ok, err := src.Next(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected the watchdog heartbeat returning false to stop the source")
	}
	if calls != pullWatchdogPeriod {
		t.Fatalf("expected exactly %d underlying calls (the heartbeat, with no trailing regular pull), got %d", pullWatchdogPeriod, calls)
	}
}

// TestFIFOSourceResolvesTagAndSourceID verifies the FIFO-backed source
// reconstructs each sample from the on-flash record: the record's own
// tag, and the source id its dictionary index resolves to, prefixed with
// the configured base.
func TestFIFOSourceResolvesTagAndSourceID(t *testing.T) {
	dev := flashfifo.NewMemoryDevice(4096, 6)
	fifo, err := flashfifo.New(dev, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := fifo.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	var tag [4]byte
	copy(tag[:], "volt")
	if err := fifo.Store(1234, -7, 1, 0, tag, "dev42"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	src := NewFIFOSampleSource(fifo, "site1/")
	if !src.RequiresFormat1() {
		t.Fatal("a FIFO-backed source must require format 1")
	}
	s, ok, err := src.Next(0)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if s.Timestamp != 1234 || s.Value != -7 || s.Decimals != 1 {
		t.Fatalf("unexpected sample: %+v", s)
	}
	if s.Tag != "volt" {
		t.Fatalf("Tag = %q, want the record's own tag", s.Tag)
	}
	if s.SourceID != "site1/dev42" {
		t.Fatalf("SourceID = %q, want base-prefixed dictionary entry", s.SourceID)
	}

	// acknowledging rewinds the cursor along with the FIFO's head
	if err := src.OnCommit(1); err != nil {
		t.Fatalf("OnCommit: %v", err)
	}
	if _, ok, err := src.Next(0); err != nil || ok {
		t.Fatalf("expected an empty FIFO after the commit, got ok=%v err=%v", ok, err)
	}
	count, err := fifo.Count()
	if err != nil || count != 0 {
		t.Fatalf("Count = %d, %v, want 0", count, err)
	}
}
