package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "wal")
	cfg := DefaultConfig(dir)
	cfg.BatchRecords = 1
	cfg.BatchInterval = time.Millisecond
	w, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return w, dir
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	w, dir := openTestWAL(t)

	seqs := make([]uint64, 0, 3)
	for i := 0; i < 3; i++ {
		seq, err := w.Append(OrderIntent, []byte("payload"), true)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		seqs = append(seqs, seq)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var replayed []uint64
	lastSeq, truncated, err := Replay(dir, func(r Record) error {
		replayed = append(replayed, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if truncated {
		t.Fatal("expected no truncation on a clean WAL")
	}
	if lastSeq != seqs[len(seqs)-1] {
		t.Fatalf("expected last seq %d, got %d", seqs[len(seqs)-1], lastSeq)
	}
	if len(replayed) != len(seqs) {
		t.Fatalf("expected %d replayed records, got %d", len(seqs), len(replayed))
	}
	for i, seq := range seqs {
		if replayed[i] != seq {
			t.Fatalf("replay order mismatch at %d: got %d, want %d", i, replayed[i], seq)
		}
	}
}

func TestReplayEmptyDirIsNotAnError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	lastSeq, truncated, err := Replay(dir, func(Record) error { return nil })
	if err != nil {
		t.Fatalf("replay of nonexistent dir should not error, got %v", err)
	}
	if lastSeq != 0 || truncated {
		t.Fatalf("expected zero-value result for empty dir, got lastSeq=%d truncated=%v", lastSeq, truncated)
	}
}

func TestReplayStopsAtTornTrailingFrame(t *testing.T) {
	w, dir := openTestWAL(t)
	if _, err := w.Append(OrderIntent, []byte("one"), true); err != nil {
		t.Fatalf("append: %v", err)
	}
	goodSeq, err := w.Append(OrderIntent, []byte("two"), true)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "00000.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	// Simulate a crash mid-write of a third record appended after the
	// second: truncate a few bytes off the tail only, leaving both
	// complete frames but this simulated extra tail chopped away.
	corrupted := append(data, Encode(Record{Seq: goodSeq + 1, TSNanos: 1, Kind: OrderIntent, Payload: []byte("three")})...)
	corrupted = corrupted[:len(corrupted)-2]
	if err := os.WriteFile(path, corrupted, 0o644); err != nil {
		t.Fatalf("write corrupted segment: %v", err)
	}

	var replayed []uint64
	lastSeq, truncated, err := Replay(dir, func(r Record) error {
		replayed = append(replayed, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncated=true")
	}
	if lastSeq != goodSeq {
		t.Fatalf("expected replay to stop at last valid seq %d, got %d", goodSeq, lastSeq)
	}
	if len(replayed) != 2 {
		t.Fatalf("expected exactly the two valid records, got %d", len(replayed))
	}
}

func TestAppendReturnsMonotonicSequence(t *testing.T) {
	w, _ := openTestWAL(t)
	defer w.Close()

	var last uint64
	for i := 0; i < 10; i++ {
		seq, err := w.Append(OrderMutation, []byte("x"), false)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq <= last {
			t.Fatalf("sequence did not increase: %d after %d", seq, last)
		}
		last = seq
	}
}

func TestReopenResumesSequenceAfterRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	cfg := DefaultConfig(dir)
	cfg.BatchRecords = 1
	cfg.BatchInterval = time.Millisecond

	w1, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	lastSeq, err := w1.Append(OrderIntent, []byte("x"), true)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	seq, err := w2.Append(OrderIntent, []byte("y"), true)
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != lastSeq+1 {
		t.Fatalf("expected sequence to resume at %d, got %d", lastSeq+1, seq)
	}
}
