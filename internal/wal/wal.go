package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures segment rotation and group-commit batching.
type Config struct {
	Dir              string
	MaxSegmentBytes  int64
	BatchRecords     int
	BatchInterval    time.Duration

	// OnRotate, if set, is invoked with the just-closed segment's path and
	// index after rotation. It runs on the WAL writer goroutine; callers
	// that touch loop-owned state must hand off via SubmitTask. This is the
	// seam the position-snapshot writer and the segment archiver hang off.
	OnRotate func(closedPath string, closedIdx int)
}

// DefaultConfig returns sensible defaults. The batch bounds are small
// because the order-submit path blocks on group commit; a larger batch
// only buys throughput the submit path can't use.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		MaxSegmentBytes: 64 * 1024 * 1024,
		BatchRecords:    64,
		BatchInterval:   10 * time.Millisecond,
	}
}

// WAL is the durable append-only log. Append is safe to call from the loop
// thread; fsync happens on a dedicated writer goroutine, with the caller
// optionally blocking on the commit via Append's waitFsync flag.
type WAL struct {
	cfg Config

	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	segmentSize int64
	segmentIdx  int
	nextSeq     uint64

	pending      []pendingWrite
	batchTimer   *time.Timer
	writeCh      chan pendingWrite
	shutdownCh   chan struct{}
	shutdownDone chan struct{}
}

type pendingWrite struct {
	frame []byte
	seq   uint64
	done  chan error
}

// Open opens (creating if necessary) the WAL directory and starts the
// group-commit writer goroutine. It does not replay; call Replay
// separately before accepting new writes.
func Open(cfg Config) (*WAL, error) {
	if cfg.BatchRecords <= 0 {
		cfg.BatchRecords = 64
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 10 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}

	w := &WAL{
		cfg:          cfg,
		writeCh:      make(chan pendingWrite, cfg.BatchRecords*4),
		shutdownCh:   make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}

	idx, lastSeq, err := latestSegment(cfg.Dir)
	if err != nil {
		return nil, err
	}
	w.segmentIdx = idx
	w.nextSeq = lastSeq + 1

	if err := w.openSegmentForAppend(idx); err != nil {
		return nil, err
	}

	go w.writerLoop()
	return w, nil
}

func segmentPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("%05d.log", idx))
}

func latestSegment(dir string) (idx int, lastSeq uint64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("wal: readdir: %w", err)
	}
	maxIdx := 0
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := segmentIndex(e.Name()); ok {
			found = true
			if n > maxIdx {
				maxIdx = n
			}
		}
	}
	if !found {
		return 0, 0, nil
	}
	seq, err := lastSeqInSegment(segmentPath(dir, maxIdx))
	if err != nil {
		return 0, 0, err
	}
	// The max-index segment is normally the uncompressed active one; if
	// only its archived form exists, appends must open a fresh segment
	// rather than interleave a second file at the same index.
	if _, serr := os.Stat(segmentPath(dir, maxIdx)); os.IsNotExist(serr) {
		maxIdx++
	}
	return maxIdx, seq, nil
}

func lastSeqInSegment(path string) (uint64, error) {
	data, err := readSegment(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wal: read segment: %w", err)
	}
	var last uint64
	off := 0
	for off < len(data) {
		rec, n, derr := Decode(data[off:])
		if derr != nil {
			break // torn write: stop at last valid record
		}
		last = rec.Seq
		off += n
	}
	return last, nil
}

func (w *WAL) openSegmentForAppend(idx int) error {
	path := segmentPath(w.cfg.Dir, idx)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat segment: %w", err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.segmentSize = info.Size()
	return nil
}

// Append frames and enqueues kind/payload for durable write, returning the
// assigned monotonic sequence number. It blocks until the record has been
// accepted into the current group-commit batch, but not until fsync
// completes; pass waitFsync=true to block for durability (used for
// OrderIntent, whose durability must precede the venue call).
func (w *WAL) Append(kind RecordKind, payload []byte, waitFsync bool) (uint64, error) {
	w.mu.Lock()
	seq := w.nextSeq
	w.nextSeq++
	w.mu.Unlock()

	frame := Encode(Record{Seq: seq, TSNanos: time.Now().UnixNano(), Kind: kind, Payload: payload})

	pw := pendingWrite{frame: frame, seq: seq}
	if waitFsync {
		pw.done = make(chan error, 1)
	}

	select {
	case w.writeCh <- pw:
	case <-w.shutdownCh:
		return 0, fmt.Errorf("wal: closed")
	}

	if waitFsync {
		return seq, <-pw.done
	}
	return seq, nil
}

func (w *WAL) writerLoop() {
	defer close(w.shutdownDone)

	batch := make([]pendingWrite, 0, w.cfg.BatchRecords)
	ticker := time.NewTicker(w.cfg.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.commit(batch); err != nil {
			log.Error().Err(err).Msg("wal: group commit failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case pw := <-w.writeCh:
			batch = append(batch, pw)
			if len(batch) >= w.cfg.BatchRecords {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.shutdownCh:
			flush()
			for {
				select {
				case pw := <-w.writeCh:
					w.commit([]pendingWrite{pw})
				default:
					return
				}
			}
		}
	}
}

func (w *WAL) commit(batch []pendingWrite) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var writeErr error
	for _, pw := range batch {
		if _, err := w.writer.Write(pw.frame); err != nil {
			writeErr = err
			break
		}
		w.segmentSize += int64(len(pw.frame))
	}

	if writeErr == nil {
		if err := w.writer.Flush(); err != nil {
			writeErr = err
		}
	}
	if writeErr == nil {
		writeErr = w.file.Sync()
	}

	for _, pw := range batch {
		if pw.done != nil {
			pw.done <- writeErr
		}
	}

	if writeErr != nil {
		return fmt.Errorf("wal: commit: %w", writeErr)
	}

	if w.segmentSize >= w.cfg.MaxSegmentBytes {
		return w.rotateLocked()
	}
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment: %w", err)
	}
	closedIdx := w.segmentIdx
	w.segmentIdx++
	if err := w.openSegmentForAppend(w.segmentIdx); err != nil {
		return err
	}
	if w.cfg.OnRotate != nil {
		w.cfg.OnRotate(segmentPath(w.cfg.Dir, closedIdx), closedIdx)
	}
	return nil
}

// Close flushes and stops the writer goroutine.
func (w *WAL) Close() error {
	close(w.shutdownCh)
	<-w.shutdownDone

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
