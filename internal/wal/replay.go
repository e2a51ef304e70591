package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Handler is invoked for each valid record during replay, in sequence
// order, across every segment.
type Handler func(Record) error

// Replay reads every segment file in dir in segment order and, within each
// segment, in sequence order, invoking handler for each valid record. A bad
// CRC or truncated frame is a torn write: replay ends at the previous valid
// record, returning the sequence number it stopped at and whether a
// truncation was observed.
//
// Segments the archiver has already compressed (NNNNN.log.zst) are read
// transparently by suffix.
func Replay(dir string, handler Handler) (lastSeq uint64, truncated bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("wal: readdir: %w", err)
	}

	type segment struct {
		idx  int
		name string
	}
	var segments []segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := segmentIndex(e.Name())
		if !ok {
			continue
		}
		segments = append(segments, segment{idx: idx, name: e.Name()})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].idx < segments[j].idx })

	for _, seg := range segments {
		data, rerr := readSegment(filepath.Join(dir, seg.name))
		if rerr != nil {
			return lastSeq, truncated, fmt.Errorf("wal: read %s: %w", seg.name, rerr)
		}

		off := 0
		for off < len(data) {
			rec, n, derr := Decode(data[off:])
			if derr != nil {
				truncated = true
				return lastSeq, truncated, nil
			}
			if herr := handler(rec); herr != nil {
				return lastSeq, truncated, fmt.Errorf("wal: handler at seq %d: %w", rec.Seq, herr)
			}
			lastSeq = rec.Seq
			off += n
		}
	}

	return lastSeq, truncated, nil
}

// segmentIndex parses a segment filename (NNNNN.log or NNNNN.log.zst) into
// its rotation index.
func segmentIndex(name string) (int, bool) {
	base := strings.TrimSuffix(name, ".zst")
	if !strings.HasSuffix(base, ".log") {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(base, "%05d.log", &n); err != nil {
		return 0, false
	}
	return n, true
}

// readSegment reads a segment file's full contents, decompressing when the
// path (or its archived sibling) carries the .zst suffix.
func readSegment(path string) ([]byte, error) {
	if !strings.HasSuffix(path, ".zst") {
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		} else if !os.IsNotExist(err) {
			return nil, err
		}
		// fall through: the archiver may have compressed it already.
		path += ".zst"
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
