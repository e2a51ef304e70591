package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// WALArchiver compresses rotated WAL segments in place. The engine only
// ever appends to the active segment; everything behind it is immutable
// history, which is what makes compress-then-delete safe here. wal.Replay
// reads the archived form back transparently by suffix.
type WALArchiver struct {
	dir string
}

// NewWALArchiver creates an archiver over the WAL directory.
func NewWALArchiver(dir string) *WALArchiver {
	return &WALArchiver{dir: dir}
}

// Archive compresses one closed segment to <path>.zst and removes the
// original. Intended to be called from the WAL's OnRotate hook with the
// just-closed segment's path.
func (a *WALArchiver) Archive(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("walarchive: open %s: %w", path, err)
	}
	defer src.Close()

	tmpPath := path + ".zst.tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("walarchive: create %s: %w", tmpPath, err)
	}

	zw, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("walarchive: zstd writer: %w", err)
	}

	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("walarchive: compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("walarchive: finish %s: %w", path, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("walarchive: sync %s: %w", tmpPath, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("walarchive: close %s: %w", tmpPath, err)
	}

	// Rename before removing the original so a crash between the two
	// leaves both forms rather than neither.
	if err := os.Rename(tmpPath, path+".zst"); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("walarchive: rename: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("walarchive: remove original %s: %w", path, err)
	}

	log.Info().Str("segment", filepath.Base(path)).Msg("wal segment archived")
	return nil
}

// SweepDir archives every uncompressed segment except the highest-index
// one (the active segment the WAL is appending to). Run once at startup to
// catch segments whose rotation hook was lost to a crash.
func (a *WALArchiver) SweepDir() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("walarchive: readdir: %w", err)
	}

	var logs []string
	maxName := ""
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		logs = append(logs, name)
		if name > maxName {
			maxName = name
		}
	}

	for _, name := range logs {
		if name == maxName {
			continue
		}
		if err := a.Archive(filepath.Join(a.dir, name)); err != nil {
			return err
		}
	}
	return nil
}
