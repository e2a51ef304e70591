// Package wal implements the write-ahead log: a length-prefixed, CRC32'd,
// append-only record stream the OMS durably appends every order intent and
// receipt to before mutating in-memory state. Records use an explicit
// binary frame rather than a codec like gob so a torn write at EOF is
// detectable byte-for-byte instead of via a decoder error, and so segments
// can be rotated and replayed independently.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordKind discriminates a WAL record's payload.
type RecordKind uint8

const (
	OrderIntent    RecordKind = iota // intent recorded before any adapter call
	OrderMutation                    // state transition applied to an order
	FillApplied                      // a Fill was applied to an order
	Snapshot                         // periodic position/account snapshot marker
	Duplicate                        // a receipt dropped as already-applied, kept for audit
)

// Record is one frame: [u32 length][u8 kind][u64 seq][u64 ts_ns][bytes payload][u32 crc32].
// length covers kind+seq+ts_ns+payload (not itself, not the trailing crc32).
type Record struct {
	Seq     uint64
	TSNanos int64
	Kind    RecordKind
	Payload []byte
}

// Encode frames r into its on-disk byte representation.
func Encode(r Record) []byte {
	body := make([]byte, 0, 1+8+8+len(r.Payload))
	body = append(body, byte(r.Kind))
	body = binary.BigEndian.AppendUint64(body, r.Seq)
	body = binary.BigEndian.AppendUint64(body, uint64(r.TSNanos))
	body = append(body, r.Payload...)

	crc := crc32.ChecksumIEEE(body)

	frame := make([]byte, 0, 4+len(body)+4)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint32(frame, crc)
	return frame
}

// ErrTorn indicates the frame at the read cursor is incomplete or its CRC32
// does not match: a torn write. Replay stops at the previous valid record
// when this is returned.
var ErrTorn = fmt.Errorf("wal: torn write")

// Decode reads a single frame from buf starting at offset 0, returning the
// record, the number of bytes consumed, and ErrTorn if the frame is
// incomplete or corrupt.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, ErrTorn
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	total := 4 + int(length) + 4
	if len(buf) < total {
		return Record{}, 0, ErrTorn
	}

	body := buf[4 : 4+int(length)]
	wantCRC := binary.BigEndian.Uint32(buf[4+int(length) : total])
	gotCRC := crc32.ChecksumIEEE(body)
	if gotCRC != wantCRC {
		return Record{}, 0, ErrTorn
	}
	if len(body) < 17 {
		return Record{}, 0, ErrTorn
	}

	r := Record{
		Kind:    RecordKind(body[0]),
		Seq:     binary.BigEndian.Uint64(body[1:9]),
		TSNanos: int64(binary.BigEndian.Uint64(body[9:17])),
		Payload: bytes.Clone(body[17:]),
	}
	return r, total, nil
}
