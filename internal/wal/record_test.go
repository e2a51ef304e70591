package wal

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := Record{Seq: 42, TSNanos: 1234567890, Kind: FillApplied, Payload: []byte(`{"qty":"1.5"}`)}
	frame := Encode(r)

	got, n, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(frame), n)
	}
	if got.Seq != r.Seq || got.TSNanos != r.TSNanos || got.Kind != r.Kind {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, r)
	}
	if string(got.Payload) != string(r.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, r.Payload)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	r := Record{Seq: 1, TSNanos: 1, Kind: OrderIntent, Payload: nil}
	frame := Encode(r)
	got, _, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}

func TestDecodeShortBufferIsTorn(t *testing.T) {
	frame := Encode(Record{Seq: 1, TSNanos: 1, Kind: OrderIntent, Payload: []byte("hello")})
	for _, n := range []int{0, 1, 3, len(frame) - 1} {
		if _, _, err := Decode(frame[:n]); err != ErrTorn {
			t.Fatalf("Decode(frame[:%d]) = %v, want ErrTorn", n, err)
		}
	}
}

func TestDecodeCorruptCRCIsTorn(t *testing.T) {
	frame := Encode(Record{Seq: 1, TSNanos: 1, Kind: OrderIntent, Payload: []byte("hello")})
	corrupt := append([]byte{}, frame...)
	corrupt[len(corrupt)-1] ^= 0xFF // flip a CRC byte

	if _, _, err := Decode(corrupt); err != ErrTorn {
		t.Fatalf("Decode with corrupt CRC = %v, want ErrTorn", err)
	}
}

func TestDecodeMultipleFramesSequentially(t *testing.T) {
	var buf []byte
	buf = append(buf, Encode(Record{Seq: 1, TSNanos: 1, Kind: OrderIntent, Payload: []byte("a")})...)
	buf = append(buf, Encode(Record{Seq: 2, TSNanos: 2, Kind: OrderMutation, Payload: []byte("bb")})...)

	r1, n1, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if r1.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", r1.Seq)
	}
	r2, _, err := Decode(buf[n1:])
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if r2.Seq != 2 || r2.Kind != OrderMutation {
		t.Fatalf("unexpected second record: %+v", r2)
	}
}
