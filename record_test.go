package bucketdb

import (
	"bytes"
	"errors"
	"testing"
)

func TestRecord_msgpackRoundTrip(t *testing.T) {
	orig := &User{Email: "al@example.com", Name: "Al"}
	rec := must(MsgPackRecord(orig))
	deepEqual(t, rec.Kind, MsgPack)

	var back User
	ensure(rec.Decode(&back))
	deepEqual(t, &back, orig)
}

func TestRecord_jsonRoundTrip(t *testing.T) {
	orig := map[string]any{"x": float64(1), "s": "hi", "list": []any{float64(1), float64(2)}}
	rec := must(JSONRecord(orig))
	deepEqual(t, rec.Kind, JSON)

	var back map[string]any
	ensure(rec.Decode(&back))
	deepEqual(t, back, orig)
}

func TestRecord_rawRoundTrip(t *testing.T) {
	orig := []byte{0x00, 0xFF, 0x10, 0x20}
	rec := RawRecord(orig)
	deepEqual(t, rec.Kind, Raw)

	var back []byte
	ensure(rec.Decode(&back))
	if !bytes.Equal(back, orig) {
		t.Errorf("raw round-trip = %x, wanted %x", back, orig)
	}

	if err := rec.Decode(&struct{}{}); err == nil {
		t.Errorf("raw Decode into a struct succeeded")
	}
}

func TestRecord_encodeErrors(t *testing.T) {
	var encErr *EncodeError

	_, err := JSONRecord(make(chan int))
	if !errors.As(err, &encErr) {
		t.Errorf("JSONRecord(chan): err = %v, wanted EncodeError", err)
	}

	_, err = MsgPackRecord(func() {})
	if !errors.As(err, &encErr) {
		t.Errorf("MsgPackRecord(func): err = %v, wanted EncodeError", err)
	}
}

func TestRecord_decodeErrors(t *testing.T) {
	var dataErr *DataError

	rec := Record{JSON, []byte("{not json")}
	var v map[string]any
	if err := rec.Decode(&v); !errors.As(err, &dataErr) {
		t.Errorf("bad JSON: err = %v, wanted DataError", err)
	}

	rec = Record{MsgPack, []byte{0xC1}} // never used in msgpack
	var u User
	if err := rec.Decode(&u); !errors.As(err, &dataErr) {
		t.Errorf("bad msgpack: err = %v, wanted DataError", err)
	}

	rec = Record{Kind(9), []byte("x")}
	var raw []byte
	if err := rec.Decode(&raw); !errors.As(err, &dataErr) {
		t.Errorf("unknown kind: err = %v, wanted DataError", err)
	}
}

func TestRecord_msgpackSortsMapKeys(t *testing.T) {
	m := map[string]int{"b": 2, "a": 1, "c": 3}
	rec1 := must(MsgPackRecord(m))
	rec2 := must(MsgPackRecord(m))
	if !bytes.Equal(rec1.Payload, rec2.Payload) {
		t.Errorf("msgpack map encoding is not deterministic")
	}
}

func TestRecord_isZero(t *testing.T) {
	if (Record{Raw, []byte("x")}).IsZero() {
		t.Errorf("non-zero record reported as zero")
	}
	if !(Record{}).IsZero() {
		t.Errorf("zero record not reported as zero")
	}
}

func TestKind_string(t *testing.T) {
	deepEqual(t, Tombstone.String(), "tombstone")
	deepEqual(t, MsgPack.String(), "msgpack")
	deepEqual(t, JSON.String(), "json")
	deepEqual(t, Raw.String(), "raw")
	deepEqual(t, Kind(9).String(), "kind(9)")
}

func TestGzipRoundTrip(t *testing.T) {
	orig := bytes.Repeat([]byte("squeeze me "), 500)
	zipped := must(gzipCompress(orig))
	if len(zipped) >= len(orig) {
		t.Fatalf("gzip did not shrink %d -> %d", len(orig), len(zipped))
	}
	back := must(gzipExpand(zipped))
	if !bytes.Equal(back, orig) {
		t.Errorf("gzip round-trip mismatch")
	}

	if _, err := gzipExpand([]byte("definitely not gzip")); err == nil {
		t.Errorf("gzipExpand of garbage succeeded")
	}
}
