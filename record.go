package bucketdb

import "fmt"

// Kind identifies how a record's payload is encoded. It is stored in the low
// nibble of the on-disk tag byte, so decoding never needs external schema
// knowledge.
type Kind byte

const (
	// Tombstone marks a deleted key. It never appears in a live Record; it
	// only exists on disk until compaction removes it.
	Tombstone Kind = 0

	// MsgPack is the default encoding for structured values.
	MsgPack Kind = 1

	// JSON stores the payload as JSON text.
	JSON Kind = 2

	// Raw stores the payload as uninterpreted bytes.
	Raw Kind = 3
)

const (
	tagKindMask byte = 0x0F
	tagGzip     byte = 0x10

	tagSupportedMask = tagKindMask | tagGzip
)

func (k Kind) String() string {
	switch k {
	case Tombstone:
		return "tombstone"
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k == MsgPack || k == JSON || k == Raw
}

// Record is a value stored under a key: a kind tag plus the decoded payload
// bytes. Payload is always uncompressed; compression is an on-disk detail.
type Record struct {
	Kind    Kind
	Payload []byte
}

// MsgPackRecord encodes v with msgpack into a Record.
func MsgPackRecord(v any) (Record, error) {
	data, err := MsgPack.encodeValue(v)
	if err != nil {
		return Record{}, err
	}
	return Record{MsgPack, data}, nil
}

// JSONRecord encodes v as JSON text into a Record.
func JSONRecord(v any) (Record, error) {
	data, err := JSON.encodeValue(v)
	if err != nil {
		return Record{}, err
	}
	return Record{JSON, data}, nil
}

// RawRecord wraps uninterpreted bytes into a Record.
func RawRecord(data []byte) Record {
	return Record{Raw, data}
}

// Decode unmarshals the record's payload into out according to its kind.
// For Raw records, out must be a *[]byte.
func (rec Record) Decode(out any) error {
	return rec.Kind.decodeValue(rec.Payload, out)
}

// IsZero reports whether rec is the zero Record, which Get returns for
// absent keys.
func (rec Record) IsZero() bool {
	return rec.Kind == Tombstone && rec.Payload == nil
}
