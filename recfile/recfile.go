// Package recfile implements the append-only record files backing bucketdb
// tables.
//
// File format:
//
//   - file = header frame*
//   - header = magic:64 version:8 pad:8 flags:16 reserved:32
//   - frame = tag:8 keyLen:uvarint keyBytes payloadLen:uvarint payloadBytes checksum:64
//
// The checksum is an xxhash of the frame's file offset (8 bytes LE) followed
// by the frame bytes up to the checksum. A frame that fails its checksum, or
// a truncated trailing frame, marks the end of the valid portion of the file;
// Replay trims the file there when the file is opened writable, so a torn
// write never survives a reopen.
package recfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible record file")
	ErrUnsupportedVersion = fmt.Errorf("unsupported record file version")
	ErrCorrupt            = fmt.Errorf("corrupted record frame")
)

const (
	magic          = 0x314C42544B435542 // "BUCKTBL1" as little-endian uint64
	version0 uint8 = 0

	HeaderSize = 16

	// MaxKeyLen bounds key sizes; also a sanity limit during replay.
	MaxKeyLen = 32768

	// MaxPayloadLen bounds payload sizes. Mostly a sanity limit so that a
	// corrupted length varint cannot cause a giant allocation.
	MaxPayloadLen = 1 << 30

	checksumLen     = 8
	maxFrameHeadLen = 1 + 2*binary.MaxVarintLen64
)

type Options struct {
	ReadOnly bool

	// NoSync skips fdatasync after appends. Meant for tests; a crash can then
	// lose recent frames (but never leaves a torn frame visible after Replay).
	NoSync bool

	Logger *slog.Logger
}

// Rec is a single decoded frame. Key and Payload alias an internal buffer and
// are only valid until the next call on the file.
type Rec struct {
	Off     int64
	Size    int
	Tag     byte
	Key     []byte
	Payload []byte
}

// File is an open record file. Not safe for concurrent use; callers
// serialize access, per the bucketdb contract.
type File struct {
	f      *os.File
	path   string
	size   int64
	ro     bool
	noSync bool
	logger *slog.Logger

	buf []byte // scratch for appends and reads
}

// Open opens or creates a record file. A newly created file gets its header
// written and synced before Open returns.
func Open(path string, o Options) (*File, error) {
	var ff *os.File
	var err error
	if o.ReadOnly {
		ff, err = os.Open(path)
	} else {
		ff, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	}
	if err != nil {
		return nil, err
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &File{
		f:      ff,
		path:   path,
		ro:     o.ReadOnly,
		noSync: o.NoSync,
		logger: logger,
	}

	st, err := ff.Stat()
	if err != nil {
		ff.Close()
		return nil, err
	}
	f.size = st.Size()

	if f.size == 0 {
		if o.ReadOnly {
			ff.Close()
			return nil, fmt.Errorf("%w: empty file", ErrIncompatible)
		}
		if err := f.writeHeader(); err != nil {
			ff.Close()
			return nil, err
		}
	} else {
		if err := f.readHeader(); err != nil {
			ff.Close()
			return nil, err
		}
	}
	return f, nil
}

func (f *File) Path() string { return f.path }
func (f *File) Size() int64  { return f.size }

func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

func (f *File) writeHeader() error {
	var buf [HeaderSize]byte
	fillHeader(buf[:])
	_, err := f.f.WriteAt(buf[:], 0)
	if err != nil {
		return err
	}
	if err := f.sync(); err != nil {
		return err
	}
	f.size = HeaderSize
	return nil
}

func fillHeader(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], magic)
	buf[8] = version0
	buf[9] = 0
	binary.LittleEndian.PutUint16(buf[10:], 0) // flags
	binary.LittleEndian.PutUint32(buf[12:], 0) // reserved
}

func (f *File) readHeader() error {
	var buf [HeaderSize]byte
	_, err := io.ReadFull(io.NewSectionReader(f.f, 0, HeaderSize), buf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return fmt.Errorf("%w: short header", ErrIncompatible)
	} else if err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(buf[0:]) != magic {
		return fmt.Errorf("%w: bad magic", ErrIncompatible)
	}
	if buf[8] > version0 {
		return ErrUnsupportedVersion
	}
	return nil
}

// Append writes a single frame and makes it durable. On any error the file is
// restored to its previous size, so the frame sequence stays valid. Returns
// the frame's offset and encoded size.
func (f *File) Append(tag byte, key, payload []byte) (off int64, size int, err error) {
	if f.ro {
		panic("recfile: append to read-only file")
	}
	if len(key) > MaxKeyLen {
		return 0, 0, fmt.Errorf("recfile: key too long (%d bytes)", len(key))
	}
	if len(payload) > MaxPayloadLen {
		return 0, 0, fmt.Errorf("recfile: payload too long (%d bytes)", len(payload))
	}

	off = f.size
	buf := f.buf[:0]
	buf = append(buf, tag)
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	buf = appendChecksum(buf, off)
	f.buf = buf

	_, err = f.f.WriteAt(buf, off)
	if err != nil {
		// A partial frame may have hit the disk; cut it off.
		if terr := f.f.Truncate(off); terr != nil {
			f.logger.LogAttrs(context.Background(), slog.LevelError, "recfile: truncate after failed append",
				slog.String("file", f.path), slog.Any("err", terr))
		}
		return 0, 0, err
	}
	if err := f.sync(); err != nil {
		return 0, 0, err
	}
	f.size = off + int64(len(buf))
	return off, len(buf), nil
}

func appendChecksum(buf []byte, off int64) []byte {
	var h xxhash.Digest
	h.Reset()
	var ob [8]byte
	binary.LittleEndian.PutUint64(ob[:], uint64(off))
	h.Write(ob[:])
	h.Write(buf)
	return binary.LittleEndian.AppendUint64(buf, h.Sum64())
}

func (f *File) sync() error {
	if f.noSync {
		return nil
	}
	return fdatasync(f.f)
}

// ReadFrame reads and verifies the frame of the given size at off. The
// returned Rec aliases an internal buffer.
func (f *File) ReadFrame(off int64, size int) (Rec, error) {
	if size < 1+2+checksumLen || off < HeaderSize || off+int64(size) > f.size {
		return Rec{}, fmt.Errorf("%w: frame bounds off=%d size=%d", ErrCorrupt, off, size)
	}
	if cap(f.buf) < size {
		f.buf = make([]byte, size)
	}
	buf := f.buf[:size]
	_, err := f.f.ReadAt(buf, off)
	if err != nil {
		return Rec{}, err
	}
	return parseFrame(buf, off)
}

func parseFrame(buf []byte, off int64) (Rec, error) {
	body := buf[:len(buf)-checksumLen]
	want := binary.LittleEndian.Uint64(buf[len(buf)-checksumLen:])

	var h xxhash.Digest
	h.Reset()
	var ob [8]byte
	binary.LittleEndian.PutUint64(ob[:], uint64(off))
	h.Write(ob[:])
	h.Write(body)
	if h.Sum64() != want {
		return Rec{}, fmt.Errorf("%w: bad checksum at offset %d", ErrCorrupt, off)
	}

	rec := Rec{Off: off, Size: len(buf), Tag: body[0]}
	rem := body[1:]

	keyLen, n := binary.Uvarint(rem)
	if n <= 0 || keyLen > MaxKeyLen || uint64(len(rem)-n) < keyLen {
		return Rec{}, fmt.Errorf("%w: bad key length at offset %d", ErrCorrupt, off)
	}
	rem = rem[n:]
	rec.Key, rem = rem[:keyLen], rem[keyLen:]

	payloadLen, n := binary.Uvarint(rem)
	if n <= 0 || payloadLen > MaxPayloadLen || uint64(len(rem)-n) != payloadLen {
		return Rec{}, fmt.Errorf("%w: bad payload length at offset %d", ErrCorrupt, off)
	}
	rec.Payload = rem[n:]
	return rec, nil
}

// Replay calls fn for every valid frame, in file order. If the file ends in a
// truncated or corrupt frame, replay stops there; when the file is writable,
// it is also truncated back to the last valid frame. An error from fn aborts
// the replay and is returned as is.
func (f *File) Replay(fn func(rec Rec) error) error {
	off := int64(HeaderSize)
	for off < f.size {
		rec, err := f.readFrameAt(off)
		if err == errFrameInvalid {
			f.logger.LogAttrs(context.Background(), slog.LevelWarn, "recfile: trimming after torn or corrupted frame",
				slog.String("file", f.path), slog.Int64("off", off), slog.Int64("lost", f.size-off))
			if !f.ro {
				if terr := f.f.Truncate(off); terr != nil {
					return terr
				}
				if serr := f.sync(); serr != nil {
					return serr
				}
			}
			f.size = off
			return nil
		} else if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		off += int64(rec.Size)
	}
	return nil
}

var errFrameInvalid = fmt.Errorf("frame invalid")

// readFrameAt parses the frame starting at off without knowing its size
// upfront. Returns errFrameInvalid for anything that looks like a torn or
// corrupted frame rather than an I/O failure.
func (f *File) readFrameAt(off int64) (Rec, error) {
	var head [maxFrameHeadLen]byte
	hn, err := f.f.ReadAt(head[:], off)
	if err != nil && err != io.EOF {
		return Rec{}, err
	}
	hd := head[:hn]
	if len(hd) < 1 {
		return Rec{}, errFrameInvalid
	}

	pos := 1
	keyLen, n := binary.Uvarint(hd[pos:])
	if n <= 0 || keyLen > MaxKeyLen {
		return Rec{}, errFrameInvalid
	}
	pos += n

	// The payload length varint sits right after the key; the key itself may
	// extend past the head buffer, so compute where to look.
	plOff := off + int64(pos) + int64(keyLen)
	var plBuf [binary.MaxVarintLen64]byte
	pn, err := f.f.ReadAt(plBuf[:], plOff)
	if err != nil && err != io.EOF {
		return Rec{}, err
	}
	payloadLen, n := binary.Uvarint(plBuf[:pn])
	if n <= 0 || payloadLen > MaxPayloadLen {
		return Rec{}, errFrameInvalid
	}

	total := int64(pos) + int64(keyLen) + int64(n) + int64(payloadLen) + checksumLen
	if total > int64(math.MaxInt32) || off+total > f.size {
		return Rec{}, errFrameInvalid
	}

	rec, err := f.ReadFrame(off, int(total))
	if err != nil {
		return Rec{}, errFrameInvalid
	}
	return rec, nil
}
