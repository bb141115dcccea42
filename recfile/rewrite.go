package recfile

import (
	"encoding/binary"
	"os"
	"path/filepath"
)

// Rewriter builds a replacement record file in a temp file next to the
// target, then atomically renames it over the target on Commit. If the whole
// file is not written successfully, the target is left untouched.
type Rewriter struct {
	dstPath string
	dir     string
	tmp     *os.File
	tmpPath string
	size    int64
	noSync  bool
	err     error

	buf []byte
}

// NewRewriter creates a temp file in the target's directory and writes the
// file header to it.
func NewRewriter(path string, noSync bool) (*Rewriter, error) {
	dir, name := filepath.Split(path)
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, name+".rw-*")
	if err != nil {
		return nil, err
	}

	rw := &Rewriter{
		dstPath: path,
		dir:     dir,
		tmp:     tmp,
		tmpPath: tmp.Name(),
		noSync:  noSync,
	}

	var hbuf [HeaderSize]byte
	fillHeader(hbuf[:])
	if _, err := tmp.Write(hbuf[:]); err != nil {
		rw.abort(err)
		return nil, err
	}
	rw.size = HeaderSize
	return rw, nil
}

func (rw *Rewriter) abort(err error) {
	if rw.err == nil {
		rw.err = err
	}
	if rw.tmp != nil {
		rw.tmp.Close()
		rw.tmp = nil
		os.Remove(rw.tmpPath)
	}
}

// Append writes one frame to the replacement file.
func (rw *Rewriter) Append(tag byte, key, payload []byte) (off int64, size int, err error) {
	if rw.err != nil {
		return 0, 0, rw.err
	}

	off = rw.size
	buf := rw.buf[:0]
	buf = append(buf, tag)
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	buf = append(buf, key...)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	buf = appendChecksum(buf, off)
	rw.buf = buf

	if _, err := rw.tmp.Write(buf); err != nil {
		rw.abort(err)
		return 0, 0, err
	}
	rw.size = off + int64(len(buf))
	return off, len(buf), nil
}

// Commit syncs and closes the temp file, renames it over the target, and
// syncs the directory. On any failure the temp file is removed and the
// target stays as it was.
func (rw *Rewriter) Commit() error {
	if rw.err != nil {
		return rw.err
	}
	if rw.tmp == nil {
		return os.ErrClosed
	}
	tmp := rw.tmp
	rw.tmp = nil

	if !rw.noSync {
		if err := fdatasync(tmp); err != nil {
			tmp.Close()
			os.Remove(rw.tmpPath)
			rw.err = err
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(rw.tmpPath)
		rw.err = err
		return err
	}
	if err := os.Rename(rw.tmpPath, rw.dstPath); err != nil {
		os.Remove(rw.tmpPath)
		rw.err = err
		return err
	}

	// Sync the directory so the rename itself survives a crash. Best effort.
	if !rw.noSync {
		if dirf, err := os.Open(rw.dir); err == nil {
			dirf.Sync()
			dirf.Close()
		}
	}
	return nil
}

// Cancel removes the temp file without touching the target. Safe to call
// after Commit as a no-op, which makes it convenient in a defer.
func (rw *Rewriter) Cancel() {
	if rw.tmp == nil {
		return
	}
	rw.abort(os.ErrClosed)
}
