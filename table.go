package bucketdb

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/andreyvit/bucketdb/recfile"
)

// Tables this small are never auto-compacted; the savings aren't worth the
// rewrite.
const autoCompactMinSize = 64 * 1024

// keydirEnt locates the current live frame for a key inside the table file.
type keydirEnt struct {
	off  int64
	size int32
	tag  byte
}

// Table is a named key-value collection backed by exactly one append-only
// file under the Bucket root. Not safe for concurrent use; the caller
// serializes all access, per the bucketdb contract.
type Table struct {
	db   *Bucket
	name string
	path string

	file       *recfile.File
	dir        map[string]keydirEnt
	deadBytes  int64
	closed     bool
	compacting bool
}

// TableStats describes the current shape of a table.
type TableStats struct {
	Keys      int   // number of live keys
	FileSize  int64 // size of the backing file in bytes
	DeadBytes int64 // bytes occupied by superseded entries and tombstones
}

func openTable(db *Bucket, name, path string) (*Table, error) {
	f, err := recfile.Open(path, recfile.Options{
		NoSync: db.opt.IsTesting,
		Logger: db.logger,
	})
	if err != nil {
		return nil, err
	}
	t := &Table{
		db:   db,
		name: name,
		path: path,
		file: f,
		dir:  make(map[string]keydirEnt),
	}
	if err := t.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// replay rebuilds the key directory from the backing file. recfile trims any
// torn trailing frame during this pass.
func (t *Table) replay() error {
	clear(t.dir)
	t.deadBytes = 0
	return t.file.Replay(func(rec recfile.Rec) error {
		key := string(rec.Key)
		if old, ok := t.dir[key]; ok {
			t.deadBytes += int64(old.size)
		}
		if Kind(rec.Tag&tagKindMask) == Tombstone {
			delete(t.dir, key)
			t.deadBytes += int64(rec.Size)
		} else {
			t.dir[key] = keydirEnt{rec.Off, int32(rec.Size), rec.Tag}
		}
		return nil
	})
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Stats() TableStats {
	return TableStats{
		Keys:      len(t.dir),
		FileSize:  t.file.Size(),
		DeadBytes: t.deadBytes,
	}
}

// Put writes or overwrites the record stored under key. The previous record,
// if any, becomes garbage reclaimed by the next compaction. Filesystem errors
// are surfaced unchanged; after a failed write the file is back in its
// previous valid state.
func (t *Table) Put(key string, rec Record) error {
	if err := t.check(key); err != nil {
		return err
	}
	if !rec.Kind.valid() {
		return &EncodeError{rec, errBadKind}
	}

	tag := byte(rec.Kind)
	payload := rec.Payload
	if t.db.shouldCompress(len(payload)) {
		zipped, err := gzipCompress(payload)
		if err == nil && len(zipped) < len(payload) {
			tag |= tagGzip
			payload = zipped
		}
	}

	off, size, err := t.file.Append(tag, []byte(key), payload)
	if err != nil {
		return err
	}
	if old, ok := t.dir[key]; ok {
		t.deadBytes += int64(old.size)
	}
	t.dir[key] = keydirEnt{off, int32(size), tag}
	t.db.logf("db: PUT %s/%s => %v (%d bytes)", t.name, key, rec.Kind, len(rec.Payload))
	t.maybeAutoCompact()
	return nil
}

// Get reads the current record for key. ok is false when the key is absent
// or deleted. Corrupt stored bytes surface as a TableError wrapping the
// decoding failure.
func (t *Table) Get(key string) (rec Record, ok bool, err error) {
	if err := t.check(key); err != nil {
		return Record{}, false, err
	}
	ent, found := t.dir[key]
	if !found {
		t.db.logf("db: GET.NOTFOUND %s/%s", t.name, key)
		return Record{}, false, nil
	}
	rec, err = t.readEntry(key, ent)
	if err != nil {
		return Record{}, false, err
	}
	t.db.logf("db: GET %s/%s => %v (%d bytes)", t.name, key, rec.Kind, len(rec.Payload))
	return rec, true, nil
}

// Exists reports whether key currently has a live record, without reading it.
func (t *Table) Exists(key string) (bool, error) {
	if err := t.check(key); err != nil {
		return false, err
	}
	_, found := t.dir[key]
	return found, nil
}

// Delete marks key absent by appending a tombstone. Deleting an absent key is
// a no-op. Space is reclaimed by compaction, not immediately.
func (t *Table) Delete(key string) error {
	if err := t.check(key); err != nil {
		return err
	}
	ent, found := t.dir[key]
	if !found {
		t.db.logf("db: DELETE.NOOP %s/%s", t.name, key)
		return nil
	}
	_, size, err := t.file.Append(byte(Tombstone), []byte(key), nil)
	if err != nil {
		return err
	}
	delete(t.dir, key)
	t.deadBytes += int64(ent.size) + int64(size)
	t.db.logf("db: DELETE %s/%s", t.name, key)
	t.maybeAutoCompact()
	return nil
}

// Compact rewrites the backing file keeping only live records, in storage
// order. The replacement is written to a temp file and renamed over the
// original only after a full flush, so a failure at any point leaves the
// original untouched.
func (t *Table) Compact() error {
	if t.closed {
		return ErrClosed
	}

	refs := t.liveRefs()
	rw, err := recfile.NewRewriter(t.path, t.db.opt.IsTesting)
	if err != nil {
		return err
	}
	defer rw.Cancel()

	for _, ref := range refs {
		fr, err := t.file.ReadFrame(ref.ent.off, int(ref.ent.size))
		if err != nil {
			return tableErrf(t.name, []byte(ref.key), err, "compact: reading live record")
		}
		if _, _, err := rw.Append(fr.Tag, fr.Key, fr.Payload); err != nil {
			return err
		}
	}
	if err := rw.Commit(); err != nil {
		return err
	}

	// The old handle now points at an unlinked file; swap in the new one.
	t.file.Close()
	f, err := recfile.Open(t.path, recfile.Options{
		NoSync: t.db.opt.IsTesting,
		Logger: t.db.logger,
	})
	if err != nil {
		// The compacted file is valid on disk but we lost our handle to it.
		t.closed = true
		return err
	}
	t.file = f
	if err := t.replay(); err != nil {
		t.closed = true
		return err
	}
	t.db.logf("db: COMPACT %s => %d keys, %d bytes", t.name, len(t.dir), t.file.Size())
	return nil
}

type liveRef struct {
	key string
	ent keydirEnt
}

// liveRefs returns the live entries in storage (file) order.
func (t *Table) liveRefs() []liveRef {
	refs := make([]liveRef, 0, len(t.dir))
	for key, ent := range t.dir {
		refs = append(refs, liveRef{key, ent})
	}
	slices.SortFunc(refs, func(a, b liveRef) int {
		if a.ent.off < b.ent.off {
			return -1
		} else if a.ent.off > b.ent.off {
			return 1
		}
		return 0
	})
	return refs
}

func (t *Table) readEntry(key string, ent keydirEnt) (Record, error) {
	fr, err := t.file.ReadFrame(ent.off, int(ent.size))
	if err != nil {
		if errors.Is(err, recfile.ErrCorrupt) {
			return Record{}, tableErrf(t.name, []byte(key), err, "corrupt record")
		}
		return Record{}, err
	}
	if !bytes.Equal(fr.Key, []byte(key)) {
		return Record{}, tableErrf(t.name, []byte(key), recfile.ErrCorrupt, "record holds key %q", fr.Key)
	}
	if (fr.Tag &^ tagSupportedMask) != 0 {
		return Record{}, tableErrf(t.name, []byte(key), nil, "unsupported record tag %x", fr.Tag)
	}
	kind := Kind(fr.Tag & tagKindMask)
	if !kind.valid() {
		return Record{}, tableErrf(t.name, []byte(key),
			dataErrf(fr.Payload, 0, nil, "unrecognized record kind %d", byte(kind)), "")
	}

	var payload []byte
	if fr.Tag&tagGzip != 0 {
		payload, err = gzipExpand(fr.Payload)
		if err != nil {
			return Record{}, tableErrf(t.name, []byte(key),
				dataErrf(fr.Payload, 0, err, "bad compressed payload"), "")
		}
	} else {
		// The frame buffer is reused by the next read.
		payload = bytes.Clone(fr.Payload)
	}
	return Record{kind, payload}, nil
}

func (t *Table) check(key string) error {
	if t.closed || t.db.closed {
		return ErrClosed
	}
	if key == "" {
		return tableErrf(t.name, nil, nil, "empty key")
	}
	return nil
}

func (t *Table) maybeAutoCompact() {
	frac := t.db.opt.AutoCompactFraction
	if frac <= 0 || t.compacting {
		return
	}
	size := t.file.Size()
	if size < autoCompactMinSize || float64(t.deadBytes) < frac*float64(size) {
		return
	}
	t.compacting = true
	err := t.Compact()
	t.compacting = false
	if err != nil {
		// The put/delete that triggered us has already succeeded, and a failed
		// compaction leaves the original file untouched, so don't fail the
		// caller; the next trigger will retry.
		t.db.logger.LogAttrs(context.Background(), slog.LevelWarn, "bucketdb: automatic compaction failed",
			slog.String("table", t.name), slog.Any("err", err))
	}
}

func (t *Table) close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.file.Close()
}
