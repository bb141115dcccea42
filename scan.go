package bucketdb

// Entry is a single key-record pair yielded by a scan.
type Entry struct {
	Key    string
	Record Record
}

// Scan returns a cursor over all live entries, in storage (file) order.
// The cursor is lazy (records are read and decoded one at a time) and
// restartable via Reset. It captures the set of live entries at the time of
// the call; mutating the table or compacting it invalidates the cursor.
func (t *Table) Scan() *Cursor {
	c := &Cursor{t: t}
	if t.closed || t.db.closed {
		c.err = ErrClosed
		return c
	}
	c.refs = t.liveRefs()
	return c
}

// Cursor iterates over table entries:
//
//	c := tbl.Scan()
//	for c.Next() {
//		use(c.Key(), c.Record())
//	}
//	if err := c.Err(); err != nil { ... }
type Cursor struct {
	t    *Table
	refs []liveRef
	i    int
	key  string
	rec  Record
	err  error
}

func (c *Cursor) Next() bool {
	if c.err != nil || c.i >= len(c.refs) {
		return false
	}
	ref := c.refs[c.i]
	c.i++
	rec, err := c.t.readEntry(ref.key, ref.ent)
	if err != nil {
		c.err = err
		return false
	}
	c.key, c.rec = ref.key, rec
	return true
}

func (c *Cursor) Key() string    { return c.key }
func (c *Cursor) Record() Record { return c.rec }

// Err returns the first error encountered by Next, if any.
func (c *Cursor) Err() error { return c.err }

// Reset rewinds the cursor to the beginning of the same entry set.
func (c *Cursor) Reset() {
	if c.err == ErrClosed && c.refs == nil {
		return
	}
	c.i = 0
	c.err = nil
	c.key, c.rec = "", Record{}
}

// AllEntries drains the cursor into a slice.
func AllEntries(c *Cursor) ([]Entry, error) {
	var list []Entry
	for c.Next() {
		list = append(list, Entry{c.Key(), c.Record()})
	}
	return list, c.Err()
}

// AllKeys drains the cursor, returning keys only.
func AllKeys(c *Cursor) ([]string, error) {
	var list []string
	for c.Next() {
		list = append(list, c.Key())
	}
	return list, c.Err()
}
