package bucketdb

// Typed helpers over the raw Record API. Values are encoded with msgpack,
// the default structured encoding.

// Put encodes row with msgpack and stores it under key.
func Put[Row any](t *Table, key string, row *Row) error {
	rec, err := MsgPackRecord(row)
	if err != nil {
		return err
	}
	return t.Put(key, rec)
}

// Get reads the record stored under key and decodes it into a new Row.
// Returns nil (and no error) when the key is absent.
func Get[Row any](t *Table, key string) (*Row, error) {
	rec, ok, err := t.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	row := new(Row)
	if err := rec.Decode(row); err != nil {
		return nil, tableErrf(t.name, []byte(key), err, "")
	}
	return row, nil
}

// PutJSON encodes row as JSON text and stores it under key.
func PutJSON[Row any](t *Table, key string, row *Row) error {
	rec, err := JSONRecord(row)
	if err != nil {
		return err
	}
	return t.Put(key, rec)
}

// AllRows drains a scan, decoding every record into a Row.
func AllRows[Row any](c *Cursor) (map[string]*Row, error) {
	rows := make(map[string]*Row)
	for c.Next() {
		row := new(Row)
		if err := c.Record().Decode(row); err != nil {
			return nil, tableErrf(c.t.name, []byte(c.Key()), err, "")
		}
		rows[c.Key()] = row
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
