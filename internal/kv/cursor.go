package kv

// Entry is one materialized cursor position.
type Entry struct {
	Key        Key
	PrimaryKey Key
	Value      Record
}

// SliceCursor iterates a pre-loaded slice of entries. Engines materialize the
// matching range inside the transaction, so mutations through the cursor never
// disturb iteration.
type SliceCursor struct {
	entries  []Entry
	pos      int
	closed   bool
	err      error
	onUpdate func(pk Key, rec Record) error
	onDelete func(pk Key) error
}

// NewSliceCursor creates a cursor over entries. onUpdate and onDelete may be
// nil for read-only cursors.
func NewSliceCursor(entries []Entry, onUpdate func(Key, Record) error, onDelete func(Key) error) *SliceCursor {
	return &SliceCursor{entries: entries, pos: -1, onUpdate: onUpdate, onDelete: onDelete}
}

func (c *SliceCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	c.pos++
	return c.pos < len(c.entries)
}

func (c *SliceCursor) current() (Entry, bool) {
	if c.pos < 0 || c.pos >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[c.pos], true
}

func (c *SliceCursor) Key() Key {
	e, _ := c.current()
	return e.Key
}

func (c *SliceCursor) PrimaryKey() Key {
	e, _ := c.current()
	return e.PrimaryKey
}

func (c *SliceCursor) Value() Record {
	e, _ := c.current()
	return e.Value
}

func (c *SliceCursor) Update(rec Record) error {
	e, ok := c.current()
	if !ok {
		return errNoPosition("cursor update")
	}
	if c.onUpdate == nil {
		return errReadOnly("cursor update")
	}
	if err := c.onUpdate(e.PrimaryKey, rec); err != nil {
		return err
	}
	c.entries[c.pos].Value = CloneRecord(rec)
	return nil
}

func (c *SliceCursor) Delete() error {
	e, ok := c.current()
	if !ok {
		return errNoPosition("cursor delete")
	}
	if c.onDelete == nil {
		return errReadOnly("cursor delete")
	}
	return c.onDelete(e.PrimaryKey)
}

func (c *SliceCursor) Err() error {
	return c.err
}

func (c *SliceCursor) Close() error {
	c.closed = true
	c.entries = nil
	return nil
}
