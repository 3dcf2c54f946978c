package kv

import (
	"bytes"
	"errors"

	"kvram/internal/logging"
)

var (
	ErrStaleIterator    = errors.New("Iterator to erased element")
	ErrNoCurrentElement = errors.New("Iterator has no current element")
	ErrScopeMismatch    = errors.New("iterators belong to different scopes")
	ErrCursorClosed     = errors.New("Iterator is closed")
)

var logger = logging.For("kv")

// Status is the position state of a Cursor.
type Status int

const (
	StatusPositioned Status = iota
	StatusEnd
	StatusBeforeBegin
	StatusErased
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPositioned:
		return "positioned"
	case StatusEnd:
		return "end"
	case StatusBeforeBegin:
		return "before-begin"
	case StatusErased:
		return "erased"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Cursor is a position in a Scope restricted to keys sharing a prefix.
//
// A positioned cursor remembers the key and the slot version it observed.
// Every dereference or step first checks that slot against the scope; if it
// is gone, or was replaced by a re-insert, the cursor becomes Erased and
// stays Erased until it is re-seeked. A closed cursor fails every operation
// with ErrCursorClosed and never reads its scope again.
type Cursor struct {
	scope   *Scope
	prefix  []byte
	status  Status
	key     []byte
	version uint64
	moves   uint64 // bumped on every reposition
}

// NewCursor returns a cursor over keys starting with prefix, positioned at End.
func (s *Scope) NewCursor(prefix []byte) *Cursor {
	return &Cursor{scope: s, prefix: clone(prefix), status: StatusEnd}
}

// Prefix returns a copy of the cursor's prefix.
func (c *Cursor) Prefix() []byte {
	return clone(c.prefix)
}

// Status reports the cursor state, including an erasure that has not been
// observed yet. It never changes the cursor.
func (c *Cursor) Status() Status {
	if c.status == StatusPositioned && !c.live() {
		return StatusErased
	}
	return c.status
}

// SeekGE positions the cursor at the first key >= key in the whole scope.
// If that key does not carry the cursor prefix, or there is none, the cursor
// moves to End.
func (c *Cursor) SeekGE(key []byte) Status {
	if c.status == StatusClosed {
		return StatusClosed
	}
	sl, ok := c.scope.seekGE(key)
	return c.place(sl, ok, StatusEnd)
}

// SeekLast positions the cursor at the greatest key carrying the prefix, or
// at End if there is none.
func (c *Cursor) SeekLast() Status {
	if c.status == StatusClosed {
		return StatusClosed
	}
	if upper := prefixEnd(c.prefix); upper != nil {
		sl, ok := c.scope.before(upper)
		return c.place(sl, ok, StatusEnd)
	}
	sl, ok := c.scope.last()
	return c.place(sl, ok, StatusEnd)
}

// MoveToEnd parks the cursor past the last key.
func (c *Cursor) MoveToEnd() {
	c.park(StatusEnd)
}

// MoveToBegin parks the cursor before the first key.
func (c *Cursor) MoveToBegin() {
	c.park(StatusBeforeBegin)
}

// Close releases the cursor. Later calls fail with ErrCursorClosed.
func (c *Cursor) Close() {
	c.status, c.key, c.version = StatusClosed, nil, 0
}

// Next advances to the following key with the prefix. From BeforeBegin it
// moves to the first such key; at End it stays at End.
func (c *Cursor) Next() (Status, error) {
	if err := c.check(); err != nil {
		return c.status, err
	}
	switch c.status {
	case StatusEnd:
		return StatusEnd, nil
	case StatusBeforeBegin:
		sl, ok := c.scope.seekGE(c.prefix)
		return c.place(sl, ok, StatusEnd), nil
	default:
		sl, ok := c.scope.after(c.key)
		return c.place(sl, ok, StatusEnd), nil
	}
}

// Prev moves to the preceding key with the prefix. From End it moves to the
// last such key; at BeforeBegin it stays at BeforeBegin.
func (c *Cursor) Prev() (Status, error) {
	if err := c.check(); err != nil {
		return c.status, err
	}
	switch c.status {
	case StatusBeforeBegin:
		return StatusBeforeBegin, nil
	case StatusEnd:
		if c.SeekLast() == StatusEnd {
			c.MoveToBegin()
		}
		return c.status, nil
	default:
		sl, ok := c.scope.before(c.key)
		return c.place(sl, ok, StatusBeforeBegin), nil
	}
}

// Key returns a copy of the current key.
func (c *Cursor) Key() ([]byte, error) {
	sl, err := c.current()
	if err != nil {
		return nil, err
	}
	return clone(sl.key), nil
}

// Value returns a copy of the current value.
func (c *Cursor) Value() ([]byte, error) {
	sl, err := c.current()
	if err != nil {
		return nil, err
	}
	return clone(sl.value), nil
}

// Entry returns copies of the current key and value.
func (c *Cursor) Entry() (Entry, error) {
	sl, err := c.current()
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: clone(sl.key), Value: clone(sl.value)}, nil
}

// Compare orders two cursors over the same scope: BeforeBegin sorts first,
// End sorts last, positioned cursors compare by key.
func (c *Cursor) Compare(other *Cursor) (int, error) {
	if c.scope != other.scope {
		return 0, ErrScopeMismatch
	}
	if err := c.check(); err != nil {
		return 0, err
	}
	if err := other.check(); err != nil {
		return 0, err
	}
	a, b := c.rank(), other.rank()
	if a != b {
		if a < b {
			return -1, nil
		}
		return 1, nil
	}
	if a != 0 {
		return 0, nil
	}
	return bytes.Compare(c.key, other.key), nil
}

func (c *Cursor) rank() int {
	switch c.status {
	case StatusBeforeBegin:
		return -1
	case StatusEnd:
		return 1
	default:
		return 0
	}
}

func (c *Cursor) live() bool {
	sl, ok := c.scope.lookup(c.key)
	return ok && sl.version == c.version
}

// check turns a positioned cursor whose slot has disappeared into an Erased
// one and reports staleness.
func (c *Cursor) check() error {
	if c.status == StatusClosed {
		return ErrCursorClosed
	}
	if c.status == StatusPositioned && !c.live() {
		logger.Debug("cursor target erased", "key_len", len(c.key), "version", c.version)
		c.status = StatusErased
	}
	if c.status == StatusErased {
		return ErrStaleIterator
	}
	return nil
}

func (c *Cursor) current() (*slot, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.status != StatusPositioned {
		return nil, ErrNoCurrentElement
	}
	sl, _ := c.scope.lookup(c.key)
	return sl, nil
}

// place positions the cursor on sl when it exists and carries the prefix,
// otherwise parks it at miss.
func (c *Cursor) place(sl *slot, ok bool, miss Status) Status {
	if !ok || !bytes.HasPrefix(sl.key, c.prefix) {
		c.park(miss)
		return miss
	}
	c.status, c.key, c.version = StatusPositioned, sl.key, sl.version
	c.moves++
	return StatusPositioned
}

func (c *Cursor) park(st Status) {
	if c.status == StatusClosed {
		return
	}
	c.status, c.key, c.version = st, nil, 0
	c.moves++
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (empty or all-0xFF prefix).
func prefixEnd(prefix []byte) []byte {
	end := clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
