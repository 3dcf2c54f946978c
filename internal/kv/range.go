package kv

import "errors"

// Range is a one-shot ordered walk over the keys of a scope that share a
// prefix. Its starting position is decided when the range is created; each
// later step revalidates the underlying cursor, so erasing the entry the
// range is parked on makes the next step fail with ErrStaleIterator.
//
// Moving the cursor directly before the first Next counts as starting the
// range: Next then steps from wherever the cursor was left.
type Range struct {
	cur     *Cursor
	reverse bool
	started bool
	moves   uint64
}

// Scan returns an ascending range over keys with prefix.
//
// The start is the first key >= lower, or >= prefix when lower is nil,
// searched over the whole scope. If that key lacks the prefix the range is
// empty, even when matching keys exist before lower. A nil lower means "no
// lower bound"; an empty non-nil lower is a bound that sorts first.
func (s *Scope) Scan(prefix, lower []byte) *Range {
	c := s.NewCursor(prefix)
	anchor := prefix
	if lower != nil {
		anchor = lower
	}
	c.SeekGE(anchor)
	return &Range{cur: c, moves: c.moves}
}

// ScanRev returns a descending range over keys with prefix.
//
// With a lower bound the start is the first key >= lower, which must carry
// the prefix or the range is empty. Without one the start is the greatest
// key carrying the prefix.
func (s *Scope) ScanRev(prefix, lower []byte) *Range {
	c := s.NewCursor(prefix)
	if lower != nil {
		c.SeekGE(lower)
	} else {
		c.SeekLast()
	}
	return &Range{cur: c, reverse: true, moves: c.moves}
}

// Cursor exposes the cursor driving the range.
func (r *Range) Cursor() *Cursor {
	return r.cur
}

// Reverse reports whether the range walks in descending order.
func (r *Range) Reverse() bool {
	return r.reverse
}

// Next returns the next entry. It returns false once the range is exhausted
// and keeps returning false afterwards.
func (r *Range) Next() (Entry, bool, error) {
	if r.started || r.cur.moves != r.moves {
		var err error
		if r.reverse {
			_, err = r.cur.Prev()
		} else {
			_, err = r.cur.Next()
		}
		if err != nil {
			return Entry{}, false, err
		}
	}
	r.started = true

	e, err := r.cur.Entry()
	if errors.Is(err, ErrNoCurrentElement) {
		// Parked at End or BeforeBegin. Keep it parked on the far side so
		// repeated calls stay exhausted.
		if r.reverse {
			r.cur.MoveToBegin()
		} else {
			r.cur.MoveToEnd()
		}
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// All drains the range.
func (r *Range) All() ([]Entry, error) {
	var out []Entry
	for {
		e, ok, err := r.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}
