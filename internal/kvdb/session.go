package kvdb

import (
	"log/slog"

	"kvram/internal/kv"
	"kvram/internal/resource"

	"github.com/google/uuid"
)

// Handle names a cursor within one session.
type Handle uint32

type undoKind int

const (
	undoCreate undoKind = iota
	undoResize
	undoErase
)

// record is one journaled mutation together with the charge it caused.
type record struct {
	kind    undoKind
	owner   resource.Owner
	key     []byte
	value   []byte // previous value for undoResize and undoErase
	version uint64 // slot version for undoErase
	delta   int64
}

// Session is one logical interaction with the Database. Every mutation and
// its charge go into the session journal; a failing call undoes its own
// records and Rollback undoes all of them. A Session is not safe for
// concurrent use.
type Session struct {
	id      uuid.UUID
	db      *Database
	account string
	log     *slog.Logger

	journal []record
	cursors map[Handle]*kv.Cursor
	next    Handle
	done    bool
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Account returns the owner account the session writes as.
func (s *Session) Account() string {
	return s.account
}

// CheckDatabase is the lifetime check: it fails with ErrInvalidDatabase when
// id is not a supported database.
func (s *Session) CheckDatabase(id DatabaseID) error {
	return s.do("lifetime", id, func(resource.Owner) error { return nil })
}

// Get returns the value stored at key. A missing key is reported through ok,
// not as an error.
func (s *Session) Get(id DatabaseID, key []byte) (value []byte, ok bool, err error) {
	err = s.do("get", id, func(owner resource.Owner) error {
		if sc := s.db.scope(owner, false); sc != nil {
			value, ok = sc.Get(key)
		}
		return nil
	})
	return value, ok, err
}

// Set creates or overwrites key and charges the size change.
func (s *Session) Set(id DatabaseID, key, value []byte) error {
	return s.do("set", id, func(owner resource.Owner) error {
		return s.set(owner, key, value)
	})
}

// SetMany applies entries in order. The first failure stops the call and
// undoes the entries already written by it.
func (s *Session) SetMany(id DatabaseID, entries []kv.Entry) error {
	return s.do("setmany", id, func(owner resource.Owner) error {
		for i, e := range entries {
			if err := s.set(owner, e.Key, e.Value); err != nil {
				s.log.Debug("setmany aborted", "index", i, "of", len(entries))
				return err
			}
		}
		return nil
	})
}

// Erase removes key and refunds its charge. Erasing an absent key does
// nothing and charges nothing.
func (s *Session) Erase(id DatabaseID, key []byte) error {
	return s.do("erase", id, func(owner resource.Owner) error {
		sc := s.db.scope(owner, false)
		if sc == nil {
			return nil
		}
		old, ok := sc.Get(key)
		if !ok {
			return nil
		}
		version, _ := sc.Version(key)
		sc.Erase(key)
		s.charge(record{
			kind:    undoErase,
			owner:   owner,
			key:     append([]byte{}, key...),
			value:   old,
			version: version,
			delta:   s.db.usage.DestroyDelta(len(key), len(old)),
		})
		return nil
	})
}

// Scan opens an ascending range over keys with prefix starting at lower
// (nil for none). The range's cursor is registered under the returned handle
// and is closed when the handle is released or the session ends.
func (s *Session) Scan(id DatabaseID, prefix, lower []byte) (Handle, *kv.Range, error) {
	return s.scan("scan", id, prefix, lower, false)
}

// ScanRev opens a descending range; see kv.Scope.ScanRev.
func (s *Session) ScanRev(id DatabaseID, prefix, lower []byte) (Handle, *kv.Range, error) {
	return s.scan("scanrev", id, prefix, lower, true)
}

func (s *Session) scan(op string, id DatabaseID, prefix, lower []byte, reverse bool) (Handle, *kv.Range, error) {
	var (
		h Handle
		r *kv.Range
	)
	err := s.do(op, id, func(owner resource.Owner) error {
		if len(prefix) > s.db.limits.MaxKeySize || len(lower) > s.db.limits.MaxKeySize {
			return ErrKeyTooLarge
		}
		if len(s.cursors) >= s.db.limits.MaxIterators {
			return ErrTooManyIterators
		}
		sc := s.db.scope(owner, true)
		if reverse {
			r = sc.ScanRev(prefix, lower)
		} else {
			r = sc.Scan(prefix, lower)
		}
		s.next++
		h = s.next
		s.cursors[h] = r.Cursor()
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return h, r, nil
}

// Cursor returns the cursor registered under h.
func (s *Session) Cursor(h Handle) (*kv.Cursor, error) {
	if s.done {
		return nil, ErrSessionClosed
	}
	c, ok := s.cursors[h]
	if !ok {
		return nil, ErrBadIterator
	}
	return c, nil
}

// CursorStatus reports the state of cursor h without changing it.
func (s *Session) CursorStatus(h Handle) (kv.Status, error) {
	c, err := s.Cursor(h)
	if err != nil {
		return 0, err
	}
	return c.Status(), nil
}

// CheckCursor is the liveness check: it fails with ErrStaleIterator when the
// entry under cursor h has been erased.
func (s *Session) CheckCursor(h Handle) error {
	st, err := s.CursorStatus(h)
	if err != nil {
		return err
	}
	if st == kv.StatusErased {
		return ErrStaleIterator
	}
	return nil
}

// CloseCursor releases cursor h.
func (s *Session) CloseCursor(h Handle) error {
	if _, err := s.Cursor(h); err != nil {
		return err
	}
	s.cursors[h].Close()
	delete(s.cursors, h)
	return nil
}

// Usage returns the session account's usage in database id.
func (s *Session) Usage(id DatabaseID) int64 {
	return s.db.Usage(id, s.account)
}

// Commit keeps every change made by the session and ends it.
func (s *Session) Commit() error {
	if s.done {
		return ErrSessionClosed
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.log.Debug("session committed", "mutations", len(s.journal))
	s.finish()
	return nil
}

// Rollback undoes every change made by the session, charges included, and
// ends it.
func (s *Session) Rollback() error {
	if s.done {
		return ErrSessionClosed
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := len(s.journal)
	s.undo(0)
	s.log.Debug("session rolled back", "mutations", n)
	s.finish()
	return nil
}

// do runs one facade call under the database lock. A call that fails leaves
// no journal records, store changes or charges behind.
func (s *Session) do(op string, id DatabaseID, fn func(owner resource.Owner) error) error {
	if s.done {
		return ErrSessionClosed
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := s.db.CheckDatabase(id); err != nil {
		s.log.Warn("call rejected", "op", op, "db", string(id), "err", err)
		return err
	}
	mark := len(s.journal)
	if err := fn(resource.Owner{Database: string(id), Account: s.account}); err != nil {
		s.undo(mark)
		s.log.Warn("call failed", "op", op, "db", string(id), "err", err)
		return err
	}
	s.log.Debug("call", "op", op, "db", string(id))
	return nil
}

func (s *Session) set(owner resource.Owner, key, value []byte) error {
	if len(key) > s.db.limits.MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > s.db.limits.MaxValueSize {
		return ErrValueTooLarge
	}
	sc := s.db.scope(owner, true)
	acct := s.db.usage
	if old, ok := sc.Get(key); ok {
		sc.Set(key, value)
		s.charge(record{
			kind:  undoResize,
			owner: owner,
			key:   append([]byte{}, key...),
			value: old,
			delta: acct.ResizeDelta(len(old), len(value)),
		})
		return nil
	}
	sc.Set(key, value)
	s.charge(record{
		kind:  undoCreate,
		owner: owner,
		key:   append([]byte{}, key...),
		delta: acct.CreateDelta(len(key), len(value)),
	})
	return nil
}

// charge bills rec.delta and journals rec so both can be undone together.
func (s *Session) charge(rec record) {
	s.db.usage.Charge(rec.owner, rec.delta)
	s.journal = append(s.journal, rec)
}

// undo reverts journal records back to mark, newest first.
func (s *Session) undo(mark int) {
	for i := len(s.journal) - 1; i >= mark; i-- {
		rec := s.journal[i]
		sc := s.db.scope(rec.owner, true)
		switch rec.kind {
		case undoCreate:
			sc.Erase(rec.key)
		case undoResize:
			sc.Set(rec.key, rec.value)
		case undoErase:
			sc.Restore(rec.key, rec.value, rec.version)
		}
		s.db.usage.Charge(rec.owner, -rec.delta)
	}
	s.journal = s.journal[:mark]
}

func (s *Session) finish() {
	for _, c := range s.cursors {
		c.Close()
	}
	s.done = true
	s.journal = nil
	s.cursors = nil
	s.db.active = nil
}
