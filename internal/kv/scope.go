package kv

import (
	"bytes"

	"github.com/google/btree"
)

// btreeDegree is the fan-out of the per-scope B-tree.
const btreeDegree = 32

// Entry is a key-value pair returned by lookups and scans.
// Both slices are copies owned by the caller.
type Entry struct {
	Key   []byte
	Value []byte
}

// slot is a stored entry. The version is assigned when the slot is created
// and survives value overwrites; an erase followed by a re-insert yields a
// new slot with a new version.
type slot struct {
	key     []byte
	value   []byte
	version uint64
}

func slotLess(a, b *slot) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Scope is the ordered key space of one (database, owner) pair.
// Keys are ordered by unsigned byte-wise comparison; the empty key sorts first.
// A Scope is not safe for concurrent use.
type Scope struct {
	tree    *btree.BTreeG[*slot]
	version uint64
	bytes   int64
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{tree: btree.NewG(btreeDegree, slotLess)}
}

// Len returns the number of entries.
func (s *Scope) Len() int {
	return s.tree.Len()
}

// Bytes returns the sum of key and value lengths over all entries.
func (s *Scope) Bytes() int64 {
	return s.bytes
}

// Get returns a copy of the value stored at key.
func (s *Scope) Get(key []byte) ([]byte, bool) {
	sl, ok := s.lookup(key)
	if !ok {
		return nil, false
	}
	return clone(sl.value), true
}

// Set inserts or overwrites key. It returns the length of the value it
// replaced and whether the key already existed.
func (s *Scope) Set(key, value []byte) (prevLen int, existed bool) {
	if sl, ok := s.lookup(key); ok {
		prevLen = len(sl.value)
		sl.value = clone(value)
		s.bytes += int64(len(value) - prevLen)
		return prevLen, true
	}
	s.version++
	s.insert(key, value, s.version)
	return 0, false
}

// Erase removes key. It returns the length of the removed value and whether
// the key existed; erasing an absent key changes nothing.
func (s *Scope) Erase(key []byte) (prevLen int, existed bool) {
	sl, ok := s.tree.Delete(&slot{key: key})
	if !ok {
		return 0, false
	}
	s.bytes -= int64(len(sl.key) + len(sl.value))
	return len(sl.value), true
}

// Version returns the version of the slot holding key.
func (s *Scope) Version(key []byte) (uint64, bool) {
	sl, ok := s.lookup(key)
	if !ok {
		return 0, false
	}
	return sl.version, true
}

// Restore re-inserts an entry under a version previously returned by
// Version. It is the undo path for Erase: cursors that observed the original
// slot see it as live again. The version counter is never rewound.
func (s *Scope) Restore(key, value []byte, version uint64) {
	if _, existed := s.Erase(key); existed {
		logger.Warn("restore replaced a live entry", "key_len", len(key))
	}
	s.insert(key, value, version)
	if version > s.version {
		s.version = version
	}
}

// Ascend calls fn for every entry in key order until fn returns false.
func (s *Scope) Ascend(fn func(e Entry) bool) {
	s.tree.Ascend(func(sl *slot) bool {
		return fn(Entry{Key: clone(sl.key), Value: clone(sl.value)})
	})
}

func (s *Scope) insert(key, value []byte, version uint64) {
	s.tree.ReplaceOrInsert(&slot{key: clone(key), value: clone(value), version: version})
	s.bytes += int64(len(key) + len(value))
}

func (s *Scope) lookup(key []byte) (*slot, bool) {
	return s.tree.Get(&slot{key: key})
}

// seekGE returns the first slot whose key is >= key.
func (s *Scope) seekGE(key []byte) (found *slot, ok bool) {
	s.tree.AscendGreaterOrEqual(&slot{key: key}, func(sl *slot) bool {
		found, ok = sl, true
		return false
	})
	return found, ok
}

// after returns the first slot whose key is > key.
func (s *Scope) after(key []byte) (found *slot, ok bool) {
	s.tree.AscendGreaterOrEqual(&slot{key: key}, func(sl *slot) bool {
		if bytes.Equal(sl.key, key) {
			return true
		}
		found, ok = sl, true
		return false
	})
	return found, ok
}

// before returns the last slot whose key is < key.
func (s *Scope) before(key []byte) (found *slot, ok bool) {
	s.tree.DescendLessOrEqual(&slot{key: key}, func(sl *slot) bool {
		if bytes.Equal(sl.key, key) {
			return true
		}
		found, ok = sl, true
		return false
	})
	return found, ok
}

func (s *Scope) last() (*slot, bool) {
	return s.tree.Max()
}

// clone copies b into a non-nil slice, so an empty value stays distinct
// from an absent one.
func clone(b []byte) []byte {
	return append([]byte{}, b...)
}
