package kvdb

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"testing"

	"kvram/internal/config"
	"kvram/internal/kv"
	"kvram/internal/logging"
	"kvram/internal/resource"

	"github.com/stretchr/testify/require"
)

const account = "kvtest"

func h(s string) []byte {
	if s == "" {
		return []byte{}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func newDB(t *testing.T) *Database {
	t.Helper()
	return New(config.Defaults().Store)
}

func begin(t *testing.T, db *Database) *Session {
	t.Helper()
	s, err := db.Begin(account)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !s.done {
			_ = s.Commit()
		}
	})
	return s
}

func requireGet(t *testing.T, s *Session, key string, want []byte) {
	t.Helper()
	v, ok, err := s.Get(RAM, h(key))
	require.NoError(t, err)
	if want == nil {
		require.False(t, ok, "key %q should be absent", key)
		return
	}
	require.True(t, ok, "key %q should be present", key)
	require.True(t, bytes.Equal(want, v), "key %q = %x, want %x", key, v, want)
}

func collect(t *testing.T, r *kv.Range) []kv.Entry {
	t.Helper()
	out, err := r.All()
	require.NoError(t, err)
	return out
}

func seedScanFixture(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.SetMany(RAM, []kv.Entry{
		{Key: h(""), Value: h("12")},
		{Key: h("22"), Value: h("")},
		{Key: h("2211"), Value: h("34")},
		{Key: h("2233"), Value: h("18")},
		{Key: h("44"), Value: h("76")},
		{Key: h("4400"), Value: h("112233")},
		{Key: h("4401"), Value: h("332211")},
		{Key: h("4402"), Value: h("7804")},
	}))
}

func keysOf(entries []kv.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = hex.EncodeToString(e.Key)
	}
	return out
}

func TestLifetimeCheck(t *testing.T) {
	db := newDB(t)
	s := begin(t, db)

	require.ErrorIs(t, s.CheckDatabase("oops"), ErrInvalidDatabase)
	require.EqualError(t, s.CheckDatabase("oops"), "Bad key-value database ID")
	require.NoError(t, s.CheckDatabase(RAM))
}

func TestInvalidDatabaseHasNoEffect(t *testing.T) {
	db := newDB(t)
	s := begin(t, db)

	require.ErrorIs(t, s.Set("oops", h("01"), h("02")), ErrInvalidDatabase)
	_, _, err := s.Get("oops", h("01"))
	require.ErrorIs(t, err, ErrInvalidDatabase)
	_, _, err = s.Scan("oops", nil, nil)
	require.ErrorIs(t, err, ErrInvalidDatabase)
	require.Zero(t, db.Usage("oops", account))
	requireGet(t, s, "01", nil)
}

func TestBasic(t *testing.T) {
	db := newDB(t)
	s := begin(t, db)

	requireGet(t, s, "", nil)
	require.NoError(t, s.Set(RAM, h(""), h("")))
	requireGet(t, s, "", h(""))
	require.NoError(t, s.Set(RAM, h(""), h("1234")))
	requireGet(t, s, "", h("1234"))
	requireGet(t, s, "00", nil)
	require.NoError(t, s.Set(RAM, h("00"), h("aabbccdd")))
	requireGet(t, s, "00", h("aabbccdd"))
	requireGet(t, s, "02", nil)
	require.NoError(t, s.Erase(RAM, h("02")))
	requireGet(t, s, "02", nil)
	require.NoError(t, s.Set(RAM, h("02"), h("42")))
	requireGet(t, s, "02", h("42"))
	requireGet(t, s, "01020304", nil)
	require.NoError(t, s.Set(RAM, h("01020304"), h("aabbccddee")))
	require.NoError(t, s.Erase(RAM, h("02")))

	requireGet(t, s, "01020304", h("aabbccddee"))
	requireGet(t, s, "", h("1234"))
	requireGet(t, s, "00", h("aabbccdd"))
	requireGet(t, s, "02", nil)
}

func TestScopesAreIsolated(t *testing.T) {
	cfg := config.Defaults().Store
	cfg.Databases = append(cfg.Databases, "eosio.kvdisk")
	db := New(cfg)

	s := begin(t, db)
	require.NoError(t, s.Set(RAM, h("01"), h("aa")))
	require.NoError(t, s.Commit())

	other, err := db.Begin("alice")
	require.NoError(t, err)
	_, ok, err := other.Get(RAM, h("01"))
	require.NoError(t, err)
	require.False(t, ok, "alice must not see kvtest's entry")
	_, ok, err = other.Get("eosio.kvdisk", h("01"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, other.Commit())
}

func TestScanThroughFacade(t *testing.T) {
	db := newDB(t)
	s := begin(t, db)
	seedScanFixture(t, s)

	tests := []struct {
		name    string
		reverse bool
		prefix  []byte
		lower   []byte
		want    []string
	}{
		{"all", false, h(""), nil, []string{"", "22", "2211", "2233", "44", "4400", "4401", "4402"}},
		{"prefix 22", false, h("22"), nil, []string{"22", "2211", "2233"}},
		{"prefix 33", false, h("33"), nil, []string{}},
		{"lower resolves into other group", false, h("44"), h("223300"), []string{"44", "4400", "4401", "4402"}},
		{"lower resolves outside prefix", false, h("44"), h("2233"), []string{}},
		{"rev all", true, h(""), nil, []string{"4402", "4401", "4400", "44", "2233", "2211", "22", ""}},
		{"rev lower 44", true, h(""), h("44"), []string{"44", "2233", "2211", "22", ""}},
		{"rev prefix 22 lower 2234", true, h("22"), h("2234"), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				r   *kv.Range
				err error
			)
			if tt.reverse {
				_, r, err = s.ScanRev(RAM, tt.prefix, tt.lower)
			} else {
				_, r, err = s.Scan(RAM, tt.prefix, tt.lower)
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, keysOf(collect(t, r)))
		})
	}
}

func TestRAMUsage(t *testing.T) {
	db := newDB(t)
	s := begin(t, db)
	base := s.Usage(RAM)

	requireGet(t, s, "11", nil)
	require.Equal(t, base, s.Usage(RAM))
	require.NoError(t, s.Set(RAM, h("11"), h("")))
	require.Equal(t, base+112+1, s.Usage(RAM))
	require.NoError(t, s.Set(RAM, h("11"), h("1234")))
	require.Equal(t, base+112+1+2, s.Usage(RAM))
	require.NoError(t, s.Set(RAM, h("11"), h("12")))
	require.Equal(t, base+112+1+1, s.Usage(RAM))
	require.NoError(t, s.Set(RAM, h("11"), h("34")))
	require.Equal(t, base+112+1+1, s.Usage(RAM), "same-length overwrite charges zero")
	require.NoError(t, s.Erase(RAM, h("11")))
	require.Equal(t, base, s.Usage(RAM))
	require.NoError(t, s.Erase(RAM, h("11")))
	require.Equal(t, base, s.Usage(RAM), "erase of an absent key charges nothing")
}

func TestSizeLimits(t *testing.T) {
	cfg := config.Defaults().Store
	cfg.MaxKeySize = 4
	cfg.MaxValueSize = 2
	db := New(cfg)
	s := begin(t, db)

	require.ErrorIs(t, s.Set(RAM, h("0102030405"), h("")), ErrKeyTooLarge)
	require.ErrorIs(t, s.Set(RAM, h("01"), h("010203")), ErrValueTooLarge)
	require.NoError(t, s.Set(RAM, h("01020304"), h("0102")))
	_, _, err := s.Scan(RAM, h("0102030405"), nil)
	require.ErrorIs(t, err, ErrKeyTooLarge)
}

func TestSetManyAbortUndoesCall(t *testing.T) {
	cfg := config.Defaults().Store
	cfg.MaxValueSize = 2
	db := New(cfg)
	s := begin(t, db)

	require.NoError(t, s.Set(RAM, h("01"), h("aa")))
	before := s.Usage(RAM)

	err := s.SetMany(RAM, []kv.Entry{
		{Key: h("01"), Value: h("bbbb")},
		{Key: h("02"), Value: h("cc")},
		{Key: h("03"), Value: h("dddddd")},
		{Key: h("04"), Value: h("ee")},
	})
	require.ErrorIs(t, err, ErrValueTooLarge)

	requireGet(t, s, "01", h("aa"))
	requireGet(t, s, "02", nil)
	requireGet(t, s, "03", nil)
	requireGet(t, s, "04", nil)
	require.Equal(t, before, s.Usage(RAM))
}

func TestRollbackRestoresEntriesAndUsage(t *testing.T) {
	db := newDB(t)
	s := begin(t, db)
	require.NoError(t, s.Set(RAM, h("01"), h("aa")))
	require.NoError(t, s.Set(RAM, h("02"), h("bb")))
	require.NoError(t, s.Commit())
	committed := db.Usage(RAM, account)

	s2, err := db.Begin(account)
	require.NoError(t, err)
	require.NoError(t, s2.Set(RAM, h("01"), h("aaaaaa")))
	require.NoError(t, s2.Erase(RAM, h("02")))
	require.NoError(t, s2.Set(RAM, h("03"), h("cc")))
	require.NotEqual(t, committed, s2.Usage(RAM))
	require.NoError(t, s2.Rollback())

	require.Equal(t, committed, db.Usage(RAM, account))
	s3 := begin(t, db)
	requireGet(t, s3, "01", h("aa"))
	requireGet(t, s3, "02", h("bb"))
	requireGet(t, s3, "03", nil)
}

func TestSessionLifecycle(t *testing.T) {
	db := newDB(t)
	s := begin(t, db)

	_, err := db.Begin("alice")
	require.ErrorIs(t, err, ErrSessionActive)
	require.ErrorIs(t, db.Scopes(nil), ErrSessionActive)

	require.NoError(t, s.Commit())
	require.ErrorIs(t, s.Commit(), ErrSessionClosed)
	require.ErrorIs(t, s.Rollback(), ErrSessionClosed)
	require.ErrorIs(t, s.Set(RAM, h("01"), nil), ErrSessionClosed)
	_, err = s.Cursor(1)
	require.ErrorIs(t, err, ErrSessionClosed)

	s2, err := db.Begin("alice")
	require.NoError(t, err)
	require.NotEqual(t, s.ID(), s2.ID())
	require.Equal(t, "alice", s2.Account())
	require.NoError(t, s2.Rollback())
}

func TestCursorHandles(t *testing.T) {
	cfg := config.Defaults().Store
	cfg.MaxIterators = 2
	db := New(cfg)
	s := begin(t, db)

	h1, _, err := s.Scan(RAM, nil, nil)
	require.NoError(t, err)
	h2, _, err := s.ScanRev(RAM, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	_, _, err = s.Scan(RAM, nil, nil)
	require.ErrorIs(t, err, ErrTooManyIterators)

	require.NoError(t, s.CloseCursor(h1))
	require.ErrorIs(t, s.CloseCursor(h1), ErrBadIterator)
	_, err = s.CursorStatus(h1)
	require.ErrorIs(t, err, ErrBadIterator)

	_, _, err = s.Scan(RAM, nil, nil)
	require.NoError(t, err)
}

// TestIteratorToErasedElement walks the patterns exercised against a cursor
// parked on key 22: operations on the cursor after 22 is erased must fail,
// while re-seeking or erasing after the cursor moved away must not.
func TestIteratorToErasedElement(t *testing.T) {
	failing := map[string]func(c *kv.Cursor) error{
		"key":   func(c *kv.Cursor) error { _, err := c.Key(); return err },
		"value": func(c *kv.Cursor) error { _, err := c.Value(); return err },
		"next":  func(c *kv.Cursor) error { _, err := c.Next(); return err },
		"prev":  func(c *kv.Cursor) error { _, err := c.Prev(); return err },
		"compare": func(c *kv.Cursor) error {
			other := c
			_, err := c.Compare(other)
			return err
		},
	}

	for _, reinsert := range []bool{false, true} {
		for name, op := range failing {
			if reinsert {
				name += " after reinsert"
			}
			t.Run(name, func(t *testing.T) {
				db := newDB(t)
				s := begin(t, db)
				require.NoError(t, s.Set(RAM, h("22"), h("12")))

				hd, r, err := s.Scan(RAM, nil, h("22"))
				require.NoError(t, err)
				e, ok, err := r.Next()
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, h("22"), e.Key)

				require.NoError(t, s.Erase(RAM, h("22")))
				if reinsert {
					require.NoError(t, s.Set(RAM, h("22"), h("12")))
				}

				st, err := s.CursorStatus(hd)
				require.NoError(t, err)
				require.Equal(t, kv.StatusErased, st)
				require.EqualError(t, s.CheckCursor(hd), "Iterator to erased element")

				c, err := s.Cursor(hd)
				require.NoError(t, err)
				require.ErrorIs(t, op(c), ErrStaleIterator)
			})
		}
	}

	t.Run("reseek recovers", func(t *testing.T) {
		db := newDB(t)
		s := begin(t, db)
		require.NoError(t, s.Set(RAM, h("22"), h("12")))
		hd, _, err := s.Scan(RAM, nil, h("22"))
		require.NoError(t, err)
		require.NoError(t, s.Erase(RAM, h("22")))
		require.NoError(t, s.Set(RAM, h("22"), h("12")))

		c, _ := s.Cursor(hd)
		require.Equal(t, kv.StatusPositioned, c.SeekGE(h("22")))
		require.NoError(t, s.CheckCursor(hd))
	})

	t.Run("moved away before erase", func(t *testing.T) {
		db := newDB(t)
		s := begin(t, db)
		require.NoError(t, s.SetMany(RAM, []kv.Entry{
			{Key: h("22"), Value: h("12")},
			{Key: h("23"), Value: h("13")},
		}))
		hd, r, err := s.Scan(RAM, nil, h("22"))
		require.NoError(t, err)
		_, _, err = r.Next()
		require.NoError(t, err)
		_, _, err = r.Next() // now on 23
		require.NoError(t, err)
		require.NoError(t, s.Erase(RAM, h("22")))
		require.NoError(t, s.CheckCursor(hd))
	})

	t.Run("rollback restores entry and closes cursor", func(t *testing.T) {
		db := newDB(t)
		s := begin(t, db)
		require.NoError(t, s.Set(RAM, h("22"), h("12")))
		require.NoError(t, s.Commit())

		s2, err := db.Begin(account)
		require.NoError(t, err)
		_, r, err := s2.Scan(RAM, nil, nil)
		require.NoError(t, err)
		require.NoError(t, s2.Erase(RAM, h("22")))
		require.Equal(t, kv.StatusErased, r.Cursor().Status())
		require.NoError(t, s2.Rollback())
		require.Equal(t, kv.StatusClosed, r.Cursor().Status())

		s3 := begin(t, db)
		_, r3, err := s3.Scan(RAM, nil, nil)
		require.NoError(t, err)
		e, ok, err := r3.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, h("22"), e.Key)
	})
}

func TestCursorsClosedWhenSessionEnds(t *testing.T) {
	for _, end := range []struct {
		name string
		fn   func(*Session) error
	}{
		{"commit", (*Session).Commit},
		{"rollback", (*Session).Rollback},
	} {
		t.Run(end.name, func(t *testing.T) {
			db := newDB(t)
			s := begin(t, db)
			require.NoError(t, s.SetMany(RAM, []kv.Entry{
				{Key: h("01"), Value: h("aa")},
				{Key: h("02"), Value: h("bb")},
			}))
			hd, r, err := s.Scan(RAM, nil, nil)
			require.NoError(t, err)
			_, rev, err := s.ScanRev(RAM, nil, nil)
			require.NoError(t, err)
			_, ok, err := r.Next()
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, end.fn(s))

			_, ok, err = r.Next()
			require.ErrorIs(t, err, ErrCursorClosed)
			require.False(t, ok)
			_, _, err = rev.Next()
			require.ErrorIs(t, err, ErrCursorClosed)
			_, err = r.Cursor().Key()
			require.ErrorIs(t, err, ErrCursorClosed)
			_, err = s.CursorStatus(hd)
			require.ErrorIs(t, err, ErrSessionClosed)

			// A later session may write the scope the old cursors pointed into.
			s2 := begin(t, db)
			require.NoError(t, s2.Set(RAM, h("03"), h("cc")))
			require.Equal(t, kv.StatusClosed, r.Cursor().Status())
		})
	}
}

func TestCloseCursorClosesRange(t *testing.T) {
	db := newDB(t)
	s := begin(t, db)
	require.NoError(t, s.Set(RAM, h("01"), h("aa")))
	hd, r, err := s.Scan(RAM, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.CloseCursor(hd))
	_, _, err = r.Next()
	require.ErrorIs(t, err, ErrCursorClosed)
	require.ErrorIs(t, s.CloseCursor(hd), ErrBadIterator)
}

func TestFailedCallLogsWarning(t *testing.T) {
	c := logging.CaptureForTest()
	defer c.Restore()

	db := newDB(t)
	s := begin(t, db)
	require.Error(t, s.Set("oops", h("01"), nil))
	require.True(t, c.Has(slog.LevelWarn, "call rejected"))
	v, ok := c.Attr(slog.LevelWarn, "call rejected", "session")
	require.True(t, ok)
	require.Equal(t, s.ID().String(), v.String())
}

func TestImportAndScopes(t *testing.T) {
	db := newDB(t)
	mine := resource.Owner{Database: string(RAM), Account: account}

	require.ErrorIs(t, db.Import(resource.Owner{Database: "nope", Account: account}, h("01"), nil), ErrInvalidDatabase)
	require.NoError(t, db.Import(mine, h("02"), h("bb")))
	require.NoError(t, db.Import(mine, h("01"), h("aa")))
	require.NoError(t, db.Import(resource.Owner{Database: string(RAM), Account: "alice"}, h("09"), nil))
	require.Zero(t, db.Usage(RAM, account), "import does not charge")

	var seen []string
	require.NoError(t, db.Scopes(func(o resource.Owner, sc *kv.Scope) error {
		seen = append(seen, o.String())
		return nil
	}))
	require.Equal(t, []string{"eosio.kvram/alice", "eosio.kvram/kvtest"}, seen)
	require.Equal(t, []DatabaseID{RAM}, db.Databases())

	s := begin(t, db)
	require.ErrorIs(t, db.Import(mine, h("03"), nil), ErrSessionActive)
	requireGet(t, s, "01", h("aa"))
}
