// Package checkpoint exports the committed contents of a kvdb.Database to a
// bucketed store and imports them back on startup.
//
// Layout:
//
//	meta                     "version" -> format version
//	usage                    owner name -> owner record
//	scope/<owner name>       0x01 -> owner record, 0x00+key -> value
//
// An owner name is "<len(db)>:<db>/<account>". The length prefix keeps ids
// and accounts that contain "/" apart. Load reads owners from the records,
// never from the names. Entry keys carry a one byte tag so the empty key can
// be stored.
package checkpoint

import (
	"bytes"
	"errors"
	"fmt"

	"kvram/internal/kv"
	"kvram/internal/kvdb"
	"kvram/internal/logging"
	"kvram/internal/resource"
	"kvram/internal/store"
)

// Version is the checkpoint format written by Save.
const Version = 1

var ErrUnsupportedVersion = errors.New("unsupported checkpoint version")

var (
	metaBucket   = []byte("meta")
	usageBucket  = []byte("usage")
	scopePrefix  = []byte("scope/")
	versionKey   = []byte("version")
	ownerKey     = []byte{0x01}
	entryTag     = byte(0x00)
	versionValue = []byte{Version}
)

var logger = logging.For("checkpoint")

// Stats summarises a Save or Load.
type Stats struct {
	Scopes  int
	Entries int
	Owners  int
}

// Save writes every non-empty scope and every usage counter of db to st,
// replacing what a previous Save left there. It fails with
// kvdb.ErrSessionActive while a session is open.
func Save(st store.Store, db *kvdb.Database) (Stats, error) {
	var stats Stats
	written := make(map[string]bool)

	err := db.Scopes(func(owner resource.Owner, sc *kv.Scope) error {
		name := scopeBucket(owner)
		rec := ownerRecord{Owner: owner, Usage: db.Accountant().Usage(owner), Entries: uint64(sc.Len())}
		err := st.ReplaceBucket(name, func(put func(k, v []byte) error) error {
			if err := put(ownerKey, rec.marshal()); err != nil {
				return err
			}
			var putErr error
			sc.Ascend(func(e kv.Entry) bool {
				putErr = put(entryKey(e.Key), e.Value)
				return putErr == nil
			})
			return putErr
		})
		if err != nil {
			return fmt.Errorf("writing scope %s: %w", owner, err)
		}
		written[string(name)] = true
		stats.Scopes++
		stats.Entries += sc.Len()
		return nil
	})
	if err != nil {
		return stats, err
	}

	existing, err := st.Buckets(scopePrefix)
	if err != nil {
		return stats, fmt.Errorf("listing scopes: %w", err)
	}
	for _, name := range existing {
		if written[string(name)] {
			continue
		}
		if err := st.DropBucket(name); err != nil {
			return stats, fmt.Errorf("dropping stale scope %q: %w", name, err)
		}
		logger.Debug("dropped stale scope", "bucket", string(name))
	}

	acct := db.Accountant()
	owners := acct.Owners()
	err = st.ReplaceBucket(usageBucket, func(put func(k, v []byte) error) error {
		for _, o := range owners {
			rec := ownerRecord{Owner: o, Usage: acct.Usage(o)}
			if err := put([]byte(ownerName(o)), rec.marshal()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("writing usage: %w", err)
	}
	stats.Owners = len(owners)

	if err := st.Set(metaBucket, versionKey, versionValue); err != nil {
		return stats, fmt.Errorf("writing version: %w", err)
	}
	logger.Info("checkpoint saved", "scopes", stats.Scopes, "entries", stats.Entries, "owners", stats.Owners)
	return stats, nil
}

// Load imports a checkpoint written by Save into db, which should be empty.
// Scopes of databases db does not support are skipped. Usage counters are
// restored as recorded; a counter that disagrees with the entries actually
// loaded is logged.
func Load(st store.Store, db *kvdb.Database) (Stats, error) {
	var stats Stats

	v, err := st.Get(metaBucket, versionKey)
	if err != nil {
		return stats, fmt.Errorf("reading version: %w", err)
	}
	if v == nil {
		logger.Debug("no checkpoint found")
		return stats, nil
	}
	if !bytes.Equal(v, versionValue) {
		return stats, fmt.Errorf("%w: %x", ErrUnsupportedVersion, v)
	}

	names, err := st.Buckets(scopePrefix)
	if err != nil {
		return stats, fmt.Errorf("listing scopes: %w", err)
	}
	acct := db.Accountant()
	recomputed := make(map[resource.Owner]int64)
	for _, name := range names {
		n, cost, owner, err := loadScope(st, db, name)
		if errors.Is(err, kvdb.ErrInvalidDatabase) {
			logger.Warn("skipping scope of unsupported database", "bucket", string(name))
			continue
		}
		if err != nil {
			return stats, err
		}
		recomputed[owner] += cost
		stats.Scopes++
		stats.Entries += n
	}

	err = st.ForEach(usageBucket, func(key, value []byte) error {
		rec, err := unmarshalOwnerRecord(value)
		if err != nil {
			logger.Warn("skipping corrupt usage record", "key", string(key), "err", err)
			return nil
		}
		if db.CheckDatabase(kvdb.DatabaseID(rec.Owner.Database)) != nil {
			return nil
		}
		acct.Restore(rec.Owner, rec.Usage)
		if want := recomputed[rec.Owner]; want != rec.Usage {
			logger.Warn("recorded usage differs from entries",
				"owner", rec.Owner.String(), "recorded", rec.Usage, "entries", want)
		}
		delete(recomputed, rec.Owner)
		stats.Owners++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("reading usage: %w", err)
	}
	for owner, cost := range recomputed {
		logger.Warn("scope has no usage record", "owner", owner.String(), "entries_cost", cost)
		acct.Restore(owner, cost)
		stats.Owners++
	}

	logger.Info("checkpoint loaded", "scopes", stats.Scopes, "entries", stats.Entries, "owners", stats.Owners)
	return stats, nil
}

// loadScope imports one scope bucket and returns the number of entries and
// what they cost.
func loadScope(st store.Store, db *kvdb.Database, name []byte) (int, int64, resource.Owner, error) {
	raw, err := st.Get(name, ownerKey)
	if err != nil {
		return 0, 0, resource.Owner{}, fmt.Errorf("reading owner of %q: %w", name, err)
	}
	rec, err := unmarshalOwnerRecord(raw)
	if err != nil {
		return 0, 0, resource.Owner{}, fmt.Errorf("decoding owner of %q: %w", name, err)
	}
	if err := db.CheckDatabase(kvdb.DatabaseID(rec.Owner.Database)); err != nil {
		return 0, 0, rec.Owner, err
	}

	var (
		n    int
		cost int64
	)
	acct := db.Accountant()
	err = st.ForEach(name, func(k, v []byte) error {
		if len(k) == 0 || k[0] != entryTag {
			return nil
		}
		key := k[1:]
		if err := db.Import(rec.Owner, key, v); err != nil {
			return err
		}
		n++
		cost += acct.EntryCost(len(key), len(v))
		return nil
	})
	if err != nil {
		return 0, 0, rec.Owner, fmt.Errorf("importing %s: %w", rec.Owner, err)
	}
	if uint64(n) != rec.Entries {
		logger.Warn("scope entry count differs from record",
			"owner", rec.Owner.String(), "recorded", rec.Entries, "loaded", n)
	}
	return n, cost, rec.Owner, nil
}

func scopeBucket(owner resource.Owner) []byte {
	name := append([]byte{}, scopePrefix...)
	return append(name, ownerName(owner)...)
}

func entryKey(key []byte) []byte {
	k := make([]byte, 0, len(key)+1)
	k = append(k, entryTag)
	return append(k, key...)
}
