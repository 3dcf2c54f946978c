// Package kvdb is the store facade called by the action dispatch layer.
//
// A Database holds one ordered scope per (database id, account) and the
// usage counters charged for them. Callers work through a Session, which
// represents one logical interaction: it owns the cursors opened during the
// interaction and a journal that lets a failed call, or the whole
// interaction, be undone together with its charges.
package kvdb

import (
	"errors"
	"sort"
	"sync"

	"kvram/internal/config"
	"kvram/internal/kv"
	"kvram/internal/logging"
	"kvram/internal/resource"

	"github.com/google/uuid"
)

var (
	ErrInvalidDatabase  = errors.New("Bad key-value database ID")
	ErrKeyTooLarge      = errors.New("Key too large")
	ErrValueTooLarge    = errors.New("Value too large")
	ErrTooManyIterators = errors.New("Too many iterators")
	ErrBadIterator      = errors.New("Bad key-value iterator")
	ErrSessionActive    = errors.New("another session is active")
	ErrSessionClosed    = errors.New("session already finished")

	// Cursor errors surface unchanged from the kv package.
	ErrStaleIterator    = kv.ErrStaleIterator
	ErrNoCurrentElement = kv.ErrNoCurrentElement
	ErrCursorClosed     = kv.ErrCursorClosed
)

var logger = logging.For("kvdb")

// DatabaseID selects a usage counter family.
type DatabaseID string

// RAM is the RAM-billed key-value database.
const RAM DatabaseID = "eosio.kvram"

// Database is the in-process store for every scope.
type Database struct {
	mu        sync.Mutex
	limits    config.StoreConfig
	supported map[DatabaseID]struct{}
	scopes    map[resource.Owner]*kv.Scope
	usage     *resource.Accountant
	active    *Session
}

// New creates an empty Database with the supported ids and limits from cfg.
func New(cfg config.StoreConfig) *Database {
	db := &Database{
		limits:    cfg,
		supported: make(map[DatabaseID]struct{}, len(cfg.Databases)),
		scopes:    make(map[resource.Owner]*kv.Scope),
		usage:     resource.NewAccountant(cfg.EntryOverhead),
	}
	for _, id := range cfg.Databases {
		db.supported[DatabaseID(id)] = struct{}{}
	}
	return db
}

// CheckDatabase fails with ErrInvalidDatabase when id is not configured.
func (db *Database) CheckDatabase(id DatabaseID) error {
	if _, ok := db.supported[id]; !ok {
		return ErrInvalidDatabase
	}
	return nil
}

// Databases returns the configured ids in sorted order.
func (db *Database) Databases() []DatabaseID {
	ids := make([]DatabaseID, 0, len(db.supported))
	for id := range db.supported {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Usage returns the bytes billed to account in database id.
func (db *Database) Usage(id DatabaseID, account string) int64 {
	return db.usage.Usage(resource.Owner{Database: string(id), Account: account})
}

// Accountant exposes the usage counters to collaborators.
func (db *Database) Accountant() *resource.Accountant {
	return db.usage
}

// Begin opens a session for account. Only one session may be open at a
// time; it ends with Commit or Rollback.
func (db *Database) Begin(account string) (*Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.active != nil {
		return nil, ErrSessionActive
	}
	s := &Session{
		id:      uuid.New(),
		db:      db,
		account: account,
		cursors: make(map[Handle]*kv.Cursor),
	}
	s.log = logger.With("session", s.id.String(), "account", account)
	db.active = s
	s.log.Debug("session opened")
	return s, nil
}

// Scopes calls fn for every non-empty scope, ordered by owner. It refuses to
// run while a session is open so that only committed state is visited.
func (db *Database) Scopes(fn func(owner resource.Owner, scope *kv.Scope) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.active != nil {
		return ErrSessionActive
	}
	owners := make([]resource.Owner, 0, len(db.scopes))
	for o, sc := range db.scopes {
		if sc.Len() > 0 {
			owners = append(owners, o)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })
	for _, o := range owners {
		if err := fn(o, db.scopes[o]); err != nil {
			return err
		}
	}
	return nil
}

// Import inserts an entry without charging it, for restoring checkpoints.
// Usage counters are restored separately through the Accountant.
func (db *Database) Import(owner resource.Owner, key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.active != nil {
		return ErrSessionActive
	}
	if err := db.CheckDatabase(DatabaseID(owner.Database)); err != nil {
		return err
	}
	db.scope(owner, true).Set(key, value)
	return nil
}

// scope returns the scope for owner, creating it when create is set.
// Callers hold db.mu.
func (db *Database) scope(owner resource.Owner, create bool) *kv.Scope {
	sc, ok := db.scopes[owner]
	if !ok && create {
		sc = kv.NewScope()
		db.scopes[owner] = sc
	}
	return sc
}
