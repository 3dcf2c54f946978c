// Package resource tracks billable storage usage per owner.
package resource

import (
	"sort"
	"sync"

	"kvram/internal/logging"
)

// DefaultEntryOverhead is the per-entry bookkeeping cost charged on top of
// the key and value bytes.
const DefaultEntryOverhead = 112

var logger = logging.For("resource")

// Owner identifies a usage counter: one account within one database family.
type Owner struct {
	Database string
	Account  string
}

func (o Owner) String() string {
	return o.Database + "/" + o.Account
}

// Accountant holds usage counters. Deltas are computed from byte lengths
// only; value contents never matter. It is safe for concurrent use so that
// collaborators can read usage while a session is running.
type Accountant struct {
	mu       sync.RWMutex
	overhead int64
	usage    map[Owner]int64
}

// NewAccountant creates an accountant charging overhead bytes per entry.
func NewAccountant(overhead int64) *Accountant {
	return &Accountant{
		overhead: overhead,
		usage:    make(map[Owner]int64),
	}
}

// Overhead returns the fixed per-entry charge.
func (a *Accountant) Overhead() int64 {
	return a.overhead
}

// EntryCost is the full charge for an entry of the given sizes.
func (a *Accountant) EntryCost(keyLen, valueLen int) int64 {
	return a.overhead + int64(keyLen) + int64(valueLen)
}

// CreateDelta is the charge for creating a new entry.
func (a *Accountant) CreateDelta(keyLen, valueLen int) int64 {
	return a.EntryCost(keyLen, valueLen)
}

// ResizeDelta is the charge for overwriting a value; the key and the
// overhead are already paid for.
func (a *Accountant) ResizeDelta(oldLen, newLen int) int64 {
	return int64(newLen) - int64(oldLen)
}

// DestroyDelta is the refund for erasing an entry.
func (a *Accountant) DestroyDelta(keyLen, valueLen int) int64 {
	return -a.EntryCost(keyLen, valueLen)
}

// Charge applies delta to owner's usage and returns the new total.
func (a *Accountant) Charge(owner Owner, delta int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.usage[owner] + delta
	if total < 0 {
		logger.Warn("usage dropped below zero", "owner", owner.String(), "delta", delta, "usage", total)
	}
	a.usage[owner] = total
	return total
}

// Usage returns owner's current usage in bytes.
func (a *Accountant) Usage(owner Owner) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usage[owner]
}

// Restore overwrites owner's usage, e.g. when importing a checkpoint.
func (a *Accountant) Restore(owner Owner, usage int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage[owner] = usage
}

// Owners lists every owner that has been charged, sorted by database then
// account.
func (a *Accountant) Owners() []Owner {
	a.mu.RLock()
	owners := make([]Owner, 0, len(a.usage))
	for o := range a.usage {
		owners = append(owners, o)
	}
	a.mu.RUnlock()

	sort.Slice(owners, func(i, j int) bool {
		if owners[i].Database != owners[j].Database {
			return owners[i].Database < owners[j].Database
		}
		return owners[i].Account < owners[j].Account
	})
	return owners
}
