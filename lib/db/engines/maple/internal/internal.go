package internal

import (
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db/util"
	"github.com/ValentinKolb/kvcore/lib/kv"
)

// --------------------------------------------------------------------------
// Shard Type (partition of the database)
// --------------------------------------------------------------------------

// Shard represents a partition of the database.
// Each shard has its own lock, map and expiry heap. All fields must only be
// accessed while holding the lock.
type Shard struct {
	sync.Mutex
	Data   map[string]kv.Entry   // key -> entry, may contain entries that died but were not collected yet
	Expiry *util.MapHeap[string] // key -> instant (unix nanos) after which the entry is dead
}

// NewShard creates a new, empty shard
func NewShard() *Shard {
	return &Shard{
		Data:   make(map[string]kv.Entry),
		Expiry: util.NewMapHeap[string](),
	}
}

// Load returns the view of key at now: an expired value is cleared and an
// expired lease is dropped. If nothing is left the entry is removed and
// ok is false.
//
// Thread-safety: The caller must hold the shard lock.
func (s *Shard) Load(key string, now time.Time) (kv.Entry, bool) {
	e, ok := s.Data[key]
	if !ok {
		return kv.Entry{}, false
	}
	if !e.HasValue(now) {
		e.Value = kv.Value{}
		e.ExpiresAt = time.Time{}
	}
	if !e.LeaseValid(now) {
		e.Lease = nil
	}
	if e.Value.IsZero() && e.Lease == nil {
		s.Remove(key)
		return kv.Entry{}, false
	}
	return e, true
}

// Store writes the entry and updates the expiry heap.
//
// Thread-safety: The caller must hold the shard lock.
func (s *Shard) Store(key string, e kv.Entry) {
	if e.Value.IsZero() && e.Lease == nil {
		s.Remove(key)
		return
	}
	s.Data[key] = e
	if dead, ok := e.DeadAt(); ok {
		s.Expiry.AddItem(key, dead.UnixNano())
	} else {
		s.Expiry.RemoveByKey(key)
	}
}

// Remove deletes key from the map and the expiry heap.
//
// Thread-safety: The caller must hold the shard lock.
func (s *Shard) Remove(key string) {
	delete(s.Data, key)
	s.Expiry.RemoveByKey(key)
}

// Sweep removes every entry that is dead at now and returns how many were removed.
//
// Thread-safety: The caller must hold the shard lock.
func (s *Shard) Sweep(now time.Time) int {
	removed := 0
	deadline := now.UnixNano()
	for {
		it, ok := s.Expiry.Peek()
		if !ok || it.Priority > deadline {
			return removed
		}
		key := it.Key
		s.Expiry.RemoveByKey(key)

		// double-check, the entry could have been updated without its deadline moving past now
		if e, exists := s.Data[key]; exists {
			if e.Live(now) {
				s.Store(key, e)
				continue
			}
			delete(s.Data, key)
			removed++
		}
	}
}

// LiveCount returns the number of entries that are live at now.
//
// Thread-safety: The caller must hold the shard lock.
func (s *Shard) LiveCount(now time.Time) int {
	if it, ok := s.Expiry.Peek(); !ok || it.Priority > now.UnixNano() {
		return len(s.Data)
	}
	n := 0
	for _, e := range s.Data {
		if e.Live(now) {
			n++
		}
	}
	return n
}

// Reset removes every entry and returns the keys that were stored, sorted.
//
// Thread-safety: The caller must hold the shard lock.
func (s *Shard) Reset() []string {
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	clear(s.Data)
	s.Expiry.Reset()
	return keys
}

// Records returns deep copies of all entries that are live at now.
//
// Thread-safety: The caller must hold the shard lock.
func (s *Shard) Records(now time.Time) []kv.Record {
	records := make([]kv.Record, 0, len(s.Data))
	for k, e := range s.Data {
		if !e.Live(now) {
			continue
		}
		records = append(records, kv.Record{Key: k, Entry: e.Clone()})
	}
	return records
}

// --------------------------------------------------------------------------
// Shard Selection
// --------------------------------------------------------------------------

// GetShard returns the shard for a given key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](key string, shards []*T) *T {
	return shards[util.ShardIndex(key, len(shards))]
}

// LockOrder returns the distinct shard indices of keys in ascending order.
// Multi-key operations lock shards in this order and release in reverse.
func LockOrder(keys []string, numShards int) []int {
	seen := make(map[int]struct{}, len(keys))
	order := make([]int, 0, len(keys))
	for _, k := range keys {
		idx := util.ShardIndex(k, numShards)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		order = append(order, idx)
	}
	sort.Ints(order)
	return order
}
