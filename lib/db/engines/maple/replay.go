package maple

import (
	"fmt"

	"github.com/ValentinKolb/kvcore/lib/kv"
)

// --------------------------------------------------------------------------
// Recovery Operations
// --------------------------------------------------------------------------

// The methods in this file restore state without reporting to the persister.
// They are meant to be called by recovery before the database is shared.

// Import stores a snapshot record as is, even if it has expired since the
// snapshot was taken. Later WAL operations are evaluated at their own
// timestamps and must see the entry; Load and Sweep drop it afterwards.
func (maple *DB) Import(rec kv.Record) {
	shard := maple.shardFor(rec.Key)
	shard.Lock()
	defer shard.Unlock()
	shard.Store(rec.Key, rec.Entry.Clone())
}

// SetPosition advances the sequence counter to next if it is behind.
func (maple *DB) SetPosition(next uint64) {
	for {
		curr := maple.seq.Load()
		if next <= curr {
			return
		}
		if maple.seq.CompareAndSwap(curr, next) {
			return
		}
	}
}

// Apply re-applies a logged operation. Conditions are evaluated at the time
// the op was originally applied (op.Timestamp). Ops are only logged after they
// succeeded, so SetNX and the lease operations are applied unconditionally.
// The sequence counter is advanced past op.Seq.
func (maple *DB) Apply(op *kv.Op) error {
	if maple.closed.Load() {
		return kv.ErrClosed
	}
	maple.SetPosition(op.Seq + 1)
	now := op.Timestamp

	switch op.Type {
	case kv.OpSet, kv.OpSetNX:
		shard := maple.shardFor(op.Key)
		shard.Lock()
		setValue(shard, op.Key, op.Value, op.TTL, now)
		shard.Unlock()

	case kv.OpDelete:
		shard := maple.shardFor(op.Key)
		shard.Lock()
		shard.Remove(op.Key)
		shard.Unlock()

	case kv.OpIncr, kv.OpDecr:
		shard := maple.shardFor(op.Key)
		shard.Lock()
		_, err := applyDelta(shard, op.Type, op.Key, op.Delta, now)
		shard.Unlock()
		if err != nil {
			return fmt.Errorf("replay %s: %w", op, err)
		}

	case kv.OpMSet:
		for _, p := range op.Pairs {
			shard := maple.shardFor(p.Key)
			shard.Lock()
			setValue(shard, p.Key, p.Value, op.TTL, now)
			shard.Unlock()
		}

	case kv.OpMDel:
		for _, k := range op.Keys {
			shard := maple.shardFor(k)
			shard.Lock()
			shard.Remove(k)
			shard.Unlock()
		}

	case kv.OpLock, kv.OpExtendLock:
		shard := maple.shardFor(op.Key)
		shard.Lock()
		e, _ := shard.Load(op.Key, now)
		e.Lease = &kv.Lease{Owner: op.Owner, ExpiresAt: now.Add(op.TTL)}
		shard.Store(op.Key, e)
		shard.Unlock()

	case kv.OpUnlock:
		shard := maple.shardFor(op.Key)
		shard.Lock()
		if e, ok := shard.Load(op.Key, now); ok {
			e.Lease = nil
			shard.Store(op.Key, e)
		}
		shard.Unlock()

	default:
		return fmt.Errorf("replay: unknown op type %d", op.Type)
	}
	return nil
}
