package lockmgr

import (
	"errors"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	"github.com/ValentinKolb/kvcore/lib/kv"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("lockmgr")

type lockMgrImpl struct {
	db db.KVDB
}

// NewLockManager returns a lock manager that keeps its locks as leases in database.
func NewLockManager(database db.KVDB) ILockManager {
	return &lockMgrImpl{
		db: database,
	}
}

func (lm *lockMgrImpl) AcquireLock(key string, ttl time.Duration) (bool, string, error) {
	ownerID := uuid.NewString()

	// Lock is atomic: only one owner can hold a valid lease on key
	ok, err := lm.db.Lock(key, ownerID, ttl)
	if err != nil {
		log.Warningf("acquire lock %q failed: %v", key, err)
		return false, "", err
	}
	if !ok {
		return false, "", nil
	}
	return true, ownerID, nil
}

func (lm *lockMgrImpl) RenewLock(key, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := lm.db.ExtendLock(key, ownerID, ttl)
	if errors.Is(err, kv.ErrNotOwner) {
		return false, nil
	}
	return ok, err
}

func (lm *lockMgrImpl) ReleaseLock(key, ownerID string) (bool, error) {
	_, err := lm.db.Unlock(key, ownerID)
	if errors.Is(err, kv.ErrNotOwner) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// a missing lease (never acquired or already expired) counts as released
	return true, nil
}
