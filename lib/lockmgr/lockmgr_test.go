package lockmgr

import (
	"testing"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db/engines/maple"
	dbtesting "github.com/ValentinKolb/kvcore/lib/db/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (ILockManager, *dbtesting.Clock) {
	t.Helper()
	clock := dbtesting.NewClock()
	database, err := maple.NewMapleDB(&maple.DBOptions{NumShards: 4, GCInterval: -1, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewLockManager(database), clock
}

func TestAcquireAndRelease(t *testing.T) {
	locks, _ := newManager(t)

	ok, owner, err := locks.AcquireLock("res", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, owner)

	ok, other, err := locks.AcquireLock("res", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, other)

	released, err := locks.ReleaseLock("res", "someone-else")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = locks.ReleaseLock("res", owner)
	require.NoError(t, err)
	assert.True(t, released)

	ok, _, err = locks.AcquireLock("res", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOwnerIDsAreUnique(t *testing.T) {
	locks, _ := newManager(t)

	_, a, err := locks.AcquireLock("a", time.Minute)
	require.NoError(t, err)
	_, b, err := locks.AcquireLock("b", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLockExpiresAndRenews(t *testing.T) {
	locks, clock := newManager(t)

	_, owner, err := locks.AcquireLock("res", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(8 * time.Second)
	ok, err := locks.RenewLock("res", owner, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(8 * time.Second)
	ok, _, err = locks.AcquireLock("res", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "renewed lock must still be held")

	clock.Advance(3 * time.Second)
	ok, err = locks.RenewLock("res", owner, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "expired lock cannot be renewed")

	ok, _, err = locks.AcquireLock("res", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRenewForeignLock(t *testing.T) {
	locks, _ := newManager(t)

	_, _, err := locks.AcquireLock("res", time.Minute)
	require.NoError(t, err)
	ok, err := locks.RenewLock("res", "intruder", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseMissingLock(t *testing.T) {
	locks, _ := newManager(t)

	released, err := locks.ReleaseLock("never-locked", "owner")
	require.NoError(t, err)
	assert.True(t, released)
}
