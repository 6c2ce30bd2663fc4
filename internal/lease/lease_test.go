package lease

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/db/dbtest"
)

func newPolicy(t *testing.T, database *gorm.DB) *db.BackupPolicy {
	t.Helper()
	policy := &db.BackupPolicy{
		UserID:       uuid.New(),
		RepositoryID: uuid.New(),
		Name:         "nightly",
		Cron:         "0 2 * * *",
		PathsConfig:  "{}",
		Enabled:      true,
	}
	require.NoError(t, database.Create(policy).Error)
	return policy
}

func TestAcquireIsExclusive(t *testing.T) {
	database := dbtest.Open(t)
	policy := newPolicy(t, database)
	ctx := context.Background()

	first := NewManager(database)
	second := NewManager(database)
	require.NotEqual(t, first.Owner(), second.Owner())

	ok, err := first.Acquire(ctx, policy.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Acquire(ctx, policy.ID)
	require.NoError(t, err)
	require.False(t, ok, "a held lease must not be acquirable by another owner")
}

func TestAcquireIsReentrant(t *testing.T) {
	database := dbtest.Open(t)
	policy := newPolicy(t, database)
	ctx := context.Background()

	mgr := NewManager(database)
	for i := 0; i < 3; i++ {
		ok, err := mgr.Acquire(ctx, policy.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestReleaseFreesTheLease(t *testing.T) {
	database := dbtest.Open(t)
	policy := newPolicy(t, database)
	ctx := context.Background()

	first := NewManager(database)
	second := NewManager(database)

	ok, err := first.Acquire(ctx, policy.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, first.Release(ctx, policy.ID))

	ok, err = second.Acquire(ctx, policy.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpiredLeaseCanBeStolen(t *testing.T) {
	database := dbtest.Open(t)
	policy := newPolicy(t, database)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Minute)
	owner := "gone-host-1-dead"
	require.NoError(t, database.Model(&db.BackupPolicy{}).
		Where("id = ?", policy.ID).
		Updates(map[string]interface{}{
			"run_lease_until": stale,
			"run_lease_owner": owner,
		}).Error)

	mgr := NewManager(database)
	ok, err := mgr.Acquire(ctx, policy.ID)
	require.NoError(t, err)
	require.True(t, ok, "an expired lease must be acquirable")
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	database := dbtest.Open(t)
	policy := newPolicy(t, database)
	ctx := context.Background()

	first := NewManager(database)
	second := NewManager(database)

	ok, err := first.Acquire(ctx, policy.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, second.Release(ctx, policy.ID))

	ok, err = second.Acquire(ctx, policy.ID)
	require.NoError(t, err)
	require.False(t, ok, "a foreign release must not drop the lease")
}

func TestAcquireUnknownPolicy(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()

	mgr := NewManager(database)
	ok, err := mgr.Acquire(ctx, uuid.New())
	require.NoError(t, err)
	require.False(t, ok)
}
