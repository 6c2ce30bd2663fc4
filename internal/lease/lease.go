// Package lease implements advisory run leases on backup policies. A lease
// prevents the periodic scheduler and a manual trigger from firing the same
// policy concurrently. Leases are advisory: they guard dispatch, not the
// runs themselves, and expire on their own so a crashed holder never wedges
// a policy permanently.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/db"
)

// DefaultTTL bounds how long a holder may sit on a lease before another
// process may steal it.
const DefaultTTL = 2 * time.Minute

// Manager acquires and releases run leases for a single process. All
// managers in one process share the same owner identity, so re-acquiring a
// lease the process already holds succeeds (the lease is reentrant).
type Manager struct {
	db    *gorm.DB
	owner string
	ttl   time.Duration
}

// NewManager returns a lease manager with a process-unique owner identity.
func NewManager(database *gorm.DB) *Manager {
	return &Manager{
		db:    database,
		owner: ownerIdentity(),
		ttl:   DefaultTTL,
	}
}

func ownerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// math-free fallback, pid alone still distinguishes local processes
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(buf))
}

// Owner returns the manager's owner identity. Useful in logs.
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire attempts to take the run lease on a policy. It succeeds when the
// policy has no lease, the existing lease has expired, or this process
// already holds it. Returns false without error when another live holder
// owns the lease.
func (m *Manager) Acquire(ctx context.Context, policyID uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(m.ttl)

	res := m.db.WithContext(ctx).
		Model(&db.BackupPolicy{}).
		Where("id = ? AND (run_lease_until IS NULL OR run_lease_until < ? OR run_lease_owner = ?)",
			policyID, now, m.owner).
		Updates(map[string]interface{}{
			"run_lease_until": until,
			"run_lease_owner": m.owner,
		})
	if res.Error != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", policyID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release drops the lease if this process still holds it. Releasing a lease
// that expired and was taken over by someone else is a no-op.
func (m *Manager) Release(ctx context.Context, policyID uuid.UUID) error {
	res := m.db.WithContext(ctx).
		Model(&db.BackupPolicy{}).
		Where("id = ? AND run_lease_owner = ?", policyID, m.owner).
		Updates(map[string]interface{}{
			"run_lease_until": nil,
			"run_lease_owner": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("lease: release %s: %w", policyID, res.Error)
	}
	return nil
}
