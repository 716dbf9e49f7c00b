package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/identity"
)

// GetUsage returns the tenant's current usage and the row version for a
// subsequent CAS reserve or release. A missing row reads as zero usage at
// version 0.
func (s *Store) GetUsage(ctx context.Context, tenantID string) (identity.Usage, int, error) {
	var (
		u       identity.Usage
		version int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT cpu, memory_gb, storage_gb, version FROM quota_usage WHERE tenant_id = $1`,
		tenantID,
	).Scan(&u.CPU, &u.MemoryGB, &u.StorageGB, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Usage{}, 0, nil
		}
		return identity.Usage{}, 0, fmt.Errorf("get usage %s: %w", tenantID, err)
	}
	return u, version, nil
}

func (s *Store) ReserveQuota(ctx context.Context, tenantID string, delta identity.Usage, expectedVersion int) error {
	return s.adjustQuota(ctx, tenantID, delta, expectedVersion, 1)
}

func (s *Store) ReleaseQuota(ctx context.Context, tenantID string, delta identity.Usage, expectedVersion int) error {
	return s.adjustQuota(ctx, tenantID, delta, expectedVersion, -1)
}

func (s *Store) adjustQuota(ctx context.Context, tenantID string, delta identity.Usage, expectedVersion, sign int) error {
	if expectedVersion == 0 && sign > 0 {
		// First reservation creates the row; a unique violation means
		// another writer got there first.
		_, err := s.pool.Exec(ctx,
			`INSERT INTO quota_usage (tenant_id, cpu, memory_gb, storage_gb, version, updated_at)
			 VALUES ($1, $2, $3, $4, 1, NOW())`,
			tenantID, delta.CPU, delta.MemoryGB, delta.StorageGB)
		if err != nil {
			return fmt.Errorf("reserve quota %s: %w", tenantID, domain.ErrConflict)
		}
		return nil
	}

	f := float64(sign)
	tag, err := s.pool.Exec(ctx,
		`UPDATE quota_usage
		 SET cpu = GREATEST(cpu + $1, 0),
		     memory_gb = GREATEST(memory_gb + $2, 0),
		     storage_gb = GREATEST(storage_gb + $3, 0),
		     version = version + 1, updated_at = NOW()
		 WHERE tenant_id = $4 AND version = $5`,
		delta.CPU*f, delta.MemoryGB*f, delta.StorageGB*f, tenantID, expectedVersion)
	if err != nil {
		return fmt.Errorf("adjust quota %s: %w", tenantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjust quota %s version %d: %w", tenantID, expectedVersion, domain.ErrConflict)
	}
	return nil
}
