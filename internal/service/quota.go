package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/port/database"
)

// quotaCASAttempts bounds the reserve/release retry loop under contention.
const quotaCASAttempts = 10

// Quota maintains the per-tenant usage ledger. Reservations and releases
// are compare-and-swap against the store; lost races are re-read and
// retried so concurrent writers serialize without double counting.
type Quota struct {
	store  database.Store
	logger *slog.Logger
}

// NewQuota creates the quota ledger service.
func NewQuota(store database.Store, logger *slog.Logger) *Quota {
	return &Quota{store: store, logger: logger}
}

// Reserve adds delta to the tenant's usage, failing with ErrQuotaExceeded
// when the reservation would push any resource over its ceiling.
func (q *Quota) Reserve(ctx context.Context, tenantID string, delta identity.Usage, ceiling identity.Quota) error {
	for attempt := 0; attempt < quotaCASAttempts; attempt++ {
		current, version, err := q.store.GetUsage(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("quota reserve read: %w", err)
		}
		if exceeded, what := quotaExceeded(current, delta, ceiling); exceeded {
			return fmt.Errorf("tenant %s %s: %w", tenantID, what, domain.ErrQuotaExceeded)
		}
		err = q.store.ReserveQuota(ctx, tenantID, delta, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("quota reserve: %w", err)
		}
		// Lost the race; re-read and try again.
	}
	return fmt.Errorf("quota reserve tenant %s: contention: %w", tenantID, domain.ErrConflict)
}

// Release subtracts delta from the tenant's usage. Releases never fail on
// ceilings; the store floors each resource at zero.
func (q *Quota) Release(ctx context.Context, tenantID string, delta identity.Usage) error {
	for attempt := 0; attempt < quotaCASAttempts; attempt++ {
		_, version, err := q.store.GetUsage(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("quota release read: %w", err)
		}
		if version == 0 {
			// Nothing ever reserved.
			return nil
		}
		err = q.store.ReleaseQuota(ctx, tenantID, delta, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("quota release: %w", err)
		}
	}
	return fmt.Errorf("quota release tenant %s: contention: %w", tenantID, domain.ErrConflict)
}
