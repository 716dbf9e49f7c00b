// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/suhlabs/provisioner/internal/domain/approval"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/domain/session"
	"github.com/suhlabs/provisioner/internal/domain/tenant"
	"github.com/suhlabs/provisioner/internal/domain/workflow"
)

// Store is the port interface for database operations.
//
// Every mutation that carries an expectedVersion is compare-and-swap: the
// update applies only when the stored row still holds that version, and the
// row's version is bumped atomically. A stale version yields ErrConflict.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	// UpdateSession persists step, params and status under CAS.
	UpdateSession(ctx context.Context, s *session.Session, expectedVersion int) error
	// SweepExpiredSessions marks every active session older than its TTL as
	// expired and returns the IDs it touched.
	SweepExpiredSessions(ctx context.Context, now time.Time) ([]string, error)

	// Workflow runs
	CreateRun(ctx context.Context, r *workflow.Run) error
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	GetActiveRunBySession(ctx context.Context, sessionID string) (*workflow.Run, error)
	// UpdateRun persists the full run state under CAS. Checkpoints after
	// every step land through this method.
	UpdateRun(ctx context.Context, r *workflow.Run, expectedVersion int) error
	// ListActiveRuns returns every run that has not reached a terminal
	// status, for resuming after a process restart.
	ListActiveRuns(ctx context.Context) ([]workflow.Run, error)

	// Approvals
	CreateApproval(ctx context.Context, req *approval.Request) error
	GetApproval(ctx context.Context, id string) (*approval.Request, error)
	ListApprovals(ctx context.Context, status approval.Status) ([]approval.Request, error)
	UpdateApproval(ctx context.Context, req *approval.Request) error
	// SweepExpiredApprovals expires pending requests past their window and
	// returns the expired records for follow-up (quota release, notify).
	SweepExpiredApprovals(ctx context.Context, now time.Time) ([]approval.Request, error)

	// Quota ledger
	GetUsage(ctx context.Context, tenantID string) (identity.Usage, int, error)
	// ReserveQuota adds delta to the tenant's usage row under CAS.
	ReserveQuota(ctx context.Context, tenantID string, delta identity.Usage, expectedVersion int) error
	// ReleaseQuota subtracts delta from the tenant's usage row under CAS.
	ReleaseQuota(ctx context.Context, tenantID string, delta identity.Usage, expectedVersion int) error

	// Tenants
	CreateTenant(ctx context.Context, t *tenant.Tenant) error
	GetTenant(ctx context.Context, id string) (*tenant.Tenant, error)
	GetTenantByDomain(ctx context.Context, domain string) (*tenant.Tenant, error)
	DeleteTenant(ctx context.Context, id string) error
}
