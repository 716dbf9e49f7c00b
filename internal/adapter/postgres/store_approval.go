package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/approval"
)

func (s *Store) CreateApproval(ctx context.Context, req *approval.Request) error {
	reserved, err := json.Marshal(req.Reserved)
	if err != nil {
		return fmt.Errorf("marshal reserved quota: %w", err)
	}
	approvers, err := json.Marshal(req.RequiredApprovers)
	if err != nil {
		return fmt.Errorf("marshal required approvers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO approvals (id, session_id, tenant_id, requested_by, action, reason, status, reserved, required_approvers, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, req.SessionID, req.TenantID, req.RequestedBy, req.Action,
		req.Reason, req.Status, reserved, approvers, req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	var (
		req       approval.Request
		reserved  []byte
		approvers []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, tenant_id, requested_by, action, reason, status, reserved, required_approvers, resolved_by, created_at, expires_at, resolved_at
		 FROM approvals WHERE id = $1`, id,
	).Scan(&req.ID, &req.SessionID, &req.TenantID, &req.RequestedBy, &req.Action,
		&req.Reason, &req.Status, &reserved, &approvers, &req.ResolvedBy, &req.CreatedAt, &req.ExpiresAt, &req.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get approval %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	if err := json.Unmarshal(reserved, &req.Reserved); err != nil {
		return nil, fmt.Errorf("unmarshal reserved quota: %w", err)
	}
	if err := json.Unmarshal(approvers, &req.RequiredApprovers); err != nil {
		return nil, fmt.Errorf("unmarshal required approvers: %w", err)
	}
	return &req, nil
}

func (s *Store) ListApprovals(ctx context.Context, status approval.Status) ([]approval.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, tenant_id, requested_by, action, reason, status, reserved, required_approvers, resolved_by, created_at, expires_at, resolved_at
		 FROM approvals WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// UpdateApproval resolves a pending request. Only pending rows are
// touchable, so a lost race surfaces as ErrConflict.
func (s *Store) UpdateApproval(ctx context.Context, req *approval.Request) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approvals SET status = $1, resolved_by = $2, resolved_at = $3
		 WHERE id = $4 AND status = 'pending'`,
		req.Status, req.ResolvedBy, req.ResolvedAt, req.ID)
	if err != nil {
		return fmt.Errorf("update approval %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetApproval(ctx, req.ID); errors.Is(getErr, domain.ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("update approval %s: %w", req.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) SweepExpiredApprovals(ctx context.Context, now time.Time) ([]approval.Request, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE approvals SET status = 'expired', resolved_at = $1
		 WHERE status = 'pending' AND expires_at < $1
		 RETURNING id, session_id, tenant_id, requested_by, action, reason, status, reserved, required_approvers, resolved_by, created_at, expires_at, resolved_at`,
		now)
	if err != nil {
		return nil, fmt.Errorf("sweep approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovals(rows)
}

func scanApprovals(rows pgx.Rows) ([]approval.Request, error) {
	var result []approval.Request
	for rows.Next() {
		var (
			req       approval.Request
			reserved  []byte
			approvers []byte
		)
		if err := rows.Scan(&req.ID, &req.SessionID, &req.TenantID, &req.RequestedBy,
			&req.Action, &req.Reason, &req.Status, &reserved, &approvers, &req.ResolvedBy,
			&req.CreatedAt, &req.ExpiresAt, &req.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if err := json.Unmarshal(reserved, &req.Reserved); err != nil {
			return nil, fmt.Errorf("unmarshal reserved quota: %w", err)
		}
		if err := json.Unmarshal(approvers, &req.RequiredApprovers); err != nil {
			return nil, fmt.Errorf("unmarshal required approvers: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}
