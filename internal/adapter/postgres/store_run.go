package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/workflow"
)

func (s *Store) CreateRun(ctx context.Context, r *workflow.Run) error {
	steps, err := json.Marshal(r.StepStatuses)
	if err != nil {
		return fmt.Errorf("marshal step statuses: %w", err)
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_runs
		   (id, session_id, tenant_id, template_id, status, current_step_index,
		    step_statuses, retries_used, params, last_error, cancel_requested, version, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.SessionID, r.TenantID, r.TemplateID, r.Status, r.CurrentStepIndex,
		steps, r.RetriesUsed, params, r.LastError, r.CancelRequested, r.Version, r.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx,
		`SELECT id, session_id, tenant_id, template_id, status, current_step_index,
		        step_statuses, retries_used, params, last_error, cancel_requested,
		        version, started_at, completed_at
		 FROM workflow_runs WHERE id = $1`, id), id)
}

// GetActiveRunBySession returns the single non-terminal run for the session,
// or ErrNotFound when none exists.
func (s *Store) GetActiveRunBySession(ctx context.Context, sessionID string) (*workflow.Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx,
		`SELECT id, session_id, tenant_id, template_id, status, current_step_index,
		        step_statuses, retries_used, params, last_error, cancel_requested,
		        version, started_at, completed_at
		 FROM workflow_runs
		 WHERE session_id = $1
		   AND status NOT IN ('succeeded', 'failed', 'rolled_back', 'cancelled')
		 ORDER BY started_at DESC LIMIT 1`, sessionID), sessionID)
}

// ListActiveRuns returns every non-terminal run, oldest first, so a restarted
// process can resume them from their checkpoints.
func (s *Store) ListActiveRuns(ctx context.Context) ([]workflow.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, tenant_id, template_id, status, current_step_index,
		        step_statuses, retries_used, params, last_error, cancel_requested,
		        version, started_at, completed_at
		 FROM workflow_runs
		 WHERE status NOT IN ('succeeded', 'failed', 'rolled_back', 'cancelled')
		 ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var out []workflow.Run
	for rows.Next() {
		var (
			r      workflow.Run
			steps  []byte
			params []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.TenantID, &r.TemplateID, &r.Status,
			&r.CurrentStepIndex, &steps, &r.RetriesUsed, &params, &r.LastError,
			&r.CancelRequested, &r.Version, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan active run: %w", err)
		}
		if err := json.Unmarshal(steps, &r.StepStatuses); err != nil {
			return nil, fmt.Errorf("unmarshal step statuses: %w", err)
		}
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return nil, fmt.Errorf("unmarshal run params: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return out, nil
}

func (s *Store) scanRun(row pgx.Row, key string) (*workflow.Run, error) {
	var (
		r      workflow.Run
		steps  []byte
		params []byte
	)
	err := row.Scan(&r.ID, &r.SessionID, &r.TenantID, &r.TemplateID, &r.Status,
		&r.CurrentStepIndex, &steps, &r.RetriesUsed, &params, &r.LastError,
		&r.CancelRequested, &r.Version, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", key, err)
	}
	if err := json.Unmarshal(steps, &r.StepStatuses); err != nil {
		return nil, fmt.Errorf("unmarshal step statuses: %w", err)
	}
	if err := json.Unmarshal(params, &r.Params); err != nil {
		return nil, fmt.Errorf("unmarshal run params: %w", err)
	}
	return &r, nil
}

// UpdateRun persists the full run state under CAS. Every step checkpoint
// goes through here.
func (s *Store) UpdateRun(ctx context.Context, r *workflow.Run, expectedVersion int) error {
	steps, err := json.Marshal(r.StepStatuses)
	if err != nil {
		return fmt.Errorf("marshal step statuses: %w", err)
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $1, current_step_index = $2, step_statuses = $3,
		     retries_used = $4, params = $5, last_error = $6,
		     cancel_requested = $7, completed_at = $8, version = version + 1
		 WHERE id = $9 AND version = $10`,
		r.Status, r.CurrentStepIndex, steps, r.RetriesUsed, params, r.LastError,
		r.CancelRequested, r.CompletedAt, r.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s version %d: %w", r.ID, expectedVersion, domain.ErrConflict)
	}
	r.Version = expectedVersion + 1
	return nil
}
