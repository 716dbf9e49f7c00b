package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/session"
)

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	params, err := json.Marshal(sess.Params)
	if err != nil {
		return fmt.Errorf("marshal session params: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, tenant_id, current_step, params, status, version, ttl_seconds, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.UserID, sess.TenantID, sess.CurrentStep, params, sess.Status,
		sess.Version, int64(sess.TTL/time.Second), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess       session.Session
		params     []byte
		ttlSeconds int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, tenant_id, current_step, params, status, version, ttl_seconds, created_at, updated_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.TenantID, &sess.CurrentStep, &params,
		&sess.Status, &sess.Version, &ttlSeconds, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.TTL = time.Duration(ttlSeconds) * time.Second
	if err := json.Unmarshal(params, &sess.Params); err != nil {
		return nil, fmt.Errorf("unmarshal session params: %w", err)
	}
	return &sess, nil
}

// UpdateSession compare-and-swaps on version: the write applies only when
// the stored row still holds expectedVersion.
func (s *Store) UpdateSession(ctx context.Context, sess *session.Session, expectedVersion int) error {
	params, err := json.Marshal(sess.Params)
	if err != nil {
		return fmt.Errorf("marshal session params: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET current_step = $1, params = $2, status = $3, tenant_id = $4,
		     version = version + 1, updated_at = $5
		 WHERE id = $6 AND version = $7`,
		sess.CurrentStep, params, sess.Status, sess.TenantID, sess.UpdatedAt,
		sess.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetSession(ctx, sess.ID); errors.Is(getErr, domain.ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("update session %s version %d: %w", sess.ID, expectedVersion, domain.ErrConflict)
	}
	sess.Version = expectedVersion + 1
	return nil
}

func (s *Store) SweepExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE sessions
		 SET status = 'expired', version = version + 1, updated_at = $1
		 WHERE status = 'active'
		   AND created_at + ttl_seconds * interval '1 second' < $1
		 RETURNING id`, now)
	if err != nil {
		return nil, fmt.Errorf("sweep sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
