package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/session"
	"github.com/suhlabs/provisioner/internal/port/database"
)

// Sessions owns the conversational session lifecycle. Each session has a
// process-local mutex serializing its transitions; the store's CAS version
// is the cross-process backstop.
type Sessions struct {
	store  database.Store
	cfg    config.Session
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessions creates the session service.
func NewSessions(store database.Store, cfg config.Session, logger *slog.Logger) *Sessions {
	return &Sessions{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Create opens a new session for the user at the welcome step.
func (s *Sessions) Create(ctx context.Context, userID string) (*session.Session, error) {
	now := s.now()
	sess := &session.Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		CurrentStep: session.StepWelcome,
		Params:      map[string]string{},
		Status:      session.StatusActive,
		Version:     1,
		TTL:         s.cfg.TTL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session, surfacing expiry lazily: an active session past
// its TTL reads back as expired even before the sweeper touches it.
func (s *Sessions) Get(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		sess.Status = session.StatusExpired
	}
	return sess, nil
}

// Mutate runs fn against the current session state under the session's
// mutex, then persists with CAS. fn returns the target step; any params
// mutation it made on the session is saved with it.
//
// The lock serializes concurrent turns on one session so transitions apply
// in some serial order; the edge table rejects whatever order would skip a
// step. Network calls never happen under this lock.
func (s *Sessions) Mutate(ctx context.Context, id string, fn func(*session.Session) (session.Step, error)) (*session.Session, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) || sess.Status == session.StatusExpired {
		return nil, fmt.Errorf("session %s expired: %w", id, domain.ErrConflict)
	}
	if sess.Status == session.StatusCompleted {
		return nil, fmt.Errorf("session %s completed: %w", id, domain.ErrConflict)
	}

	from := sess.CurrentStep
	to, err := fn(sess)
	if err != nil {
		return nil, err
	}

	if to != from {
		if err := session.ValidateTransition(from, to); err != nil {
			return nil, err
		}
		sess.CurrentStep = to
	}
	if to == session.StepComplete {
		sess.Status = session.StatusCompleted
	}
	sess.UpdatedAt = s.now()

	if err := s.store.UpdateSession(ctx, sess, sess.Version); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Sessions) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// StartSweeper expires idle sessions on an interval until ctx is done.
func (s *Sessions) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := s.store.SweepExpiredSessions(ctx, s.now())
			if err != nil {
				s.logger.Error("session sweep failed", "error", err)
				continue
			}
			if len(ids) > 0 {
				s.logger.Info("sessions expired", "count", len(ids))
				s.releaseLocks(ids)
			}
		}
	}
}

func (s *Sessions) releaseLocks(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.locks, id)
	}
}
