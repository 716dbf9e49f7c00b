package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/suhlabs/provisioner/internal/adapter/memory"
	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/session"
)

func testSessions(t *testing.T) *Sessions {
	t.Helper()
	return NewSessions(memory.NewStore(), config.Session{
		TTL:           30 * time.Minute,
		SweepInterval: time.Minute,
	}, discard())
}

func TestSessionCreateStartsAtWelcome(t *testing.T) {
	s := testSessions(t)
	sess, err := s.Create(context.Background(), "suh")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.CurrentStep != session.StepWelcome {
		t.Errorf("step = %q, want welcome", sess.CurrentStep)
	}
	if sess.Status != session.StatusActive {
		t.Errorf("status = %q, want active", sess.Status)
	}
}

func TestSessionMutateRejectsIllegalEdge(t *testing.T) {
	s := testSessions(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "suh")

	_, err := s.Mutate(ctx, sess.ID, func(*session.Session) (session.Step, error) {
		return session.StepProvisioning, nil
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestSessionConcurrentTurnsSerialize(t *testing.T) {
	s := testSessions(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "suh")

	// Many goroutines race to advance welcome -> collect_family_name. The
	// per-session lock serializes them; exactly one wins, the rest see the
	// already-advanced step and fail the edge check.
	const racers = 10
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, sess.ID, func(cur *session.Session) (session.Step, error) {
				if cur.CurrentStep != session.StepWelcome {
					return "", domain.ErrConflict
				}
				return session.StepCollectFamilyName, nil
			})
			if err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	if n != 1 {
		t.Errorf("%d transitions succeeded, want exactly 1", n)
	}

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentStep != session.StepCollectFamilyName {
		t.Errorf("step = %q, want collect_family_name", got.CurrentStep)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestSessionExpiresLazily(t *testing.T) {
	s := testSessions(t)
	ctx := context.Background()
	sess, _ := s.Create(ctx, "suh")

	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != session.StatusExpired {
		t.Errorf("status = %q, want expired past TTL", got.Status)
	}

	_, err = s.Mutate(ctx, sess.ID, func(*session.Session) (session.Step, error) {
		return session.StepCollectFamilyName, nil
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("mutate on expired session err = %v, want ErrConflict", err)
	}
}

func TestSessionSweepMarksExpired(t *testing.T) {
	store := memory.NewStore()
	s := NewSessions(store, config.Session{TTL: time.Minute, SweepInterval: time.Minute}, discard())
	ctx := context.Background()
	sess, _ := s.Create(ctx, "suh")

	ids, err := store.SweepExpiredSessions(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != sess.ID {
		t.Errorf("swept %v, want [%s]", ids, sess.ID)
	}
}
