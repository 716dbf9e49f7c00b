// Package memory provides an in-memory database.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/approval"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/domain/session"
	"github.com/suhlabs/provisioner/internal/domain/tenant"
	"github.com/suhlabs/provisioner/internal/domain/workflow"
)

type usageRow struct {
	usage   identity.Usage
	version int
}

// Store implements database.Store with maps guarded by a single mutex.
// CAS semantics match the Postgres adapter: stale versions fail with
// ErrConflict, successful writes bump the version.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]session.Session
	runs      map[string]workflow.Run
	approvals map[string]approval.Request
	usage     map[string]usageRow
	tenants   map[string]tenant.Tenant
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]session.Session),
		runs:      make(map[string]workflow.Run),
		approvals: make(map[string]approval.Request),
		usage:     make(map[string]usageRow),
		tenants:   make(map[string]tenant.Tenant),
	}
}

// --- Sessions ---

func (s *Store) CreateSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("create session %s: %w", sess.ID, domain.ErrConflict)
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
	}
	out := cloneSession(&sess)
	return &out, nil
}

func (s *Store) UpdateSession(_ context.Context, sess *session.Session, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return fmt.Errorf("update session %s: %w", sess.ID, domain.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("update session %s version %d: %w", sess.ID, expectedVersion, domain.ErrConflict)
	}
	next := cloneSession(sess)
	next.Version = expectedVersion + 1
	s.sessions[sess.ID] = next
	sess.Version = next.Version
	return nil
}

func (s *Store) SweepExpiredSessions(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			sess.Status = session.StatusExpired
			sess.Version++
			sess.UpdatedAt = now
			s.sessions[id] = sess
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- Workflow runs ---

func (s *Store) CreateRun(_ context.Context, r *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("create run %s: %w", r.ID, domain.ErrConflict)
	}
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
	}
	out := cloneRun(&r)
	return &out, nil
}

func (s *Store) GetActiveRunBySession(_ context.Context, sessionID string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *workflow.Run
	for _, r := range s.runs {
		if r.SessionID != sessionID || r.Status.Terminal() {
			continue
		}
		if found == nil || r.StartedAt.After(found.StartedAt) {
			cp := cloneRun(&r)
			found = &cp
		}
	}
	if found == nil {
		return nil, fmt.Errorf("active run for session %s: %w", sessionID, domain.ErrNotFound)
	}
	return found, nil
}

func (s *Store) UpdateRun(_ context.Context, r *workflow.Run, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("update run %s: %w", r.ID, domain.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("update run %s version %d: %w", r.ID, expectedVersion, domain.ErrConflict)
	}
	next := cloneRun(r)
	next.Version = expectedVersion + 1
	s.runs[r.ID] = next
	r.Version = next.Version
	return nil
}

func (s *Store) ListActiveRuns(_ context.Context) ([]workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []workflow.Run
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			out = append(out, cloneRun(&r))
		}
	}
	return out, nil
}

// --- Approvals ---

func (s *Store) CreateApproval(_ context.Context, req *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[req.ID]; ok {
		return fmt.Errorf("create approval %s: %w", req.ID, domain.ErrConflict)
	}
	s.approvals[req.ID] = cloneApproval(req)
	return nil
}

func (s *Store) GetApproval(_ context.Context, id string) (*approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("get approval %s: %w", id, domain.ErrNotFound)
	}
	out := cloneApproval(&req)
	return &out, nil
}

func (s *Store) ListApprovals(_ context.Context, status approval.Status) ([]approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approval.Request
	for _, req := range s.approvals {
		if req.Status == status {
			out = append(out, cloneApproval(&req))
		}
	}
	return out, nil
}

func (s *Store) UpdateApproval(_ context.Context, req *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.approvals[req.ID]
	if !ok {
		return fmt.Errorf("update approval %s: %w", req.ID, domain.ErrNotFound)
	}
	if cur.Status != approval.StatusPending {
		return fmt.Errorf("update approval %s: %w", req.ID, domain.ErrConflict)
	}
	s.approvals[req.ID] = cloneApproval(req)
	return nil
}

func (s *Store) SweepExpiredApprovals(_ context.Context, now time.Time) ([]approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []approval.Request
	for id, req := range s.approvals {
		if req.ExpiredAt(now) {
			req.Status = approval.StatusExpired
			resolvedAt := now
			req.ResolvedAt = &resolvedAt
			s.approvals[id] = req
			expired = append(expired, cloneApproval(&req))
		}
	}
	return expired, nil
}

// --- Quota ledger ---

func (s *Store) GetUsage(_ context.Context, tenantID string) (identity.Usage, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.usage[tenantID]
	return row.usage, row.version, nil
}

func (s *Store) ReserveQuota(_ context.Context, tenantID string, delta identity.Usage, expectedVersion int) error {
	return s.adjust(tenantID, delta, expectedVersion, 1)
}

func (s *Store) ReleaseQuota(_ context.Context, tenantID string, delta identity.Usage, expectedVersion int) error {
	return s.adjust(tenantID, delta, expectedVersion, -1)
}

func (s *Store) adjust(tenantID string, delta identity.Usage, expectedVersion, sign int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.usage[tenantID]
	if row.version != expectedVersion {
		return fmt.Errorf("adjust quota %s version %d: %w", tenantID, expectedVersion, domain.ErrConflict)
	}
	f := float64(sign)
	row.usage.CPU = max(row.usage.CPU+delta.CPU*f, 0)
	row.usage.MemoryGB = max(row.usage.MemoryGB+delta.MemoryGB*f, 0)
	row.usage.StorageGB = max(row.usage.StorageGB+delta.StorageGB*f, 0)
	row.version++
	s.usage[tenantID] = row
	return nil
}

// --- Tenants ---

func (s *Store) CreateTenant(_ context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return fmt.Errorf("create tenant %s: %w", t.ID, domain.ErrConflict)
	}
	s.tenants[t.ID] = *t
	return nil
}

func (s *Store) GetTenant(_ context.Context, id string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("get tenant %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (s *Store) GetTenantByDomain(_ context.Context, domainName string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Domain == domainName {
			out := t
			return &out, nil
		}
	}
	return nil, fmt.Errorf("get tenant by domain %s: %w", domainName, domain.ErrNotFound)
}

func (s *Store) DeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return fmt.Errorf("delete tenant %s: %w", id, domain.ErrNotFound)
	}
	delete(s.tenants, id)
	return nil
}

func cloneSession(s *session.Session) session.Session {
	out := *s
	out.Params = make(map[string]string, len(s.Params))
	for k, v := range s.Params {
		out.Params[k] = v
	}
	return out
}

func cloneApproval(req *approval.Request) approval.Request {
	out := *req
	out.RequiredApprovers = append([]string(nil), req.RequiredApprovers...)
	return out
}

func cloneRun(r *workflow.Run) workflow.Run {
	out := *r
	out.StepStatuses = append([]workflow.StepStatus(nil), r.StepStatuses...)
	out.Params = make(map[string]string, len(r.Params))
	for k, v := range r.Params {
		out.Params[k] = v
	}
	return out
}
