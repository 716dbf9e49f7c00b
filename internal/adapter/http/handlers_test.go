package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	provhttp "github.com/suhlabs/provisioner/internal/adapter/http"
	"github.com/suhlabs/provisioner/internal/adapter/memory"
	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain/approval"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/domain/intent"
	"github.com/suhlabs/provisioner/internal/domain/tenant"
	"github.com/suhlabs/provisioner/internal/port/deploy"
	"github.com/suhlabs/provisioner/internal/port/registrar"
	"github.com/suhlabs/provisioner/internal/resilience"
	"github.com/suhlabs/provisioner/internal/service"
)

// stubConnectors answers registrar and deployment calls with canned
// successes, so handler tests exercise the HTTP layer only.
type stubConnectors struct{}

func (stubConnectors) CheckAvailability(_ context.Context, domain string) (registrar.Availability, error) {
	return registrar.Availability{Domain: domain, Available: true, PriceUSD: 12.50}, nil
}
func (stubConnectors) Register(context.Context, string) error { return nil }
func (stubConnectors) Release(context.Context, string) error  { return nil }
func (stubConnectors) ConfigureDNS(context.Context, string, []registrar.DNSRecord) error {
	return nil
}
func (stubConnectors) RemoveDNS(context.Context, string, []registrar.DNSRecord) error { return nil }

func (stubConnectors) Apply(context.Context, deploy.StackSpec) error { return nil }
func (stubConnectors) WaitReady(context.Context, string, time.Duration) error {
	return nil
}
func (stubConnectors) Restart(context.Context, string, string) error { return nil }
func (stubConnectors) Scale(context.Context, string, string, string, string) error {
	return nil
}
func (stubConnectors) Teardown(context.Context, string) error { return nil }
func (stubConnectors) Volumes(context.Context, string) ([]deploy.Volume, error) {
	return []deploy.Volume{{Name: "photoprism-originals", CapacityGB: 50, Bound: true}}, nil
}

type stubSemantic struct{}

func (stubSemantic) Classify(_ context.Context, utterance string, _ map[string]string) (intent.Intent, error) {
	return intent.Intent{Type: intent.TypeUnknown, RawInput: utterance}, nil
}

type stubIdentity struct{}

func (stubIdentity) Lookup(_ context.Context, username string) (*identity.UserContext, error) {
	return &identity.UserContext{
		Username:      username,
		Groups:        []string{"developers"},
		TenantID:      "tenant-1",
		Quota:         identity.Quota{CPU: 10, MemoryGB: 20, StorageGB: 200},
		MonthlyBudget: 1000,
	}, nil
}

type testEnv struct {
	router    chi.Router
	store     *memory.Store
	approvals *service.Approvals
}

func newTestEnv() *testEnv {
	store := memory.NewStore()
	conn := stubConnectors{}
	logger := slog.New(slog.DiscardHandler)

	sessions := service.NewSessions(store, config.Session{TTL: 30 * time.Minute, SweepInterval: time.Minute}, logger)
	classifier := service.NewClassifier(stubSemantic{}, nil, config.Classifier{
		SemanticTimeout:     100 * time.Millisecond,
		ConfidenceThreshold: 0.6,
		CacheTTL:            time.Minute,
	}, logger)
	gate := service.NewGate(store, logger)
	quota := service.NewQuota(store, logger)
	orchCfg := config.Orchestrator{
		MaxConcurrentExternal: 4,
		BackoffBase:           time.Millisecond,
		BackoffCap:            5 * time.Millisecond,
		DomainCheckParallel:   4,
		MaxAlternatives:       5,
	}
	domains := service.NewDomains(conn, resilience.NewBreaker(5, time.Minute), orchCfg, logger)
	approvals := service.NewApprovals(store, nil, nil, quota,
		config.Approval{TTL: time.Hour, SweepInterval: time.Minute, Approvers: []string{"admin"}}, logger)
	orch := service.NewOrchestrator(store, nil, conn, conn, nil, quota, nil, orchCfg, logger)

	onboarding := service.NewOnboarding(sessions, classifier, gate, quota, domains, approvals, orch,
		stubIdentity{}, store, nil, logger)
	storage := service.NewStorage(store, conn, logger)

	r := chi.NewRouter()
	provhttp.MountRoutes(r, provhttp.NewHandlers(onboarding, approvals, storage))
	return &testEnv{router: r, store: store, approvals: approvals}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type turnBody struct {
	SessionID      string            `json:"session_id"`
	Step           string            `json:"step"`
	Status         string            `json:"status"`
	Message        string            `json:"message"`
	Completed      bool              `json:"completed"`
	DeploymentInfo map[string]string `json:"deployment_info"`
}

func TestStartOnboarding(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "POST", "/onboard", map[string]string{"user_id": "suh", "user_email": "suh@example.com"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	turn := decode[turnBody](t, w)
	if turn.SessionID == "" {
		t.Fatal("no session_id in response")
	}
	if turn.Step != "welcome" {
		t.Errorf("step = %q, want welcome", turn.Step)
	}
	if turn.Message == "" {
		t.Error("empty welcome message")
	}
}

func TestStartOnboardingMissingUserID(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "POST", "/onboard", map[string]string{"user_email": "suh@example.com"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRespondAdvancesConversation(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "POST", "/onboard", map[string]string{"user_id": "suh"})
	start := decode[turnBody](t, w)

	w = e.do(t, "POST", "/onboard/"+start.SessionID+"/respond", map[string]string{"user_input": "Smith"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	turn := decode[turnBody](t, w)
	if turn.Step != "confirm_domain" {
		t.Errorf("step = %q, want confirm_domain", turn.Step)
	}
}

func TestRespondUnknownSession(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "POST", "/onboard/nonexistent/respond", map[string]string{"user_input": "hi"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRespondInvalidBody(t *testing.T) {
	e := newTestEnv()

	req := httptest.NewRequest("POST", "/onboard/some-id/respond", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetOnboardingStatus(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "POST", "/onboard", map[string]string{"user_id": "suh"})
	start := decode[turnBody](t, w)

	w = e.do(t, "GET", "/onboard/"+start.SessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	turn := decode[turnBody](t, w)
	if turn.SessionID != start.SessionID {
		t.Errorf("session_id = %q, want %q", turn.SessionID, start.SessionID)
	}
}

func TestGetOnboardingNotFound(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "GET", "/onboard/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListApprovalsEmpty(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "GET", "/approvals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	requests := decode[[]approval.Request](t, w)
	if len(requests) != 0 {
		t.Fatalf("expected empty list, got %d", len(requests))
	}
}

func TestResolveApproval(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()

	req, err := e.approvals.Create(ctx, "sess-1", "tenant-1", "suh", "delete_environment", "high risk", identity.Usage{})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	w := e.do(t, "POST", "/approvals/"+req.ID+"/resolve", map[string]any{"approve": true, "resolved_by": "admin"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resolved := decode[approval.Request](t, w)
	if resolved.Status != approval.StatusApproved {
		t.Errorf("status = %s, want approved", resolved.Status)
	}

	// Second resolution conflicts.
	w = e.do(t, "POST", "/approvals/"+req.ID+"/resolve", map[string]any{"approve": false, "resolved_by": "admin"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double resolve, got %d", w.Code)
	}
}

func TestResolveApprovalUnauthorizedResolver(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()

	req, err := e.approvals.Create(ctx, "sess-1", "tenant-1", "suh", "delete_environment", "high risk", identity.Usage{})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	w := e.do(t, "POST", "/approvals/"+req.ID+"/resolve", map[string]any{"approve": true, "resolved_by": "stranger"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unlisted resolver, got %d: %s", w.Code, w.Body.String())
	}
}

func TestResolveApprovalMissingResolver(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "POST", "/approvals/some-id/resolve", map[string]any{"approve": true})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStorageReport(t *testing.T) {
	e := newTestEnv()
	ctx := context.Background()

	err := e.store.CreateTenant(ctx, &tenant.Tenant{
		ID:         "tenant-1",
		FamilyName: "smith",
		Domain:     "smith.com",
		AdminEmail: "suh@example.com",
		Namespace:  "tenant-smith",
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}

	w := e.do(t, "GET", "/storage?tenant_id=tenant-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	report := decode[service.StorageStatus](t, w)
	if report.Namespace != "tenant-smith" {
		t.Errorf("namespace = %q, want tenant-smith", report.Namespace)
	}
	if report.Storage["photoprism-originals"].CapacityGB != 50 {
		t.Errorf("capacity = %d, want 50", report.Storage["photoprism-originals"].CapacityGB)
	}
}

func TestStorageReportMissingTenantID(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "GET", "/storage", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv()

	w := e.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
