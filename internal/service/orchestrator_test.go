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
	"github.com/suhlabs/provisioner/internal/domain/workflow"
	"github.com/suhlabs/provisioner/internal/port/database"
	"github.com/suhlabs/provisioner/internal/port/deploy"
	"github.com/suhlabs/provisioner/internal/port/registrar"
)

// scriptedConnectors records every op invocation in order and fails ops on
// demand. It backs both the registrar and executor ports.
type scriptedConnectors struct {
	mu       sync.Mutex
	ops      []string
	failures map[string][]error // op -> errors returned before succeeding
	blockOn  string             // op that parks until release is closed
	release  chan struct{}
}

func newScripted() *scriptedConnectors {
	return &scriptedConnectors{failures: map[string][]error{}}
}

func (s *scriptedConnectors) record(op string) error {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	var err error
	if errs := s.failures[op]; len(errs) > 0 {
		err = errs[0]
		s.failures[op] = errs[1:]
	}
	blocked := op == s.blockOn
	release := s.release
	s.mu.Unlock()

	if blocked && release != nil {
		<-release
	}
	return err
}

func (s *scriptedConnectors) opLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *scriptedConnectors) CheckAvailability(_ context.Context, d string) (registrar.Availability, error) {
	err := s.record("check_domain")
	return registrar.Availability{Domain: d, Available: true}, err
}
func (s *scriptedConnectors) Register(context.Context, string) error { return s.record("register_domain") }
func (s *scriptedConnectors) Release(context.Context, string) error  { return s.record("release_domain") }
func (s *scriptedConnectors) ConfigureDNS(context.Context, string, []registrar.DNSRecord) error {
	return s.record("configure_dns")
}
func (s *scriptedConnectors) RemoveDNS(context.Context, string, []registrar.DNSRecord) error {
	return s.record("remove_dns")
}
func (s *scriptedConnectors) Apply(context.Context, deploy.StackSpec) error {
	return s.record("deploy_stack")
}
func (s *scriptedConnectors) WaitReady(context.Context, string, time.Duration) error {
	return s.record("wait_ready")
}
func (s *scriptedConnectors) Restart(context.Context, string, string) error {
	return s.record("restart_workload")
}
func (s *scriptedConnectors) Scale(context.Context, string, string, string, string) error {
	return s.record("scale_workload")
}
func (s *scriptedConnectors) Teardown(context.Context, string) error {
	return s.record("teardown_stack")
}

func (s *scriptedConnectors) Volumes(context.Context, string) ([]deploy.Volume, error) {
	return []deploy.Volume{{Name: "photoprism-originals", CapacityGB: 50, Bound: true}}, nil
}

func testOrchestrator(store database.Store, conn *scriptedConnectors) *Orchestrator {
	return NewOrchestrator(store, nil, conn, conn, nil, nil, nil, config.Orchestrator{
		MaxConcurrentExternal: 4,
		BackoffBase:           time.Millisecond,
		BackoffCap:            5 * time.Millisecond,
		DomainCheckParallel:   4,
		MaxAlternatives:       5,
	}, discard())
}

func seedRun(t *testing.T, store database.Store, params map[string]string) *workflow.Run {
	t.Helper()
	tmpl := workflow.BuiltinTemplates()[workflow.TemplateTenantPhotoService]
	run := &workflow.Run{
		ID:           "run-1",
		SessionID:    "sess-1",
		TenantID:     "tenant-1",
		TemplateID:   workflow.TemplateTenantPhotoService,
		Status:       workflow.StatusPending,
		StepStatuses: make([]workflow.StepStatus, len(tmpl.Steps)),
		Params:       params,
		Version:      1,
		StartedAt:    time.Now(),
	}
	for i := range run.StepStatuses {
		run.StepStatuses[i] = workflow.StepPending
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

func tenantParams() map[string]string {
	return map[string]string{
		"family_name": "smith",
		"domain":      "smith-family.com",
		"admin_email": "dad@smith-family.com",
	}
}

func TestOrchestratorHappyPath(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	o := testOrchestrator(store, conn)
	run := seedRun(t, store, tenantParams())

	o.execute(context.Background(), run.ID)

	got, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != workflow.StatusSucceeded {
		t.Fatalf("status = %q (%s), want succeeded", got.Status, got.LastError)
	}
	for i, st := range got.StepStatuses {
		if st != workflow.StepSucceeded {
			t.Errorf("step %d = %q, want succeeded", i, st)
		}
	}
	if got.Params["admin_password_hash"] == "" {
		t.Error("credentials were not generated")
	}

	// The completed run records its tenant.
	ten, err := store.GetTenant(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if ten.Domain != "smith-family.com" {
		t.Errorf("tenant domain = %q", ten.Domain)
	}
}

func TestOrchestratorRetriesTransientFailures(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	// configure-dns times out twice, then succeeds; its budget is 3 retries.
	conn.failures["configure_dns"] = []error{domain.ErrExternalTimeout, domain.ErrExternalTimeout}
	o := testOrchestrator(store, conn)
	run := seedRun(t, store, tenantParams())

	o.execute(context.Background(), run.ID)

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != workflow.StatusSucceeded {
		t.Fatalf("status = %q (%s), want succeeded after retries", got.Status, got.LastError)
	}
	if got.RetriesUsed != 2 {
		t.Errorf("retries used = %d, want 2", got.RetriesUsed)
	}

	var dnsCalls int
	for _, op := range conn.opLog() {
		if op == "configure_dns" {
			dnsCalls++
		}
	}
	if dnsCalls != 3 {
		t.Errorf("configure_dns called %d times, want 3", dnsCalls)
	}
}

func TestOrchestratorRejectionIsNotRetried(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	conn.failures["register_domain"] = []error{domain.ErrExternalRejection}
	o := testOrchestrator(store, conn)
	run := seedRun(t, store, tenantParams())

	o.execute(context.Background(), run.ID)

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != workflow.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}

	var registerCalls, releaseCalls int
	for _, op := range conn.opLog() {
		switch op {
		case "register_domain":
			registerCalls++
		case "release_domain":
			releaseCalls++
		}
	}
	if registerCalls != 1 {
		t.Errorf("register_domain called %d times, want 1 (no retry on rejection)", registerCalls)
	}
	// The failed step's own compensation hands back whatever it grabbed.
	if releaseCalls != 1 {
		t.Errorf("release_domain called %d times, want 1", releaseCalls)
	}
}

func TestOrchestratorFailureKeepsCompletedSteps(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	// deploy-stack fails hard after register-domain, configure-dns and
	// generate-credentials succeeded.
	conn.failures["deploy_stack"] = []error{
		domain.ErrExternalRejection, domain.ErrExternalRejection, domain.ErrExternalRejection,
	}
	o := testOrchestrator(store, conn)
	run := seedRun(t, store, tenantParams())

	o.execute(context.Background(), run.ID)

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != workflow.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}

	// Only the failed step's own compensation runs; earlier work stands so
	// the user sees how far the run got before deciding what to do next.
	var comps []string
	for _, op := range conn.opLog() {
		switch op {
		case "remove_dns", "release_domain", "teardown_stack":
			comps = append(comps, op)
		}
	}
	want := []string{"teardown_stack"}
	if len(comps) != len(want) || comps[0] != want[0] {
		t.Fatalf("compensations = %v, want %v", comps, want)
	}

	wantSteps := []workflow.StepStatus{
		workflow.StepSucceeded, workflow.StepSucceeded, workflow.StepSucceeded,
		workflow.StepSucceeded, workflow.StepFailed, workflow.StepPending,
	}
	for i, st := range got.StepStatuses {
		if st != wantSteps[i] {
			t.Errorf("step %d = %q, want %q", i, st, wantSteps[i])
		}
	}
}

func TestOrchestratorCancelBetweenSteps(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	o := testOrchestrator(store, conn)
	run := seedRun(t, store, tenantParams())

	// Mark cancellation before execution: the loop observes the durable
	// flag at the first step boundary and unwinds.
	stored, _ := store.GetRun(context.Background(), run.ID)
	stored.CancelRequested = true
	if err := store.UpdateRun(context.Background(), stored, stored.Version); err != nil {
		t.Fatalf("set cancel: %v", err)
	}

	o.execute(context.Background(), run.ID)

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != workflow.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if len(conn.opLog()) != 0 {
		t.Errorf("ops ran after cancel: %v", conn.opLog())
	}
}

func TestOrchestratorCancelAfterStepsCompensates(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	o := testOrchestrator(store, conn)
	run := seedRun(t, store, tenantParams())

	// Simulate a checkpoint after the first three steps, then a cancel.
	stored, _ := store.GetRun(context.Background(), run.ID)
	stored.Status = workflow.StatusRunning
	stored.StepStatuses[0] = workflow.StepSucceeded
	stored.StepStatuses[1] = workflow.StepSucceeded
	stored.StepStatuses[2] = workflow.StepSucceeded
	stored.CurrentStepIndex = 3
	stored.CancelRequested = true
	if err := store.UpdateRun(context.Background(), stored, stored.Version); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	o.execute(context.Background(), run.ID)

	// Cancellation unwinds every succeeded step; with work undone the run
	// ends rolled back, not merely cancelled.
	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != workflow.StatusRolledBack {
		t.Fatalf("status = %q, want rolled_back", got.Status)
	}

	// Compensations run newest-first: dns before domain release.
	ops := conn.opLog()
	want := []string{"remove_dns", "release_domain"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestOrchestratorSingleActiveRunPerSession(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	// Park the first step so the run is still active when the second
	// start arrives.
	conn.blockOn = "check_domain"
	conn.release = make(chan struct{})
	o := testOrchestrator(store, conn)

	first, err := o.StartRun(context.Background(), "sess-1", "tenant-1",
		workflow.TemplateTenantPhotoService, tenantParams())
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err = o.StartRun(context.Background(), "sess-1", "tenant-1",
		workflow.TemplateTenantPhotoService, tenantParams())
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second start err = %v, want ErrConflict", err)
	}

	close(conn.release)
	o.Shutdown()
	if first.ID == "" {
		t.Fatal("first run has no ID")
	}
}

func TestOrchestratorRecoverRunsResumesInterrupted(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	o := testOrchestrator(store, conn)
	run := seedRun(t, store, tenantParams())

	// The previous process died mid-run; the checkpoint has three steps done.
	stored, _ := store.GetRun(context.Background(), run.ID)
	stored.Status = workflow.StatusRunning
	stored.StepStatuses[0] = workflow.StepSucceeded
	stored.StepStatuses[1] = workflow.StepSucceeded
	stored.StepStatuses[2] = workflow.StepSucceeded
	stored.CurrentStepIndex = 3
	if err := store.UpdateRun(context.Background(), stored, stored.Version); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	resumed, err := o.RecoverRuns(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d, want 1", resumed)
	}
	o.wg.Wait()

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != workflow.StatusSucceeded {
		t.Fatalf("status = %q (%s), want succeeded", got.Status, got.LastError)
	}

	// Recovery continues from the checkpoint; finished steps never re-run.
	for _, op := range conn.opLog() {
		switch op {
		case "check_domain", "register_domain", "configure_dns":
			t.Errorf("completed step re-ran: %s", op)
		}
	}
}

func TestOrchestratorResumeFromCheckpoint(t *testing.T) {
	store := memory.NewStore()
	conn := newScripted()
	o := testOrchestrator(store, conn)
	run := seedRun(t, store, tenantParams())

	// The process died after three steps; the checkpoint survives.
	stored, _ := store.GetRun(context.Background(), run.ID)
	stored.Status = workflow.StatusRunning
	stored.StepStatuses[0] = workflow.StepSucceeded
	stored.StepStatuses[1] = workflow.StepSucceeded
	stored.StepStatuses[2] = workflow.StepSucceeded
	stored.CurrentStepIndex = 3
	if err := store.UpdateRun(context.Background(), stored, stored.Version); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	o.execute(context.Background(), run.ID)

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != workflow.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", got.Status)
	}

	// Finished steps must not re-run: no check/register/dns calls.
	for _, op := range conn.opLog() {
		switch op {
		case "check_domain", "register_domain", "configure_dns":
			t.Errorf("completed step re-ran: %s", op)
		}
	}
}
