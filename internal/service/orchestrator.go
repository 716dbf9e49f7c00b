package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"github.com/suhlabs/provisioner/internal/adapter/otel"
	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/domain/tenant"
	"github.com/suhlabs/provisioner/internal/domain/workflow"
	"github.com/suhlabs/provisioner/internal/port/database"
	"github.com/suhlabs/provisioner/internal/port/deploy"
	"github.com/suhlabs/provisioner/internal/port/messagequeue"
	"github.com/suhlabs/provisioner/internal/port/notifier"
	"github.com/suhlabs/provisioner/internal/port/registrar"
)

// RunEvent is the payload published on workflow lifecycle subjects.
type RunEvent struct {
	RunID      string `json:"run_id"`
	SessionID  string `json:"session_id"`
	TenantID   string `json:"tenant_id"`
	TemplateID string `json:"template_id"`
	Status     string `json:"status"`
	Step       string `json:"step,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Orchestrator interprets workflow templates step by step. Steps are
// idempotent connector calls; every completion is checkpointed so a
// restarted process resumes from the last durable state instead of
// re-running finished work.
type Orchestrator struct {
	store     database.Store
	queue     messagequeue.Queue
	registrar registrar.Registrar
	executor  deploy.Executor
	notifiers []notifier.Notifier
	quota     *Quota
	metrics   *otel.Metrics
	templates map[string]workflow.Template
	sem       *semaphore.Weighted
	cfg       config.Orchestrator
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates the workflow orchestrator. queue, notifiers,
// quota and metrics may be nil in tests.
func NewOrchestrator(
	store database.Store,
	queue messagequeue.Queue,
	reg registrar.Registrar,
	executor deploy.Executor,
	notifiers []notifier.Notifier,
	quota *Quota,
	metrics *otel.Metrics,
	cfg config.Orchestrator,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		queue:     queue,
		registrar: reg,
		executor:  executor,
		notifiers: notifiers,
		quota:     quota,
		metrics:   metrics,
		templates: workflow.BuiltinTemplates(),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentExternal),
		cfg:       cfg,
		logger:    logger,
		active:    make(map[string]context.CancelFunc),
	}
}

// StartRun creates a run for the template and executes it asynchronously.
// A session carries at most one non-terminal run; a second start conflicts.
func (o *Orchestrator) StartRun(ctx context.Context, sessionID, tenantID, templateID string, params map[string]string) (*workflow.Run, error) {
	tmpl, ok := o.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", templateID, domain.ErrNotFound)
	}

	if existing, err := o.store.GetActiveRunBySession(ctx, sessionID); err == nil {
		return nil, fmt.Errorf("session %s already has run %s: %w", sessionID, existing.ID, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if params == nil {
		params = map[string]string{}
	}
	run := &workflow.Run{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		TenantID:     tenantID,
		TemplateID:   templateID,
		Status:       workflow.StatusPending,
		StepStatuses: make([]workflow.StepStatus, len(tmpl.Steps)),
		Params:       params,
		Version:      1,
		StartedAt:    time.Now(),
	}
	for i := range run.StepStatuses {
		run.StepStatuses[i] = workflow.StepPending
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	o.publish(ctx, messagequeue.SubjectRunStarted, run, "")
	if o.metrics != nil {
		o.metrics.RunsStarted.Add(ctx, 1)
	}

	o.launch(run.ID)
	return run, nil
}

// RecoverRuns relaunches every run that was in flight when the previous
// process stopped. Checkpoints make this safe: each run continues from its
// next unfinished step instead of re-running completed work. Paused runs
// stay parked until their approval or confirmation arrives.
func (o *Orchestrator) RecoverRuns(ctx context.Context) (int, error) {
	runs, err := o.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	resumed := 0
	for i := range runs {
		if runs[i].Status == workflow.StatusPaused {
			continue
		}
		o.logger.Info("resuming interrupted run", "run", runs[i].ID,
			"template", runs[i].TemplateID, "step", runs[i].CurrentStepIndex)
		o.launch(runs[i].ID)
		resumed++
	}
	return resumed, nil
}

// Resume restarts execution of a paused or interrupted run from its
// checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrConflict)
	}
	if run.Status == workflow.StatusPaused {
		if err := o.transition(ctx, run, workflow.StatusRunning); err != nil {
			return err
		}
	}
	o.launch(runID)
	return nil
}

// Pause asks the run to stop after the step in flight completes.
func (o *Orchestrator) Pause(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrConflict)
	}
	run.Params[paramPauseRequested] = "true"
	return o.store.UpdateRun(ctx, run, run.Version)
}

// Cancel requests cooperative cancellation: the flag is durable, the loop
// observes it between steps, finishes nothing new, and compensates what
// already succeeded.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, domain.ErrConflict)
	}
	run.CancelRequested = true
	return o.store.UpdateRun(ctx, run, run.Version)
}

// Shutdown waits for in-flight runs to reach their next checkpoint.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

const paramPauseRequested = "_pause_requested"

func (o *Orchestrator) launch(runID string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.active[runID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.active, runID)
			o.mu.Unlock()
			cancel()
		}()
		o.execute(ctx, runID)
	}()
}

func (o *Orchestrator) execute(ctx context.Context, runID string) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Error("run load failed", "run", runID, "error", err)
		return
	}
	tmpl := o.templates[run.TemplateID]

	ctx, span := otel.StartRunSpan(ctx, run.ID, run.TemplateID)
	defer span.End()

	if run.Status == workflow.StatusPending {
		if err := o.transition(ctx, run, workflow.StatusRunning); err != nil {
			o.logger.Error("run start transition failed", "run", runID, "error", err)
			return
		}
	}

	for run.CurrentStepIndex < len(tmpl.Steps) {
		// Reload between steps so cancel and pause flags written by other
		// callers are observed at the next boundary.
		run, err = o.store.GetRun(ctx, run.ID)
		if err != nil {
			o.logger.Error("run reload failed", "run", runID, "error", err)
			return
		}
		if run.CancelRequested {
			o.compensate(ctx, run, tmpl)
			return
		}
		if run.Params[paramPauseRequested] == "true" {
			delete(run.Params, paramPauseRequested)
			run.Status = workflow.StatusPaused
			if err := o.store.UpdateRun(ctx, run, run.Version); err != nil {
				o.logger.Error("run pause failed", "run", runID, "error", err)
			}
			return
		}

		step := tmpl.Steps[run.CurrentStepIndex]
		if step.Op == workflow.OpWaitReady && run.Status == workflow.StatusRunning {
			if err := o.transition(ctx, run, workflow.StatusWaitingExternal); err != nil {
				o.logger.Error("run transition failed", "run", runID, "error", err)
				return
			}
		}

		if err := o.runStep(ctx, run, step); err != nil {
			if ctx.Err() != nil {
				// Process shutdown mid-run: leave the run resumable.
				return
			}
			run.LastError = err.Error()
			run.StepStatuses[run.CurrentStepIndex] = workflow.StepFailed
			if err := o.store.UpdateRun(ctx, run, run.Version); err != nil {
				o.logger.Error("run checkpoint failed", "run", runID, "error", err)
				return
			}
			o.fail(ctx, run, tmpl, step)
			return
		}

		if run.Status == workflow.StatusWaitingExternal {
			if err := o.transition(ctx, run, workflow.StatusRunning); err != nil {
				o.logger.Error("run transition failed", "run", runID, "error", err)
				return
			}
		}

		run.StepStatuses[run.CurrentStepIndex] = workflow.StepSucceeded
		run.CurrentStepIndex++
		if err := o.store.UpdateRun(ctx, run, run.Version); err != nil {
			o.logger.Error("run checkpoint failed", "run", runID, "error", err)
			return
		}
		o.publish(ctx, messagequeue.SubjectRunStep, run, step.Name)
	}

	o.finish(ctx, run)
}

// runStep executes one step under its timeout, retrying transient failures
// with capped exponential backoff. Rejections are final on the first try.
func (o *Orchestrator) runStep(ctx context.Context, run *workflow.Run, step workflow.StepDescriptor) error {
	ctx, span := otel.StartStepSpan(ctx, run.ID, step.Name)
	defer span.End()
	started := time.Now()

	backoff := retry.WithCappedDuration(o.cfg.BackoffCap, retry.NewExponential(o.cfg.BackoffBase))
	backoff = retry.WithMaxRetries(uint64(step.MaxRetries), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		defer cancel()

		if err := o.sem.Acquire(stepCtx, 1); err != nil {
			return err
		}
		defer o.sem.Release(1)

		err := o.invoke(stepCtx, run, step.Op)
		if err == nil {
			return nil
		}
		run.RetriesUsed++
		if errors.Is(err, domain.ErrExternalTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return retry.RetryableError(err)
		}
		return err
	})

	if o.metrics != nil {
		o.metrics.StepDuration.Record(ctx, time.Since(started).Seconds())
	}
	if err != nil {
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	return nil
}

// invoke dispatches a template op to its connector.
func (o *Orchestrator) invoke(ctx context.Context, run *workflow.Run, op workflow.Op) error {
	switch op {
	case workflow.OpCheckDomain:
		avail, err := o.registrar.CheckAvailability(ctx, run.Params["domain"])
		if err != nil {
			return err
		}
		if !avail.Available {
			// The conversation confirmed this domain; losing it between
			// confirmation and execution is a hard rejection.
			return fmt.Errorf("domain %s taken: %w", run.Params["domain"], domain.ErrExternalRejection)
		}
		return nil

	case workflow.OpRegisterDomain:
		return o.registrar.Register(ctx, run.Params["domain"])

	case workflow.OpReleaseDomain:
		return o.registrar.Release(ctx, run.Params["domain"])

	case workflow.OpConfigureDNS:
		return o.registrar.ConfigureDNS(ctx, run.Params["domain"], dnsRecords(run))

	case workflow.OpRemoveDNS:
		return o.registrar.RemoveDNS(ctx, run.Params["domain"], dnsRecords(run))

	case workflow.OpGenerateCredentials:
		return generateCredentials(run)

	case workflow.OpRevokeCredentials:
		delete(run.Params, "admin_password")
		delete(run.Params, "admin_password_hash")
		return nil

	case workflow.OpDeployStack:
		return o.executor.Apply(ctx, stackSpec(run))

	case workflow.OpTeardownStack:
		return o.executor.Teardown(ctx, namespaceFor(run))

	case workflow.OpWaitReady:
		deadline := 10 * time.Minute
		if d, ok := ctx.Deadline(); ok {
			deadline = time.Until(d)
		}
		return o.executor.WaitReady(ctx, namespaceFor(run), deadline)

	case workflow.OpRestartWorkload:
		return o.executor.Restart(ctx, namespaceFor(run), run.Params["workload"])

	case workflow.OpScaleWorkload:
		return o.executor.Scale(ctx, namespaceFor(run), run.Params["workload"],
			run.Params["cpu"], run.Params["memory"])

	default:
		return fmt.Errorf("op %s: %w", op, domain.ErrWorkflowFatal)
	}
}

// fail ends the run after a terminal step failure: retries exhausted or an
// explicit rejection. Only the failed step's own compensation runs (e.g.
// releasing a domain the step reserved before rejecting); earlier steps keep
// their succeeded status so the caller sees exactly how far the run got.
// Full reverse-order unwinding is reserved for cancellation.
func (o *Orchestrator) fail(ctx context.Context, run *workflow.Run, tmpl workflow.Template, step workflow.StepDescriptor) {
	if step.Compensation != "" {
		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), step.Timeout)
		if err := o.invoke(compCtx, run, step.Compensation); err != nil {
			o.logger.Error("compensation failed", "run", run.ID, "step", step.Name, "error", err)
		}
		cancel()
	}

	if err := o.transition(ctx, run, workflow.StatusFailed); err != nil {
		o.logger.Error("run final transition failed", "run", run.ID, "error", err)
		return
	}

	o.releaseReserved(ctx, run)
	o.publish(ctx, messagequeue.SubjectRunFailed, run, step.Name)
	if o.metrics != nil {
		o.metrics.RunsFailed.Add(ctx, 1)
	}
	o.notify(ctx, "error", fmt.Sprintf("workflow %s failed at %s", run.TemplateID, step.Name),
		partialSummary(run, tmpl), "run.failed")
}

// partialSummary names the steps that completed before the failure.
func partialSummary(run *workflow.Run, tmpl workflow.Template) string {
	var done []string
	for _, idx := range run.SucceededSteps() {
		done = append(done, tmpl.Steps[idx].Name)
	}
	if len(done) == 0 {
		return run.LastError + " (no steps completed)"
	}
	return run.LastError + " (completed: " + strings.Join(done, ", ") + ")"
}

// compensate unwinds a cancelled run: every succeeded step's compensation
// runs in reverse order. A compensation failure is logged and skipped; the
// saga keeps unwinding so as much as possible is released. A run with
// nothing to undo ends Cancelled; one that rolled work back ends RolledBack.
func (o *Orchestrator) compensate(ctx context.Context, run *workflow.Run, tmpl workflow.Template) {
	succeeded := run.SucceededSteps()
	rolledBack := false
	for i := len(succeeded) - 1; i >= 0; i-- {
		idx := succeeded[i]
		step := tmpl.Steps[idx]
		if step.Compensation == "" {
			continue
		}
		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), step.Timeout)
		err := o.invoke(compCtx, run, step.Compensation)
		cancel()
		if err != nil {
			o.logger.Error("compensation failed", "run", run.ID, "step", step.Name, "error", err)
			continue
		}
		run.StepStatuses[idx] = workflow.StepRolledBack
		rolledBack = true
		if err := o.store.UpdateRun(ctx, run, run.Version); err != nil {
			o.logger.Error("compensation checkpoint failed", "run", run.ID, "error", err)
			return
		}
	}

	final := workflow.StatusCancelled
	if rolledBack {
		final = workflow.StatusRolledBack
	}
	if err := o.transition(ctx, run, final); err != nil {
		o.logger.Error("run final transition failed", "run", run.ID, "error", err)
		return
	}

	o.releaseReserved(ctx, run)

	subject := messagequeue.SubjectRunCancelled
	if final == workflow.StatusRolledBack {
		subject = messagequeue.SubjectRunRolledBack
		if o.metrics != nil {
			o.metrics.RunsRolledBack.Add(ctx, 1)
		}
	}
	o.publish(ctx, subject, run, "")
	o.notify(ctx, "warning", fmt.Sprintf("workflow %s %s", run.TemplateID, final),
		run.LastError, "run."+string(final))
}

func (o *Orchestrator) finish(ctx context.Context, run *workflow.Run) {
	if err := o.transition(ctx, run, workflow.StatusSucceeded); err != nil {
		o.logger.Error("run final transition failed", "run", run.ID, "error", err)
		return
	}

	if run.TemplateID == workflow.TemplateTenantPhotoService {
		if err := o.recordTenant(ctx, run); err != nil {
			o.logger.Error("tenant record failed", "run", run.ID, "error", err)
		}
	}

	o.publish(ctx, messagequeue.SubjectRunSucceeded, run, "")
	if o.metrics != nil {
		o.metrics.RunsSucceeded.Add(ctx, 1)
	}
	o.notify(ctx, "success", "workflow "+run.TemplateID+" succeeded",
		"domain "+run.Params["domain"], "run.succeeded")
}

func (o *Orchestrator) recordTenant(ctx context.Context, run *workflow.Run) error {
	return o.store.CreateTenant(ctx, &tenant.Tenant{
		ID:           run.TenantID,
		FamilyName:   run.Params["family_name"],
		Domain:       run.Params["domain"],
		AdminEmail:   run.Params["admin_email"],
		Namespace:    namespaceFor(run),
		PasswordHash: run.Params["admin_password_hash"],
		CreatedAt:    time.Now(),
	})
}

func (o *Orchestrator) transition(ctx context.Context, run *workflow.Run, to workflow.Status) error {
	if err := workflow.ValidateTransition(run.Status, to); err != nil {
		return err
	}
	run.Status = to
	if to.Terminal() {
		now := time.Now()
		run.CompletedAt = &now
	}
	return o.store.UpdateRun(ctx, run, run.Version)
}

func (o *Orchestrator) publish(ctx context.Context, subject string, run *workflow.Run, step string) {
	if o.queue == nil {
		return
	}
	data, err := json.Marshal(RunEvent{
		RunID:      run.ID,
		SessionID:  run.SessionID,
		TenantID:   run.TenantID,
		TemplateID: run.TemplateID,
		Status:     string(run.Status),
		Step:       step,
		Error:      run.LastError,
	})
	if err != nil {
		return
	}
	if err := o.queue.Publish(context.WithoutCancel(ctx), subject, data); err != nil {
		o.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, level, title, message, source string) {
	for _, n := range o.notifiers {
		if err := n.Send(context.WithoutCancel(ctx), notifier.Notification{
			Title:   title,
			Message: message,
			Level:   level,
			Source:  source,
		}); err != nil && !errors.Is(err, notifier.ErrNotConfigured) {
			o.logger.Warn("notify failed", "notifier", n.Name(), "error", err)
		}
	}
}

// ExpectedRemaining estimates how long the run still needs.
func (o *Orchestrator) ExpectedRemaining(run *workflow.Run) time.Duration {
	tmpl, ok := o.templates[run.TemplateID]
	if !ok {
		return 0
	}
	return tmpl.ExpectedRemaining(run.CurrentStepIndex)
}

// Template returns the template for the given ID.
func (o *Orchestrator) Template(id string) (workflow.Template, bool) {
	tmpl, ok := o.templates[id]
	return tmpl, ok
}

func generateCredentials(run *workflow.Run) error {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate password: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	run.Params["admin_password"] = password
	run.Params["admin_password_hash"] = string(hash)
	return nil
}

// releaseReserved hands back the quota reserved when the run was approved.
// Runs that succeed keep their reservation as real usage.
func (o *Orchestrator) releaseReserved(ctx context.Context, run *workflow.Run) {
	if o.quota == nil {
		return
	}
	reserved := reservedFromParams(run)
	if reserved == (identity.Usage{}) {
		return
	}
	if err := o.quota.Release(context.WithoutCancel(ctx), run.TenantID, reserved); err != nil {
		o.logger.Error("release reserved quota failed", "run", run.ID, "error", err)
	}
}

const (
	paramReservedCPU     = "_reserved_cpu"
	paramReservedMemory  = "_reserved_memory_gb"
	paramReservedStorage = "_reserved_storage_gb"
)

// ReservedParams encodes a reservation into run params so terminal failure
// paths can release it even after a process restart.
func ReservedParams(u identity.Usage) map[string]string {
	return map[string]string{
		paramReservedCPU:     strconv.FormatFloat(u.CPU, 'f', -1, 64),
		paramReservedMemory:  strconv.FormatFloat(u.MemoryGB, 'f', -1, 64),
		paramReservedStorage: strconv.FormatFloat(u.StorageGB, 'f', -1, 64),
	}
}

func reservedFromParams(run *workflow.Run) identity.Usage {
	parse := func(key string) float64 {
		v, err := strconv.ParseFloat(run.Params[key], 64)
		if err != nil {
			return 0
		}
		return v
	}
	return identity.Usage{
		CPU:       parse(paramReservedCPU),
		MemoryGB:  parse(paramReservedMemory),
		StorageGB: parse(paramReservedStorage),
	}
}

func namespaceFor(run *workflow.Run) string {
	if ns := run.Params["namespace"]; ns != "" {
		return ns
	}
	return "tenant-" + run.Params["family_name"]
}

func stackSpec(run *workflow.Run) deploy.StackSpec {
	return deploy.StackSpec{
		Namespace: namespaceFor(run),
		TenantID:  run.TenantID,
		Domain:    run.Params["domain"],
		Env: map[string]string{
			"PHOTOPRISM_ADMIN_PASSWORD": run.Params["admin_password"],
			"PHOTOPRISM_SITE_URL":       "https://photos." + run.Params["domain"],
		},
		CPULimit:   orDefault(run.Params["cpu_limit"], "2"),
		MemLimit:   orDefault(run.Params["mem_limit"], "4Gi"),
		StorageGiB: 50,
	}
}

func dnsRecords(run *workflow.Run) []registrar.DNSRecord {
	ip := orDefault(run.Params["ingress_ip"], "203.0.113.10")
	return []registrar.DNSRecord{
		{Type: "A", Name: "photos", Content: ip, Proxied: true},
		{Type: "A", Name: "minio.photos", Content: ip},
		{Type: "A", Name: "auth", Content: ip, Proxied: true},
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
