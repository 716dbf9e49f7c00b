package service

import (
	"strings"
	"testing"
	"time"

	"github.com/suhlabs/provisioner/internal/domain/session"
	"github.com/suhlabs/provisioner/internal/domain/workflow"
)

func TestFormatRunningRunSumsRemainingDurations(t *testing.T) {
	f := NewFormatter()
	tmpl := workflow.BuiltinTemplates()[workflow.TemplateTenantPhotoService]

	run := &workflow.Run{
		TemplateID:       workflow.TemplateTenantPhotoService,
		Status:           workflow.StatusRunning,
		CurrentStepIndex: 2,
		StepStatuses:     make([]workflow.StepStatus, len(tmpl.Steps)),
		Params:           map[string]string{"domain": "smith.com"},
	}
	run.StepStatuses[0] = workflow.StepSucceeded
	run.StepStatuses[1] = workflow.StepSucceeded

	reply := f.Format(&session.Session{CurrentStep: session.StepProvisioning}, run)
	if reply.Status != ReplyInProgress {
		t.Fatalf("status = %q, want in_progress", reply.Status)
	}

	want := tmpl.ExpectedRemaining(2).Round(time.Second).String()
	if reply.ETA != want {
		t.Errorf("eta = %q, want %q (sum of remaining step durations)", reply.ETA, want)
	}
	if !strings.Contains(reply.Summary, "3 of") {
		t.Errorf("summary %q does not mention current step position", reply.Summary)
	}
}

func TestFormatSucceededRunCarriesEndpoint(t *testing.T) {
	f := NewFormatter()
	tmpl := workflow.BuiltinTemplates()[workflow.TemplateTenantPhotoService]

	run := &workflow.Run{
		TemplateID:   workflow.TemplateTenantPhotoService,
		Status:       workflow.StatusSucceeded,
		StepStatuses: make([]workflow.StepStatus, len(tmpl.Steps)),
		Params: map[string]string{
			"domain":         "smith-family.com",
			"family_name":    "smith",
			"admin_password": "s3cret",
		},
	}

	reply := f.Format(&session.Session{CurrentStep: session.StepComplete}, run)
	if reply.Status != ReplySuccess {
		t.Fatalf("status = %q, want success", reply.Status)
	}
	if reply.Details["endpoint"] != "https://photos.smith-family.com" {
		t.Errorf("endpoint = %q", reply.Details["endpoint"])
	}
	if reply.Details["namespace"] != "tenant-smith" {
		t.Errorf("namespace = %q", reply.Details["namespace"])
	}
}

func TestFormatFailedRunShowsStepStatuses(t *testing.T) {
	f := NewFormatter()
	tmpl := workflow.BuiltinTemplates()[workflow.TemplateTenantPhotoService]

	run := &workflow.Run{
		TemplateID:   workflow.TemplateTenantPhotoService,
		Status:       workflow.StatusRolledBack,
		StepStatuses: make([]workflow.StepStatus, len(tmpl.Steps)),
		LastError:    "step deploy-stack: quota",
		Params:       map[string]string{},
	}
	run.StepStatuses[0] = workflow.StepSucceeded
	run.StepStatuses[1] = workflow.StepRolledBack
	for i := 2; i < len(run.StepStatuses); i++ {
		run.StepStatuses[i] = workflow.StepPending
	}

	reply := f.Format(&session.Session{CurrentStep: session.StepProvisioning}, run)
	if reply.Status != ReplyError {
		t.Fatalf("status = %q, want error", reply.Status)
	}
	if reply.Details["check-domain"] != "succeeded" {
		t.Errorf("check-domain = %q, want succeeded", reply.Details["check-domain"])
	}
	if reply.Details["register-domain"] != "rolled_back" {
		t.Errorf("register-domain = %q, want rolled_back", reply.Details["register-domain"])
	}
}

func TestFormatFailedRunPointsAtRetry(t *testing.T) {
	f := NewFormatter()
	tmpl := workflow.BuiltinTemplates()[workflow.TemplateTenantPhotoService]

	run := &workflow.Run{
		TemplateID:   workflow.TemplateTenantPhotoService,
		Status:       workflow.StatusFailed,
		StepStatuses: make([]workflow.StepStatus, len(tmpl.Steps)),
		LastError:    "step deploy-stack: rejected",
		Params:       map[string]string{},
	}
	for i := 0; i < 4; i++ {
		run.StepStatuses[i] = workflow.StepSucceeded
	}
	run.StepStatuses[4] = workflow.StepFailed
	run.StepStatuses[5] = workflow.StepPending

	reply := f.Format(&session.Session{CurrentStep: session.StepProvisioning}, run)
	if reply.Status != ReplyError {
		t.Fatalf("status = %q, want error", reply.Status)
	}
	// Completed steps keep their status so the caller sees the partial
	// progress, and the summary tells them how to move forward.
	if reply.Details["register-domain"] != "succeeded" {
		t.Errorf("register-domain = %q, want succeeded", reply.Details["register-domain"])
	}
	if reply.Details["deploy-stack"] != "failed" {
		t.Errorf("deploy-stack = %q, want failed", reply.Details["deploy-stack"])
	}
	if !strings.Contains(reply.Summary, "retry") {
		t.Errorf("summary %q does not point at a retry", reply.Summary)
	}
}

func TestFormatSessionStates(t *testing.T) {
	f := NewFormatter()

	cases := []struct {
		step session.Step
		want string
	}{
		{session.StepAwaitApproval, ReplyApprovalNeeded},
		{session.StepConfirmBudget, ReplyConfirmationNeeded},
		{session.StepCollectFamilyName, ReplyInProgress},
		{session.StepComplete, ReplySuccess},
	}
	for _, tc := range cases {
		reply := f.Format(&session.Session{CurrentStep: tc.step, Params: map[string]string{}}, nil)
		if reply.Status != tc.want {
			t.Errorf("step %s: status = %q, want %q", tc.step, reply.Status, tc.want)
		}
	}
}
