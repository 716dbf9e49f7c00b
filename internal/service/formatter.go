package service

import (
	"fmt"
	"time"

	"github.com/suhlabs/provisioner/internal/domain/session"
	"github.com/suhlabs/provisioner/internal/domain/workflow"
)

// Reply is the structured answer returned to the caller after every turn.
type Reply struct {
	Status  string            `json:"status"`
	Action  string            `json:"action"`
	Summary string            `json:"summary"`
	ETA     string            `json:"eta,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

const (
	ReplySuccess            = "success"
	ReplyError              = "error"
	ReplyApprovalNeeded     = "approval_needed"
	ReplyConfirmationNeeded = "confirmation_needed"
	ReplyInProgress         = "in_progress"
)

// Formatter turns session and run state into caller-facing replies. The ETA
// is the sum of expected durations of the steps still ahead of the run.
type Formatter struct {
	templates map[string]workflow.Template
}

// NewFormatter creates a formatter over the built-in workflow templates.
func NewFormatter() *Formatter {
	return &Formatter{templates: workflow.BuiltinTemplates()}
}

// Format builds the reply for the session's current state. run may be nil
// when no workflow has started yet.
func (f *Formatter) Format(sess *session.Session, run *workflow.Run) Reply {
	if run != nil {
		switch run.Status {
		case workflow.StatusSucceeded:
			return Reply{
				Status:  ReplySuccess,
				Action:  run.TemplateID,
				Summary: "all done! your service is ready",
				Details: f.deploymentDetails(run),
			}
		case workflow.StatusFailed:
			// Partial completion: succeeded steps stand, so show how far the
			// run got and point at a fresh attempt.
			return Reply{
				Status:  ReplyError,
				Action:  run.TemplateID,
				Summary: fmt.Sprintf("provisioning failed: %s. the steps below show how far it got; resolve the error and start a new session to retry", run.LastError),
				Details: f.stepDetails(run),
			}
		case workflow.StatusRolledBack, workflow.StatusCancelled:
			return Reply{
				Status:  ReplyError,
				Action:  run.TemplateID,
				Summary: fmt.Sprintf("workflow %s: %s", run.Status, run.LastError),
				Details: f.stepDetails(run),
			}
		default:
			return Reply{
				Status:  ReplyInProgress,
				Action:  run.TemplateID,
				Summary: f.progressSummary(run),
				ETA:     formatETA(f.expectedRemaining(run)),
				Details: f.stepDetails(run),
			}
		}
	}

	switch sess.CurrentStep {
	case session.StepAwaitApproval:
		return Reply{
			Status:  ReplyApprovalNeeded,
			Action:  sess.Params["action"],
			Summary: "this request needs a second pair of eyes; I'll let you know once an admin decides",
		}
	case session.StepConfirmBudget:
		return Reply{
			Status:  ReplyConfirmationNeeded,
			Action:  sess.Params["action"],
			Summary: sess.Params["confirmation_prompt"],
		}
	case session.StepComplete:
		return Reply{
			Status:  ReplySuccess,
			Action:  sess.Params["action"],
			Summary: "session complete",
		}
	default:
		return Reply{
			Status:  ReplyInProgress,
			Action:  sess.Params["action"],
			Summary: "step " + string(sess.CurrentStep),
		}
	}
}

func (f *Formatter) expectedRemaining(run *workflow.Run) time.Duration {
	tmpl, ok := f.templates[run.TemplateID]
	if !ok {
		return 0
	}
	return tmpl.ExpectedRemaining(run.CurrentStepIndex)
}

func (f *Formatter) progressSummary(run *workflow.Run) string {
	tmpl, ok := f.templates[run.TemplateID]
	if !ok || run.CurrentStepIndex >= len(tmpl.Steps) {
		return "working on it"
	}
	return fmt.Sprintf("step %d of %d: %s",
		run.CurrentStepIndex+1, len(tmpl.Steps), tmpl.Steps[run.CurrentStepIndex].Name)
}

// stepDetails shows exactly which steps completed, so a caller polling after
// a failure can see where the run stopped.
func (f *Formatter) stepDetails(run *workflow.Run) map[string]string {
	tmpl, ok := f.templates[run.TemplateID]
	if !ok {
		return nil
	}
	details := make(map[string]string, len(tmpl.Steps))
	for i, step := range tmpl.Steps {
		details[step.Name] = string(run.StepStatuses[i])
	}
	return details
}

func (f *Formatter) deploymentDetails(run *workflow.Run) map[string]string {
	details := map[string]string{
		"domain":    run.Params["domain"],
		"namespace": namespaceFor(run),
	}
	if run.Params["domain"] != "" {
		details["endpoint"] = "https://photos." + run.Params["domain"]
	}
	if pw := run.Params["admin_password"]; pw != "" {
		details["admin_password"] = pw
	}
	return details
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(time.Second).String()
}
