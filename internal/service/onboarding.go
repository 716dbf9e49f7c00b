package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/suhlabs/provisioner/internal/adapter/otel"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/approval"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/domain/intent"
	"github.com/suhlabs/provisioner/internal/domain/session"
	"github.com/suhlabs/provisioner/internal/domain/workflow"
	"github.com/suhlabs/provisioner/internal/port/database"
	identityport "github.com/suhlabs/provisioner/internal/port/identity"
)

// TurnResult is what one conversational turn produces.
type TurnResult struct {
	Session        *session.Session  `json:"-"`
	Reply          Reply             `json:"reply"`
	Completed      bool              `json:"completed"`
	DeploymentInfo map[string]string `json:"deployment_info,omitempty"`
}

// Session param keys written by the conversation handlers.
const (
	paramFamilyName   = "family_name"
	paramDomain       = "domain"
	paramAdminEmail   = "admin_email"
	paramAlternatives = "alternatives"
	paramApprovalID   = "approval_id"
	paramRunID        = "run_id"
	paramReserved     = "quota_reserved"
	paramAction       = "action"
)

const welcomeMessage = "Welcome to the family photo service setup! " +
	"I'll help you pick a domain, register it and deploy your private photo stack. " +
	"What's your family name? (e.g. \"smith\", \"garcia\")"

// Onboarding drives the conversational provisioning flow. Each turn reads
// the session, does any external work with no lock held, then commits the
// step transition through the session service.
type Onboarding struct {
	sessions     *Sessions
	classifier   *Classifier
	gate         *Gate
	quota        *Quota
	domains      *Domains
	approvals    *Approvals
	orchestrator *Orchestrator
	identity     identityport.Provider
	formatter    *Formatter
	store        database.Store
	metrics      *otel.Metrics
	logger       *slog.Logger
}

// NewOnboarding wires the turn processor. metrics may be nil.
func NewOnboarding(
	sessions *Sessions,
	classifier *Classifier,
	gate *Gate,
	quota *Quota,
	domains *Domains,
	approvals *Approvals,
	orchestrator *Orchestrator,
	provider identityport.Provider,
	store database.Store,
	metrics *otel.Metrics,
	logger *slog.Logger,
) *Onboarding {
	return &Onboarding{
		sessions:     sessions,
		classifier:   classifier,
		gate:         gate,
		quota:        quota,
		domains:      domains,
		approvals:    approvals,
		orchestrator: orchestrator,
		identity:     provider,
		formatter:    NewFormatter(),
		store:        store,
		metrics:      metrics,
		logger:       logger,
	}
}

// Start opens a session and returns the welcome turn.
func (o *Onboarding) Start(ctx context.Context, userID, userEmail string) (*TurnResult, error) {
	sess, err := o.sessions.Create(ctx, userID)
	if err != nil {
		return nil, err
	}
	if userEmail != "" {
		sess, err = o.sessions.Mutate(ctx, sess.ID, func(s *session.Session) (session.Step, error) {
			s.Params[paramAdminEmail] = userEmail
			return s.CurrentStep, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return &TurnResult{
		Session: sess,
		Reply:   Reply{Status: ReplyInProgress, Summary: welcomeMessage},
	}, nil
}

// ProcessTurn advances the conversation one step. External calls (registrar,
// identity, classifier) run before or after the session mutation, never
// under the per-session lock.
func (o *Onboarding) ProcessTurn(ctx context.Context, sessionID, input string) (*TurnResult, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartTurnSpan(ctx, sessionID, sess.UserID)
	defer span.End()
	if o.metrics != nil {
		o.metrics.TurnsProcessed.Add(ctx, 1)
	}
	if sess.Status != session.StatusActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, domain.ErrConflict)
	}

	input = strings.TrimSpace(input)

	switch sess.CurrentStep {
	case session.StepWelcome:
		return o.handleWelcome(ctx, sess, input)
	case session.StepCollectFamilyName, session.StepCheckDomain:
		return o.handleFamilyName(ctx, sess, input)
	case session.StepSuggestAlternates:
		return o.handleAlternativeSelection(ctx, sess, input)
	case session.StepConfirmDomain:
		return o.handleDomainConfirmation(ctx, sess, input)
	case session.StepConfirmBudget:
		return o.handleBudgetConfirmation(ctx, sess, input)
	case session.StepAwaitApproval:
		return o.handleApprovalPoll(ctx, sess)
	case session.StepCollectContactInfo:
		return o.handleContactInfo(ctx, sess, input)
	case session.StepProvisioning:
		return o.handleProvisioningPoll(ctx, sess)
	default:
		return nil, fmt.Errorf("session %s step %s: %w", sessionID, sess.CurrentStep, domain.ErrConflict)
	}
}

// Status returns the current session state and, when a workflow is running,
// its formatted progress. Used by the poll endpoint.
func (o *Onboarding) Status(ctx context.Context, sessionID string) (*TurnResult, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	run := o.loadRun(ctx, sess)
	reply := o.formatter.Format(sess, run)
	result := &TurnResult{
		Session:   sess,
		Reply:     reply,
		Completed: sess.Status == session.StatusCompleted,
	}
	if run != nil && run.Status == workflow.StatusSucceeded {
		result.DeploymentInfo = o.formatter.deploymentDetails(run)
	}
	return result, nil
}

// handleWelcome classifies the first free-form input. Known one-shot
// commands (restart, scale) run their own workflow; anything else is
// treated as the start of the guided provisioning conversation.
func (o *Onboarding) handleWelcome(ctx context.Context, sess *session.Session, input string) (*TurnResult, error) {
	in, stage := o.classifier.Classify(ctx, input, sess.Params)
	if o.metrics != nil {
		o.metrics.IntentsClassified.Add(ctx, 1)
	}
	o.logger.Info("turn classified", "session", sess.ID, "intent", in.Type, "stage", stage, "confidence", in.Confidence)

	switch in.Type {
	case intent.TypeRestartService:
		return o.handleCommand(ctx, sess, in, workflow.TemplateRestartService)
	case intent.TypeScaleApp:
		return o.handleCommand(ctx, sess, in, workflow.TemplateScaleApp)
	default:
		return o.handleFamilyName(ctx, sess, input)
	}
}

// handleCommand is the direct path for intents that map to a standalone
// workflow template. The session stays at its current step; the run is tied
// to the session and polled through Status.
func (o *Onboarding) handleCommand(ctx context.Context, sess *session.Session, in intent.Intent, templateID string) (*TurnResult, error) {
	user, err := o.identity.Lookup(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("identity lookup %s: %w", sess.UserID, err)
	}

	decision, err := o.gate.Check(ctx, user, in)
	if err != nil {
		if o.metrics != nil {
			o.metrics.PolicyDenials.Add(ctx, 1)
		}
		return o.reprompt(ctx, sess, sess.CurrentStep,
			Reply{Status: ReplyError, Action: string(in.Type), Summary: "I can't do that: " + decision.Reason})
	}

	if err := o.quota.Reserve(ctx, user.TenantID, decision.Requested, user.Quota); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return o.reprompt(ctx, sess, sess.CurrentStep,
				Reply{Status: ReplyError, Action: string(in.Type), Summary: "that would exceed your quota"})
		}
		return nil, err
	}

	params := in.Parameters
	if params == nil {
		params = map[string]string{}
	}
	for k, v := range ReservedParams(decision.Requested) {
		params[k] = v
	}
	run, err := o.orchestrator.StartRun(ctx, sess.ID, user.TenantID, templateID, params)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return o.reprompt(ctx, sess, sess.CurrentStep,
				Reply{Status: ReplyError, Action: string(in.Type), Summary: "this session already has a workflow in flight"})
		}
		return nil, err
	}

	sess, err = o.sessions.Mutate(ctx, sess.ID, func(s *session.Session) (session.Step, error) {
		s.Params[paramAction] = string(in.Type)
		s.Params[paramRunID] = run.ID
		return s.CurrentStep, nil
	})
	if err != nil {
		return nil, err
	}
	return &TurnResult{Session: sess, Reply: o.formatter.Format(sess, run)}, nil
}

func (o *Onboarding) handleFamilyName(ctx context.Context, sess *session.Session, input string) (*TurnResult, error) {
	name := normalizeFamilyName(input)
	if len(name) < 2 {
		return o.reprompt(ctx, sess, session.StepCollectFamilyName,
			Reply{Status: ReplyInProgress, Summary: "please give me a family name of at least 2 characters (letters, digits and hyphens)"})
	}
	if len(name) > 30 {
		return o.reprompt(ctx, sess, session.StepCollectFamilyName,
			Reply{Status: ReplyInProgress, Summary: "that name is too long (max 30 characters), can you shorten it?"})
	}

	avail, err := o.domains.Check(ctx, name)
	if err != nil {
		o.logger.Warn("domain check failed", "session", sess.ID, "family", name, "error", err)
		return o.reprompt(ctx, sess, session.StepCollectFamilyName,
			Reply{Status: ReplyError, Summary: "I couldn't reach the domain registrar just now, please try again"})
	}

	// Commit the collected name, walk through the transient check step, then
	// land on confirmation or the suggestion list.
	if sess.CurrentStep == session.StepWelcome {
		if sess, err = o.advance(ctx, sess.ID, session.StepCollectFamilyName, nil); err != nil {
			return nil, err
		}
	}
	if sess.CurrentStep == session.StepCollectFamilyName {
		if sess, err = o.advance(ctx, sess.ID, session.StepCheckDomain, func(s *session.Session) {
			s.Params[paramFamilyName] = name
			s.Params[paramAction] = string(intent.TypeProvisionTenant)
		}); err != nil {
			return nil, err
		}
	}

	if avail.Available {
		sess, err = o.advance(ctx, sess.ID, session.StepConfirmDomain, func(s *session.Session) {
			s.Params[paramDomain] = avail.Domain
		})
		if err != nil {
			return nil, err
		}
		return &TurnResult{Session: sess, Reply: Reply{
			Status: ReplyInProgress,
			Action: string(intent.TypeProvisionTenant),
			Summary: fmt.Sprintf("good news, %s is available (~$%.2f/year)! your photo service would live at https://photos.%s — shall we proceed? (yes/no)",
				avail.Domain, priceOrDefault(avail.PriceUSD), avail.Domain),
		}}, nil
	}
	return o.suggestAlternatives(ctx, sess, name,
		fmt.Sprintf("unfortunately %s is already taken.", avail.Domain))
}

// suggestAlternatives runs the concurrent candidate checks and presents the
// ranked list.
func (o *Onboarding) suggestAlternatives(ctx context.Context, sess *session.Session, name, preamble string) (*TurnResult, error) {
	alternatives, err := o.domains.Alternatives(ctx, name)
	if err != nil {
		return o.reprompt(ctx, sess, sess.CurrentStep,
			Reply{Status: ReplyError, Summary: "I couldn't fetch domain suggestions just now, please try again"})
	}

	names := make([]string, len(alternatives))
	lines := make([]string, 0, len(alternatives)+2)
	lines = append(lines, preamble+" here are the closest available alternatives:")
	for i, alt := range alternatives {
		names[i] = alt.Domain
		lines = append(lines, fmt.Sprintf("%d. %s (~$%.2f/year)", i+1, alt.Domain, priceOrDefault(alt.PriceUSD)))
	}
	if len(alternatives) == 0 {
		lines = append(lines, "I couldn't find any available alternatives. Type a full domain (e.g. ourphotos.com) or \"rename\" to try a different family name.")
	} else {
		lines = append(lines, fmt.Sprintf("pick a number (1-%d), type a full domain, or \"rename\" to try a different family name", len(alternatives)))
	}

	sess, err = o.advance(ctx, sess.ID, session.StepSuggestAlternates, func(s *session.Session) {
		s.Params[paramAlternatives] = strings.Join(names, ",")
	})
	if err != nil {
		return nil, err
	}
	return &TurnResult{Session: sess, Reply: Reply{
		Status:  ReplyInProgress,
		Action:  string(intent.TypeProvisionTenant),
		Summary: strings.Join(lines, "\n"),
	}}, nil
}

func (o *Onboarding) handleAlternativeSelection(ctx context.Context, sess *session.Session, input string) (*TurnResult, error) {
	input = strings.ToLower(input)
	alternatives := strings.Split(sess.Params[paramAlternatives], ",")

	if input == "rename" {
		sess, err := o.advance(ctx, sess.ID, session.StepCollectFamilyName, nil)
		if err != nil {
			return nil, err
		}
		return &TurnResult{Session: sess, Reply: Reply{Status: ReplyInProgress, Summary: "no problem, what family name should we try instead?"}}, nil
	}

	if n, err := strconv.Atoi(input); err == nil {
		if n < 1 || n > len(alternatives) || alternatives[n-1] == "" {
			return o.reprompt(ctx, sess, session.StepSuggestAlternates,
				Reply{Status: ReplyInProgress, Summary: fmt.Sprintf("please pick a number between 1 and %d", len(alternatives))})
		}
		return o.confirmChoice(ctx, sess, alternatives[n-1])
	}

	if strings.Contains(input, ".") {
		avail, err := o.domains.CheckExact(ctx, input)
		if err != nil {
			return o.reprompt(ctx, sess, session.StepSuggestAlternates,
				Reply{Status: ReplyError, Summary: "I couldn't check that domain just now, please try again"})
		}
		if !avail.Available {
			return o.reprompt(ctx, sess, session.StepSuggestAlternates,
				Reply{Status: ReplyInProgress, Summary: fmt.Sprintf("sorry, %s is not available — try another?", input)})
		}
		return o.confirmChoice(ctx, sess, input)
	}

	return o.reprompt(ctx, sess, session.StepSuggestAlternates,
		Reply{Status: ReplyInProgress, Summary: "please pick a number, type a full domain, or \"rename\""})
}

func (o *Onboarding) confirmChoice(ctx context.Context, sess *session.Session, domainName string) (*TurnResult, error) {
	sess, err := o.advance(ctx, sess.ID, session.StepConfirmDomain, func(s *session.Session) {
		s.Params[paramDomain] = domainName
	})
	if err != nil {
		return nil, err
	}
	return &TurnResult{Session: sess, Reply: Reply{
		Status:  ReplyInProgress,
		Action:  string(intent.TypeProvisionTenant),
		Summary: fmt.Sprintf("you've picked %s — your photo service would live at https://photos.%s. ready to proceed? (yes/no)", domainName, domainName),
	}}, nil
}

func (o *Onboarding) handleDomainConfirmation(ctx context.Context, sess *session.Session, input string) (*TurnResult, error) {
	switch strings.ToLower(input) {
	case "yes", "y", "proceed", "confirm":
		return o.runPolicyGate(ctx, sess)
	case "no", "n", "back":
		return o.suggestAlternatives(ctx, sess, sess.Params[paramFamilyName], "sure, let's look at other options.")
	default:
		return o.reprompt(ctx, sess, session.StepConfirmDomain,
			Reply{Status: ReplyInProgress, Summary: "please answer \"yes\" to proceed or \"no\" to see other options"})
	}
}

// runPolicyGate evaluates permission, quota, budget and approval for the
// provisioning intent, then routes the conversation to confirmation,
// approval or contact collection.
func (o *Onboarding) runPolicyGate(ctx context.Context, sess *session.Session) (*TurnResult, error) {
	user, err := o.identity.Lookup(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("identity lookup %s: %w", sess.UserID, err)
	}

	in := intent.Intent{Type: intent.TypeProvisionTenant, Confidence: 1.0}
	decision, err := o.gate.Check(ctx, user, in)
	if err != nil {
		if o.metrics != nil {
			o.metrics.PolicyDenials.Add(ctx, 1)
		}
		if errors.Is(err, domain.ErrPermissionDenied) || errors.Is(err, domain.ErrQuotaExceeded) {
			return o.reprompt(ctx, sess, session.StepConfirmDomain,
				Reply{Status: ReplyError, Action: string(in.Type), Summary: "I can't provision this: " + decision.Reason})
		}
		return nil, err
	}

	if decision.ConfirmationNeeded {
		prompt := fmt.Sprintf("heads up: %s. do you want to go ahead anyway? (yes/no)", decision.Reason)
		sess, err = o.advance(ctx, sess.ID, session.StepConfirmBudget, func(s *session.Session) {
			s.Params["confirmation_prompt"] = prompt
		})
		if err != nil {
			return nil, err
		}
		return &TurnResult{Session: sess, Reply: Reply{
			Status:  ReplyConfirmationNeeded,
			Action:  string(in.Type),
			Summary: prompt,
		}}, nil
	}
	if decision.ApprovalNeeded {
		return o.requestApproval(ctx, sess, user, in, decision)
	}
	return o.askContactInfo(ctx, sess)
}

// requestApproval reserves quota up front so the held capacity rides on the
// approval request; denial or expiry releases it.
func (o *Onboarding) requestApproval(ctx context.Context, sess *session.Session, user *identity.UserContext, in intent.Intent, decision Decision) (*TurnResult, error) {
	if err := o.quota.Reserve(ctx, user.TenantID, decision.Requested, user.Quota); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			return o.reprompt(ctx, sess, sess.CurrentStep,
				Reply{Status: ReplyError, Action: string(in.Type), Summary: "that would exceed your quota"})
		}
		return nil, err
	}

	req, err := o.approvals.Create(ctx, sess.ID, user.TenantID, user.Username, string(in.Type),
		fmt.Sprintf("estimated $%.2f/month for %s", decision.EstimatedCostUSD, sess.Params[paramDomain]),
		decision.Requested)
	if err != nil {
		return nil, err
	}

	sess, err = o.advance(ctx, sess.ID, session.StepAwaitApproval, func(s *session.Session) {
		s.Params[paramApprovalID] = req.ID
		s.Params[paramReserved] = "true"
	})
	if err != nil {
		return nil, err
	}
	return &TurnResult{Session: sess, Reply: Reply{
		Status:  ReplyApprovalNeeded,
		Action:  string(in.Type),
		Summary: "this request needs an admin's approval — I've sent it off and will pick up where we left off once it's decided",
	}}, nil
}

func (o *Onboarding) handleBudgetConfirmation(ctx context.Context, sess *session.Session, input string) (*TurnResult, error) {
	switch strings.ToLower(input) {
	case "yes", "y", "proceed", "confirm":
		if intent.IsHighRisk(intent.TypeProvisionTenant) {
			user, err := o.identity.Lookup(ctx, sess.UserID)
			if err != nil {
				return nil, fmt.Errorf("identity lookup %s: %w", sess.UserID, err)
			}
			in := intent.Intent{Type: intent.TypeProvisionTenant, Confidence: 1.0}
			return o.requestApproval(ctx, sess, user, in,
				Decision{Requested: defaultUsage(in.Type), EstimatedCostUSD: intent.EstimatedCost(in.Type)})
		}
		return o.askContactInfo(ctx, sess)
	case "no", "n", "cancel":
		sess, err := o.advance(ctx, sess.ID, session.StepConfirmDomain, nil)
		if err != nil {
			return nil, err
		}
		return &TurnResult{Session: sess, Reply: Reply{
			Status:  ReplyInProgress,
			Summary: "okay, nothing started. say \"yes\" whenever you're ready, or \"no\" to look at other domains",
		}}, nil
	default:
		return o.reprompt(ctx, sess, session.StepConfirmBudget,
			Reply{Status: ReplyConfirmationNeeded, Summary: sess.Params["confirmation_prompt"]})
	}
}

func (o *Onboarding) handleApprovalPoll(ctx context.Context, sess *session.Session) (*TurnResult, error) {
	req, err := o.approvals.Get(ctx, sess.Params[paramApprovalID])
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case approval.StatusPending:
		return &TurnResult{Session: sess, Reply: Reply{
			Status:  ReplyApprovalNeeded,
			Action:  sess.Params[paramAction],
			Summary: "still waiting on an admin — check back in a bit",
		}}, nil
	case approval.StatusApproved:
		return o.askContactInfo(ctx, sess)
	default: // denied or expired
		sess, err = o.advance(ctx, sess.ID, session.StepComplete, nil)
		if err != nil {
			return nil, err
		}
		return &TurnResult{Session: sess, Completed: true, Reply: Reply{
			Status:  ReplyError,
			Action:  sess.Params[paramAction],
			Summary: fmt.Sprintf("the request was %s, so I've stopped here. nothing was provisioned", req.Status),
		}}, nil
	}
}

func (o *Onboarding) askContactInfo(ctx context.Context, sess *session.Session) (*TurnResult, error) {
	sess, err := o.advance(ctx, sess.ID, session.StepCollectContactInfo, nil)
	if err != nil {
		return nil, err
	}
	return &TurnResult{Session: sess, Reply: Reply{
		Status: ReplyInProgress,
		Action: sess.Params[paramAction],
		Summary: "great! to register the domain I need contact details (registrars require them). " +
			"please send: FirstName, LastName, Email, Phone — e.g. \"Jane, Smith, jane@example.com, +1-555-1234\"",
	}}, nil
}

func (o *Onboarding) handleContactInfo(ctx context.Context, sess *session.Session, input string) (*TurnResult, error) {
	parts := strings.Split(input, ",")
	if len(parts) < 4 {
		return o.reprompt(ctx, sess, session.StepCollectContactInfo,
			Reply{Status: ReplyInProgress, Summary: "I need all four fields: FirstName, LastName, Email, Phone"})
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	email := parts[2]
	if _, err := mail.ParseAddress(email); err != nil {
		return o.reprompt(ctx, sess, session.StepCollectContactInfo,
			Reply{Status: ReplyInProgress, Summary: "that email address doesn't look right, please try again"})
	}

	user, err := o.identity.Lookup(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("identity lookup %s: %w", sess.UserID, err)
	}
	tenantID := user.TenantID
	if tenantID == "" {
		tenantID = uuid.NewString()
	}

	requested := defaultUsage(intent.TypeProvisionTenant)
	if sess.Params[paramReserved] != "true" {
		if err := o.quota.Reserve(ctx, tenantID, requested, user.Quota); err != nil {
			if errors.Is(err, domain.ErrQuotaExceeded) {
				return o.reprompt(ctx, sess, session.StepCollectContactInfo,
					Reply{Status: ReplyError, Summary: "your quota filled up while we were talking — free some capacity and try again"})
			}
			return nil, err
		}
	}

	runParams := map[string]string{
		paramFamilyName: sess.Params[paramFamilyName],
		paramDomain:     sess.Params[paramDomain],
		paramAdminEmail: email,
		"contact_name":  parts[0] + " " + parts[1],
		"contact_phone": parts[3],
	}
	for k, v := range ReservedParams(requested) {
		runParams[k] = v
	}

	run, err := o.orchestrator.StartRun(ctx, sess.ID, tenantID, workflow.TemplateTenantPhotoService, runParams)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return o.reprompt(ctx, sess, session.StepCollectContactInfo,
				Reply{Status: ReplyError, Summary: "provisioning is already underway for this session"})
		}
		return nil, err
	}

	sess, err = o.advance(ctx, sess.ID, session.StepProvisioning, func(s *session.Session) {
		s.TenantID = tenantID
		s.Params[paramRunID] = run.ID
		s.Params[paramAdminEmail] = email
		s.Params[paramReserved] = "true"
	})
	if err != nil {
		return nil, err
	}

	eta := o.orchestrator.ExpectedRemaining(run).Round(time.Second)
	return &TurnResult{Session: sess, Reply: Reply{
		Status:  ReplyInProgress,
		Action:  string(intent.TypeProvisionTenant),
		Summary: fmt.Sprintf("setting up %s now: registering the domain, configuring DNS and deploying your photo stack. expected time %s — ask me again in a bit!", sess.Params[paramDomain], eta),
		ETA:     eta.String(),
	}}, nil
}

func (o *Onboarding) handleProvisioningPoll(ctx context.Context, sess *session.Session) (*TurnResult, error) {
	run := o.loadRun(ctx, sess)
	if run == nil {
		return nil, fmt.Errorf("session %s run %s: %w", sess.ID, sess.Params[paramRunID], domain.ErrNotFound)
	}

	reply := o.formatter.Format(sess, run)
	switch run.Status {
	case workflow.StatusSucceeded:
		sess, err := o.advance(ctx, sess.ID, session.StepComplete, nil)
		if err != nil {
			return nil, err
		}
		info := o.formatter.deploymentDetails(run)
		reply.Summary = fmt.Sprintf("all done! your photos live at %s — log in as admin with the password below and change it right away", info["endpoint"])
		return &TurnResult{Session: sess, Reply: reply, Completed: true, DeploymentInfo: info}, nil
	case workflow.StatusFailed, workflow.StatusRolledBack, workflow.StatusCancelled:
		sess, err := o.advance(ctx, sess.ID, session.StepComplete, nil)
		if err != nil {
			return nil, err
		}
		return &TurnResult{Session: sess, Reply: reply, Completed: true}, nil
	default:
		return &TurnResult{Session: sess, Reply: reply}, nil
	}
}

// advance commits one step transition, applying mut to the session params
// under the lock.
func (o *Onboarding) advance(ctx context.Context, sessionID string, to session.Step, mut func(*session.Session)) (*session.Session, error) {
	return o.sessions.Mutate(ctx, sessionID, func(s *session.Session) (session.Step, error) {
		if mut != nil {
			mut(s)
		}
		return to, nil
	})
}

// reprompt keeps (or sets) the step and answers with a recoverable message.
func (o *Onboarding) reprompt(ctx context.Context, sess *session.Session, step session.Step, reply Reply) (*TurnResult, error) {
	sess, err := o.advance(ctx, sess.ID, step, nil)
	if err != nil {
		return nil, err
	}
	return &TurnResult{Session: sess, Reply: reply}, nil
}

func (o *Onboarding) loadRun(ctx context.Context, sess *session.Session) *workflow.Run {
	runID := sess.Params[paramRunID]
	if runID == "" {
		return nil
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		o.logger.Warn("run load failed", "session", sess.ID, "run", runID, "error", err)
		return nil
	}
	return run
}

// normalizeFamilyName lowercases the input and strips everything except
// letters, digits and hyphens.
func normalizeFamilyName(input string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(input)) {
		if r == '-' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func priceOrDefault(price float64) float64 {
	if price <= 0 {
		return 25.0
	}
	return price
}
