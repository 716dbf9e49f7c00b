package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/domain/intent"
	"github.com/suhlabs/provisioner/internal/port/database"
)

// budgetConfirmFraction is the share of the remaining monthly budget at or
// above which a request needs an explicit user confirmation. The boundary
// itself triggers confirmation.
const budgetConfirmFraction = 0.10

// Decision is the policy gate's verdict on one intent. RemainingQuota is
// the per-dimension headroom left before the request, so a denial can tell
// the user exactly how much they have to work with.
type Decision struct {
	Allowed            bool
	ConfirmationNeeded bool
	ApprovalNeeded     bool
	Reason             string
	EstimatedCostUSD   float64
	Requested          identity.Usage
	RemainingQuota     identity.Usage
}

// Gate runs the ordered policy checks: permission, quota, budget, approval.
// The first failing check decides; later checks never run.
type Gate struct {
	store  database.Store
	logger *slog.Logger
}

// NewGate creates the policy gate.
func NewGate(store database.Store, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Check evaluates the intent for the user. A nil error with
// Decision.Allowed false never happens: denials come back as wrapped
// sentinel errors (ErrPermissionDenied, ErrQuotaExceeded) alongside the
// decision for context.
func (g *Gate) Check(ctx context.Context, user *identity.UserContext, in intent.Intent) (Decision, error) {
	// 1. Permission.
	if !user.InGroup(intent.RequiredGroups(in.Type)...) {
		g.logger.Info("policy denied", "check", "permission", "user", user.Username, "intent", in.Type)
		return Decision{Reason: "missing required group membership"},
			fmt.Errorf("user %s intent %s: %w", user.Username, in.Type, domain.ErrPermissionDenied)
	}

	// 2. Quota.
	requested := requestedUsage(in)
	usage, _, err := g.store.GetUsage(ctx, user.TenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("policy quota lookup: %w", err)
	}
	remaining := remainingQuota(usage, user.Quota)
	if exceeded, what := quotaExceeded(usage, requested, user.Quota); exceeded {
		g.logger.Info("policy denied", "check", "quota", "user", user.Username, "resource", what)
		reason := fmt.Sprintf("quota exceeded on %s; remaining: %.1f cpu, %.1f GB memory, %.1f GB storage",
			what, remaining.CPU, remaining.MemoryGB, remaining.StorageGB)
		return Decision{Reason: reason, Requested: requested, RemainingQuota: remaining},
			fmt.Errorf("tenant %s %s: %w", user.TenantID, what, domain.ErrQuotaExceeded)
	}

	// 3. Budget.
	cost := intent.EstimatedCost(in.Type)
	decision := Decision{
		Allowed:          true,
		EstimatedCostUSD: cost,
		Requested:        requested,
		RemainingQuota:   remaining,
	}
	if user.MonthlyBudget > 0 && cost >= user.MonthlyBudget*budgetConfirmFraction {
		decision.ConfirmationNeeded = true
		decision.Reason = fmt.Sprintf("estimated $%.2f/month is a large share of the $%.2f budget", cost, user.MonthlyBudget)
	}

	// 4. Approval.
	if in.RequiresApproval || intent.IsHighRisk(in.Type) {
		decision.ApprovalNeeded = true
	}

	return decision, nil
}

// requestedUsage derives the resource footprint from intent parameters,
// with per-intent defaults when the user named nothing.
func requestedUsage(in intent.Intent) identity.Usage {
	u := defaultUsage(in.Type)
	if v, ok := parseFloatParam(in.Parameters, "cpu"); ok {
		u.CPU = v
	}
	if v, ok := parseFloatParam(in.Parameters, "memory_gb"); ok {
		u.MemoryGB = v
	}
	if v, ok := parseFloatParam(in.Parameters, "storage_gb"); ok {
		u.StorageGB = v
	}
	return u
}

func defaultUsage(t intent.Type) identity.Usage {
	switch t {
	case intent.TypeProvisionTenant:
		return identity.Usage{CPU: 2, MemoryGB: 4, StorageGB: 50}
	case intent.TypeCreateEnvironment:
		return identity.Usage{CPU: 1, MemoryGB: 2, StorageGB: 10}
	case intent.TypeDeployApp:
		return identity.Usage{CPU: 0.5, MemoryGB: 1, StorageGB: 5}
	case intent.TypeAddDatabase:
		return identity.Usage{CPU: 1, MemoryGB: 2, StorageGB: 20}
	case intent.TypeScaleApp:
		return identity.Usage{CPU: 1, MemoryGB: 1}
	default:
		return identity.Usage{}
	}
}

// remainingQuota is the headroom per dimension before this request lands.
func remainingQuota(current identity.Usage, quota identity.Quota) identity.Usage {
	return identity.Usage{
		CPU:       max(quota.CPU-current.CPU, 0),
		MemoryGB:  max(quota.MemoryGB-current.MemoryGB, 0),
		StorageGB: max(quota.StorageGB-current.StorageGB, 0),
	}
}

func quotaExceeded(current, requested identity.Usage, quota identity.Quota) (bool, string) {
	switch {
	case quota.CPU > 0 && current.CPU+requested.CPU > quota.CPU:
		return true, "cpu"
	case quota.MemoryGB > 0 && current.MemoryGB+requested.MemoryGB > quota.MemoryGB:
		return true, "memory"
	case quota.StorageGB > 0 && current.StorageGB+requested.StorageGB > quota.StorageGB:
		return true, "storage"
	}
	return false, ""
}

func parseFloatParam(params map[string]string, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
