// Package approval defines the human-in-the-loop approval request entity.
package approval

import (
	"fmt"
	"slices"
	"time"

	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/identity"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// DefaultTTL is how long a pending request stays actionable before the
// housekeeping sweep expires it as an implicit denial.
const DefaultTTL = 24 * time.Hour

// Request is one pending second-party decision gating a workflow run.
// Reserved records the quota held while the decision is pending; denial and
// expiry hand it back. RequiredApprovers names who may resolve the request.
type Request struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"session_id"`
	TenantID          string         `json:"tenant_id"`
	RequestedBy       string         `json:"requested_by"`
	Action            string         `json:"action"`
	Reason            string         `json:"reason"`
	Status            Status         `json:"status"`
	Reserved          identity.Usage `json:"reserved"`
	RequiredApprovers []string       `json:"required_approvers"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
}

// ExpiredAt reports whether the request has outlived its window at now.
func (r *Request) ExpiredAt(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// CanResolve reports whether user may resolve this request. Second-party
// means the requester never resolves their own request, even if listed as
// an approver.
func (r *Request) CanResolve(user string) error {
	if user == r.RequestedBy {
		return fmt.Errorf("approval %s: requester may not resolve own request: %w",
			r.ID, domain.ErrPermissionDenied)
	}
	if !slices.Contains(r.RequiredApprovers, user) {
		return fmt.Errorf("approval %s: %s is not an approver: %w",
			r.ID, user, domain.ErrPermissionDenied)
	}
	return nil
}

// Resolve validates a pending -> approved/denied transition.
func (r *Request) Resolve(to Status, now time.Time) error {
	if to != StatusApproved && to != StatusDenied {
		return fmt.Errorf("approval resolution %q: %w", to, domain.ErrValidation)
	}
	if r.Status != StatusPending {
		return fmt.Errorf("approval %s already %s: %w", r.ID, r.Status, domain.ErrConflict)
	}
	if r.ExpiredAt(now) {
		return fmt.Errorf("approval %s: %w", r.ID, domain.ErrApprovalExpired)
	}
	return nil
}
