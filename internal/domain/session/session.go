// Package session defines the conversational onboarding session entity and
// its step state machine.
package session

import (
	"fmt"
	"time"

	"github.com/suhlabs/provisioner/internal/domain"
)

// Step identifies where a session is in the onboarding conversation.
type Step string

const (
	StepWelcome            Step = "welcome"
	StepCollectFamilyName  Step = "collect_family_name"
	StepCheckDomain        Step = "check_domain"
	StepSuggestAlternates  Step = "suggest_alternatives"
	StepConfirmDomain      Step = "confirm_domain"
	StepConfirmBudget      Step = "confirm_budget"
	StepAwaitApproval      Step = "await_approval"
	StepCollectContactInfo Step = "collect_contact_info"
	StepProvisioning       Step = "provisioning"
	StepComplete           Step = "complete"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

// transitions is the closed set of legal step moves. A session only ever
// advances through one of these edges; everything else is a conflict.
var transitions = map[Step][]Step{
	StepWelcome:            {StepCollectFamilyName},
	StepCollectFamilyName:  {StepCollectFamilyName, StepCheckDomain},
	StepCheckDomain:        {StepConfirmDomain, StepSuggestAlternates, StepCollectFamilyName},
	StepSuggestAlternates:  {StepSuggestAlternates, StepConfirmDomain, StepCollectFamilyName},
	StepConfirmDomain:      {StepSuggestAlternates, StepConfirmBudget, StepAwaitApproval, StepCollectContactInfo},
	StepConfirmBudget:      {StepAwaitApproval, StepCollectContactInfo, StepConfirmDomain},
	StepAwaitApproval:      {StepCollectContactInfo, StepComplete},
	StepCollectContactInfo: {StepCollectContactInfo, StepProvisioning},
	StepProvisioning:       {StepComplete},
}

// Session is the durable per-conversation state. Mutations go through the
// store's Transition, which compare-and-swaps on Version.
type Session struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	TenantID    string            `json:"tenant_id,omitempty"`
	CurrentStep Step              `json:"current_step"`
	Params      map[string]string `json:"params"`
	Status      Status            `json:"status"`
	Version     int               `json:"version"`
	TTL         time.Duration     `json:"ttl"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Expired reports whether the session has outlived its TTL at the given time.
func (s *Session) Expired(now time.Time) bool {
	return s.Status == StatusActive && now.Sub(s.CreatedAt) > s.TTL
}

// CanTransition reports whether moving from -> to is a legal step edge.
func CanTransition(from, to Step) bool {
	if to == StepComplete && from == StepComplete {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrConflict when the step edge is not in the
// transition table.
func ValidateTransition(from, to Step) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("session step %s -> %s: %w", from, to, domain.ErrConflict)
	}
	return nil
}
