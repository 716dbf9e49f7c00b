package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	// Conversational onboarding
	r.Post("/onboard", h.StartOnboarding)
	r.Post("/onboard/{sessionID}/respond", h.Respond)
	r.Get("/onboard/{sessionID}", h.GetOnboarding)

	// Approver surface
	r.Get("/approvals", h.ListApprovals)
	r.Post("/approvals/{id}/resolve", h.ResolveApproval)

	// Tenant storage report
	r.Get("/storage", h.StorageReport)

	r.Get("/health", h.Health)
}
