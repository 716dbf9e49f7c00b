// Package identity defines the identity provider port (interface).
package identity

import (
	"context"

	"github.com/suhlabs/provisioner/internal/domain/identity"
)

// Provider resolves a username to its full user context: groups, quota
// ceilings and monthly budget.
type Provider interface {
	Lookup(ctx context.Context, username string) (*identity.UserContext, error)
}
