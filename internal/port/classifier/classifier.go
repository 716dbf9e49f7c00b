// Package classifier defines the semantic classification port (interface).
package classifier

import (
	"context"

	"github.com/suhlabs/provisioner/internal/domain/intent"
)

// Semantic is the port interface for the model-backed fallback classifier.
// sessionContext carries the parameters already collected in the
// conversation so mid-dialog utterances can be disambiguated. It may be
// nil. Implementations must honor context cancellation; the caller enforces
// the deadline and treats expiry as an unknown classification.
type Semantic interface {
	Classify(ctx context.Context, utterance string, sessionContext map[string]string) (intent.Intent, error)
}
