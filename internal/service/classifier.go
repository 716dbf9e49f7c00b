// Package service implements the use cases of the provisioner: session
// lifecycle, intent classification, policy gating, workflow orchestration
// and the conversational onboarding flow.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain/intent"
	"github.com/suhlabs/provisioner/internal/port/cache"
	"github.com/suhlabs/provisioner/internal/port/classifier"
)

// Classification stages, recorded for observability.
const (
	StageRules    = "rules"
	StageSemantic = "semantic"
	StageFallback = "fallback"
)

// Classifier resolves an utterance to an intent in two stages. The rule
// grammar always wins; the semantic backend only sees utterances the rules
// could not place, under a hard deadline.
type Classifier struct {
	semantic classifier.Semantic
	cache    cache.Cache
	cfg      config.Classifier
	logger   *slog.Logger
}

// NewClassifier creates the two-stage classifier. cache may be nil.
func NewClassifier(semantic classifier.Semantic, c cache.Cache, cfg config.Classifier, logger *slog.Logger) *Classifier {
	return &Classifier{semantic: semantic, cache: c, cfg: cfg, logger: logger}
}

// Classify returns the intent for the utterance and the stage that decided
// it. sessionContext carries the parameters the conversation has already
// collected so the semantic stage can disambiguate mid-dialog utterances;
// it may be nil. It never returns an error for classification trouble: the
// semantic stage timing out or failing degrades to an unknown intent with
// zero confidence so the conversation can ask the user to rephrase.
func (c *Classifier) Classify(ctx context.Context, utterance string, sessionContext map[string]string) (intent.Intent, string) {
	if in, ok := intent.Match(utterance); ok {
		return in, StageRules
	}

	// The same words can mean different things mid-conversation, so only
	// context-free classifications hit the cache.
	cacheable := len(sessionContext) == 0

	if cacheable {
		if cached, ok := c.cachedIntent(ctx, utterance); ok {
			return cached, StageSemantic
		}
	}

	if c.semantic == nil {
		return unknownIntent(utterance), StageFallback
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SemanticTimeout)
	defer cancel()

	in, err := c.semantic.Classify(ctx, utterance, sessionContext)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("semantic classification timed out", "timeout", c.cfg.SemanticTimeout)
		} else {
			c.logger.Warn("semantic classification failed", "error", err)
		}
		return unknownIntent(utterance), StageFallback
	}

	if in.Confidence < c.cfg.ConfidenceThreshold {
		in = unknownIntent(utterance)
	}

	if cacheable {
		c.storeIntent(ctx, utterance, in)
	}
	return in, StageSemantic
}

func (c *Classifier) cachedIntent(ctx context.Context, utterance string) (intent.Intent, bool) {
	if c.cache == nil {
		return intent.Intent{}, false
	}
	data, ok, err := c.cache.Get(ctx, cacheKey(utterance))
	if err != nil || !ok {
		return intent.Intent{}, false
	}
	var in intent.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return intent.Intent{}, false
	}
	in.RawInput = utterance
	return in, true
}

func (c *Classifier) storeIntent(ctx context.Context, utterance string, in intent.Intent) {
	if c.cache == nil || in.Type == intent.TypeUnknown {
		return
	}
	data, err := json.Marshal(in)
	if err != nil {
		return
	}
	// Best effort; a failed cache write costs one extra model call later.
	_ = c.cache.Set(context.WithoutCancel(ctx), cacheKey(utterance), data, c.cfg.CacheTTL)
}

func cacheKey(utterance string) string {
	return "intent:" + utterance
}

func unknownIntent(utterance string) intent.Intent {
	return intent.Intent{
		Type:       intent.TypeUnknown,
		Confidence: 0,
		Parameters: map[string]string{},
		RawInput:   utterance,
	}
}
