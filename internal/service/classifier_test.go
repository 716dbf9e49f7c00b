package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain/intent"
)

type stubSemantic struct {
	result     intent.Intent
	err        error
	delay      time.Duration
	calls      int
	gotContext map[string]string
}

func (s *stubSemantic) Classify(ctx context.Context, utterance string, sessionContext map[string]string) (intent.Intent, error) {
	s.calls++
	s.gotContext = sessionContext
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return intent.Intent{}, ctx.Err()
		}
	}
	if s.err != nil {
		return intent.Intent{}, s.err
	}
	out := s.result
	out.RawInput = utterance
	return out, nil
}

func testClassifierConfig() config.Classifier {
	return config.Classifier{
		SemanticTimeout:     100 * time.Millisecond,
		ConfidenceThreshold: 0.6,
		CacheTTL:            time.Minute,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestClassifyRulesAlwaysWin(t *testing.T) {
	// The semantic stage would say something different, but a rule match
	// means it must never be consulted.
	sem := &stubSemantic{result: intent.Intent{Type: intent.TypeTroubleshoot, Confidence: 0.9}}
	c := NewClassifier(sem, nil, testClassifierConfig(), discard())

	in, stage := c.Classify(context.Background(), "please restart my service", nil)
	if stage != StageRules {
		t.Fatalf("stage = %q, want %q", stage, StageRules)
	}
	if in.Type != intent.TypeRestartService {
		t.Errorf("type = %q, want %q", in.Type, intent.TypeRestartService)
	}
	if in.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", in.Confidence)
	}
	if sem.calls != 0 {
		t.Errorf("semantic called %d times, want 0", sem.calls)
	}
}

func TestClassifySemanticFallback(t *testing.T) {
	sem := &stubSemantic{result: intent.Intent{Type: intent.TypeShowUsage, Confidence: 0.8}}
	c := NewClassifier(sem, nil, testClassifierConfig(), discard())

	in, stage := c.Classify(context.Background(), "how are we doing on disk space lately", nil)
	if stage != StageSemantic {
		t.Fatalf("stage = %q, want %q", stage, StageSemantic)
	}
	if in.Type != intent.TypeShowUsage {
		t.Errorf("type = %q, want %q", in.Type, intent.TypeShowUsage)
	}
}

func TestClassifyTimeoutDegradesToUnknown(t *testing.T) {
	sem := &stubSemantic{
		result: intent.Intent{Type: intent.TypeShowUsage, Confidence: 0.8},
		delay:  time.Second,
	}
	c := NewClassifier(sem, nil, testClassifierConfig(), discard())

	start := time.Now()
	in, stage := c.Classify(context.Background(), "something the rules cannot place", nil)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("classification took %v, deadline not enforced", elapsed)
	}
	if stage != StageFallback {
		t.Errorf("stage = %q, want %q", stage, StageFallback)
	}
	if in.Type != intent.TypeUnknown {
		t.Errorf("type = %q, want unknown", in.Type)
	}
	if in.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", in.Confidence)
	}
}

func TestClassifySemanticErrorDegradesToUnknown(t *testing.T) {
	sem := &stubSemantic{err: errors.New("model unavailable")}
	c := NewClassifier(sem, nil, testClassifierConfig(), discard())

	in, stage := c.Classify(context.Background(), "do the thing with the stuff", nil)
	if stage != StageFallback {
		t.Errorf("stage = %q, want %q", stage, StageFallback)
	}
	if in.Type != intent.TypeUnknown || in.Confidence != 0 {
		t.Errorf("got %q/%v, want unknown/0", in.Type, in.Confidence)
	}
}

func TestClassifyLowConfidenceBecomesUnknown(t *testing.T) {
	sem := &stubSemantic{result: intent.Intent{Type: intent.TypeDeployApp, Confidence: 0.3}}
	c := NewClassifier(sem, nil, testClassifierConfig(), discard())

	in, _ := c.Classify(context.Background(), "hmm maybe do something", nil)
	if in.Type != intent.TypeUnknown {
		t.Errorf("type = %q, want unknown below threshold", in.Type)
	}
}

func TestClassifyThreadsSessionContext(t *testing.T) {
	sem := &stubSemantic{result: intent.Intent{Type: intent.TypeDeployApp, Confidence: 0.9}}
	c := NewClassifier(sem, nil, testClassifierConfig(), discard())

	sessCtx := map[string]string{"family_name": "smith", "domain": "smith-family.com"}
	in, stage := c.Classify(context.Background(), "deploy it there", sessCtx)
	if stage != StageSemantic {
		t.Fatalf("stage = %q, want %q", stage, StageSemantic)
	}
	if in.Type != intent.TypeDeployApp {
		t.Errorf("type = %q, want %q", in.Type, intent.TypeDeployApp)
	}
	if sem.gotContext["family_name"] != "smith" || sem.gotContext["domain"] != "smith-family.com" {
		t.Errorf("semantic stage saw context %v, want the session params", sem.gotContext)
	}
}
