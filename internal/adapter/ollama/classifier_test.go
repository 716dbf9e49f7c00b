package ollama

import (
	"testing"

	"github.com/suhlabs/provisioner/internal/domain/intent"
)

func TestParseClassification(t *testing.T) {
	got, err := parseClassification(
		`{"intent": "add_database", "confidence": 0.85, "parameters": {"database_type": "postgresql"}}`,
		"we could use a postgres instance")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != intent.TypeAddDatabase {
		t.Errorf("type = %q, want %q", got.Type, intent.TypeAddDatabase)
	}
	if got.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", got.Confidence)
	}
	if got.Parameters["database_type"] != "postgresql" {
		t.Errorf("database_type = %q", got.Parameters["database_type"])
	}
}

func TestParseClassificationWrappedInProse(t *testing.T) {
	got, err := parseClassification(
		"Here is the classification: {\"intent\": \"show_usage\", \"confidence\": 0.7} Hope that helps!",
		"how are we doing on space")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != intent.TypeShowUsage {
		t.Errorf("type = %q, want %q", got.Type, intent.TypeShowUsage)
	}
}

func TestParseClassificationMalformedDegradesToUnknown(t *testing.T) {
	got, err := parseClassification("not json at all", "gibberish")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != intent.TypeUnknown {
		t.Errorf("type = %q, want unknown", got.Type)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", got.Confidence)
	}
}

func TestBuildPromptIncludesContext(t *testing.T) {
	got := buildPrompt("deploy it there", map[string]string{
		"family_name": "smith",
		"domain":      "smith-family.com",
	})
	want := "deploy it there\n\nConversation context:\ndomain: smith-family.com\nfamily_name: smith"
	if got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestBuildPromptWithoutContext(t *testing.T) {
	if got := buildPrompt("restart the photo service", nil); got != "restart the photo service" {
		t.Errorf("prompt = %q, want bare utterance", got)
	}
}

func TestParseClassificationUnknownVocabulary(t *testing.T) {
	got, err := parseClassification(
		`{"intent": "make_coffee", "confidence": 0.9}`, "make me a coffee")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != intent.TypeUnknown {
		t.Errorf("type = %q, want unknown", got.Type)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence = %v, want 0 for unknown", got.Confidence)
	}
}
