// Package ollama implements the semantic classifier port against a local
// Ollama instance using JSON-mode generation.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/intent"
)

const systemPrompt = `You classify infrastructure requests. Respond with JSON only:
{"intent": "<one of: provision_tenant, create_environment, delete_environment, deploy_app, scale_app, add_database, restart_service, create_backup, show_usage, view_logs, troubleshoot, unknown>",
 "confidence": <0.0-1.0>,
 "parameters": {"name": "...", "cpu": "...", "memory_gb": "...", "storage_gb": "..."}}
Omit parameters you cannot extract. Use "unknown" when unsure.`

// Classifier calls Ollama's generate API with format=json.
type Classifier struct {
	url    string
	model  string
	client *http.Client
}

// NewClassifier creates an Ollama-backed semantic classifier.
func NewClassifier(cfg config.Ollama) *Classifier {
	return &Classifier{
		url:   strings.TrimRight(cfg.URL, "/"),
		model: cfg.Model,
		// The caller's context deadline governs; this is a safety net for
		// callers that forget one.
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type classification struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Parameters map[string]string `json:"parameters"`
}

// Classify sends the utterance to the model and parses its JSON verdict.
// sessionContext, when present, is appended to the prompt so the model sees
// what the conversation has already established. Transport failures and
// deadline expiry map to ErrExternalTimeout so the caller can degrade to an
// unknown intent.
func (c *Classifier) Classify(ctx context.Context, utterance string, sessionContext map[string]string) (intent.Intent, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		System: systemPrompt,
		Prompt: buildPrompt(utterance, sessionContext),
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return intent.Intent{}, fmt.Errorf("ollama marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return intent.Intent{}, fmt.Errorf("ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("ollama call: %w: %w", domain.ErrExternalTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return intent.Intent{}, fmt.Errorf("ollama call: status %d: %w", resp.StatusCode, domain.ErrExternalRejection)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("ollama read: %w", err)
	}

	var gen generateResponse
	if err := json.Unmarshal(raw, &gen); err != nil {
		return intent.Intent{}, fmt.Errorf("ollama decode: %w", err)
	}

	return parseClassification(gen.Response, utterance)
}

// buildPrompt appends collected conversation parameters below the
// utterance, keys sorted for a stable prompt.
func buildPrompt(utterance string, sessionContext map[string]string) string {
	if len(sessionContext) == 0 {
		return utterance
	}
	keys := make([]string, 0, len(sessionContext))
	for k := range sessionContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(utterance)
	b.WriteString("\n\nConversation context:")
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + sessionContext[k])
	}
	return b.String()
}

// parseClassification turns the model's JSON text into a typed intent.
// Malformed output or an out-of-vocabulary intent degrades to unknown
// rather than failing the turn.
func parseClassification(text, utterance string) (intent.Intent, error) {
	var cls classification
	if err := json.Unmarshal([]byte(extractJSON(text)), &cls); err != nil {
		return intent.Intent{Type: intent.TypeUnknown, RawInput: utterance}, nil
	}

	typ := intent.Type(cls.Intent)
	if !intent.Valid(typ) {
		typ = intent.TypeUnknown
	}
	conf := cls.Confidence
	if conf < 0 || conf > 1 || typ == intent.TypeUnknown {
		conf = 0
	}

	params := cls.Parameters
	if params == nil {
		params = map[string]string{}
	}
	// Rule-based extraction backfills anything the model missed.
	for k, v := range intent.ExtractParameters(utterance) {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}

	return intent.Intent{
		Type:             typ,
		Confidence:       conf,
		Parameters:       params,
		RequiresApproval: intent.IsHighRisk(typ),
		RawInput:         utterance,
	}, nil
}

// extractJSON strips any prose the model wrapped around the JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
