package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/metric"

	"github.com/kireilab/armory/internal/model"
	"github.com/kireilab/armory/internal/telemetry"
)

// LLMClient is the single completion call the proposer needs. The OpenAI
// implementation below satisfies it; tests use stubs.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenAIClient calls the chat completions API with JSON response format.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds an LLM client, or returns nil when no API key is
// configured. A nil client is a valid state: the proposer degrades to
// "no proposal" and the rest of the system keeps running.
func NewOpenAIClient(apiKey, model string, logger *slog.Logger) *OpenAIClient {
	if apiKey == "" {
		logger.Warn("optimizer: OPENAI_API_KEY not set, diff proposals disabled")
		return nil
	}
	return &OpenAIClient{client: openai.NewClient(apiKey), model: model}
}

// Complete sends one prompt and returns the raw completion text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: proposerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("optimizer: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("optimizer: completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

const proposerSystemPrompt = `You tune instruction prompts for a cosmetic-simulation image editor.
Given recent user feedback on edits, propose one small prompt modification that addresses the complaints.

Respond with a single JSON object, nothing else:
{
  "changes": [{"path": "<dotted path>", "op": "replace", "text": "<replacement>", "prior": "<old text>", "rationale": "<why>"}],
  "sampling": {"temperature": 0.0-1.0, "top_p": 0.0-1.0},
  "version_bump": "patch" | "minor" | "major"
}

Rules:
- At most 5 changes. Paths must already exist in the base prompt guidance tree.
- Replacement text must comply with Japanese medical advertising guidelines:
  never use absolute or superlative claims such as 絶対, 必ず, 100%, 世界一,
  or promises of permanent results or absence of side effects.
- Prefer the smallest change that plausibly fixes the reported problem.`

// maxSignalPayload caps the serialized signal block sent to the model.
const maxSignalPayload = 16 * 1024

// maxBatchDiffs caps how many proposals the batch path accepts per call.
const maxBatchDiffs = 3

// Proposer turns negative-feedback signals into candidate diffs.
// Every failure path degrades to an empty result: a missing credential,
// a dead LLM endpoint, or garbage output must never block feedback
// recording or arm selection.
type Proposer struct {
	llm     LLMClient // nil disables proposals
	timeout time.Duration
	logger  *slog.Logger

	llmDuration metric.Float64Histogram
}

// NewProposer creates a Proposer. llm may be nil.
func NewProposer(llm LLMClient, timeout time.Duration, logger *slog.Logger) *Proposer {
	meter := telemetry.Meter("armory/optimizer")
	llmDur, _ := meter.Float64Histogram("armory.optimizer.llm_duration",
		metric.WithDescription("Diff proposal LLM call duration (ms)"),
		metric.WithUnit("ms"))
	return &Proposer{llm: llm, timeout: timeout, logger: logger, llmDuration: llmDur}
}

// ProposeDiff is the online path: zero or one diff from the given
// signals. A nil result with nil error means "no proposal".
func (p *Proposer) ProposeDiff(ctx context.Context, signals []model.Signal, baseVersion string) *model.Diff {
	raw, ok := p.complete(ctx, signals, baseVersion, 1)
	if !ok {
		return nil
	}

	var diff model.Diff
	if err := json.Unmarshal([]byte(raw), &diff); err != nil {
		p.logger.Warn("optimizer: discarding unparseable proposal", "error", err)
		return nil
	}
	return &diff
}

// ProposeDiffs is the batch path: up to three diffs for an offline sweep.
func (p *Proposer) ProposeDiffs(ctx context.Context, signals []model.Signal, baseVersion string) []model.Diff {
	raw, ok := p.complete(ctx, signals, baseVersion, maxBatchDiffs)
	if !ok {
		return nil
	}

	// The batch prompt asks for {"diffs": [...]}; tolerate a bare single
	// object as well, since models drift.
	var wrapper struct {
		Diffs []model.Diff `json:"diffs"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapper); err == nil && len(wrapper.Diffs) > 0 {
		if len(wrapper.Diffs) > maxBatchDiffs {
			wrapper.Diffs = wrapper.Diffs[:maxBatchDiffs]
		}
		return wrapper.Diffs
	}

	var single model.Diff
	if err := json.Unmarshal([]byte(raw), &single); err == nil && len(single.Changes) > 0 {
		return []model.Diff{single}
	}

	p.logger.Warn("optimizer: discarding unparseable batch proposal")
	return nil
}

// complete serializes the signals and runs the LLM call under the
// configured timeout. Returns ok=false on every soft-failure path.
func (p *Proposer) complete(ctx context.Context, signals []model.Signal, baseVersion string, maxDiffs int) (string, bool) {
	if p.llm == nil || len(signals) == 0 {
		return "", false
	}

	payload, err := json.Marshal(signals)
	if err != nil {
		p.logger.Warn("optimizer: marshal signals", "error", err)
		return "", false
	}
	if len(payload) > maxSignalPayload {
		payload = payload[:maxSignalPayload]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Base prompt version: %s\n", baseVersion)
	if maxDiffs > 1 {
		fmt.Fprintf(&b, "Propose up to %d alternative modifications as {\"diffs\": [...]}.\n", maxDiffs)
	} else {
		b.WriteString("Propose exactly one modification.\n")
	}
	fmt.Fprintf(&b, "Recent feedback signals (newest first):\n%s\n", payload)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	raw, err := p.llm.Complete(ctx, b.String())
	p.llmDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		// Includes deadline expiry: treated exactly like "no diff produced".
		p.logger.Warn("optimizer: proposal call failed", "error", err)
		return "", false
	}
	return strings.TrimSpace(raw), true
}
