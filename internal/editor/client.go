// Package editor is the HTTP client for the external cosmetic-simulation
// edit server. The server takes a source photo plus a rendered instruction
// and returns the edited photo; everything about how the edit happens is
// the server's business.
package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kireilab/armory/internal/telemetry"
)

// Client calls the edit server over HTTP.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client

	editDuration metric.Float64Histogram
}

// New creates a Client for the edit server at baseURL. Model names the
// image-editing backend the server should use, e.g. "nano-banana".
func New(baseURL, model string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8001"
	}
	meter := telemetry.Meter("armory/editor")
	editDur, _ := meter.Float64Histogram("armory.editor.duration",
		metric.WithDescription("Edit server round-trip duration (ms)"),
		metric.WithUnit("ms"))
	return &Client{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		editDuration: editDur,
	}
}

// Request is one edit job: a base64-encoded source image, the rendered
// instruction, and the procedure parameters the instruction was built
// from. The server uses the parameters to drive the mesh deformation and
// the instruction to guide the generative pass.
type Request struct {
	Image       string             `json:"image"`
	Instruction string             `json:"instruction"`
	Procedure   string             `json:"procedure"`
	Intensities map[string]float64 `json:"intensities"`
	Temperature float64            `json:"temperature"`
	TopP        float64            `json:"top_p"`
}

// Result is the edited image plus server-side timing.
type Result struct {
	Image     string `json:"image"`
	Model     string `json:"model"`
	Attempts  int    `json:"attempts"`
	LatencyMS int64  `json:"latency_ms"`
}

type editRequest struct {
	Request
	Model string `json:"model"`
}

// Edit runs one edit. Timing covers the full round trip and is recorded
// on the result even when the server reports its own latency.
func (c *Client) Edit(ctx context.Context, req Request) (Result, error) {
	reqBody, err := json.Marshal(editRequest{Request: req, Model: c.model})
	if err != nil {
		return Result{}, fmt.Errorf("editor: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/edit", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("editor: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	elapsed := time.Since(start)
	c.editDuration.Record(ctx, float64(elapsed.Milliseconds()))
	if err != nil {
		return Result{}, fmt.Errorf("editor: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("editor: status %d: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("editor: decode response: %w", err)
	}
	if result.Image == "" {
		return Result{}, fmt.Errorf("editor: empty image returned")
	}
	result.LatencyMS = elapsed.Milliseconds()
	return result, nil
}

// Healthy reports whether the edit server answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
