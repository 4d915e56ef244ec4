package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied text. These keep a single
// oversized field from filling Postgres TEXT columns or blowing up the
// signal payload sent to the diff proposer.
const (
	MaxReasonLen = 2 * 1024
	MaxNotesLen  = 8 * 1024
)

// GenerateRequest asks for one image edit under the current policy.
// The image itself travels as a base64 blob; the core treats it as opaque.
type GenerateRequest struct {
	ImageBase64 string             `json:"image_base64"`
	Procedure   string             `json:"procedure"`
	Intensities map[string]float64 `json:"intensities"`
	UserID      string             `json:"user_id"`
}

// Validate checks procedure and intensity ranges before any store access.
func (r GenerateRequest) Validate() error {
	if r.ImageBase64 == "" {
		return fmt.Errorf("image_base64 is required")
	}
	if r.Procedure == "" {
		return fmt.Errorf("procedure is required")
	}
	for name, v := range r.Intensities {
		if v < MinIntensity || v > MaxIntensity {
			return fmt.Errorf("intensity %q out of range [%d,%d]: %g", name, MinIntensity, MaxIntensity, v)
		}
	}
	return nil
}

// GenerateResponse returns the edited image and the generation record id.
type GenerateResponse struct {
	GenerationID uuid.UUID `json:"generation_id"`
	ArmID        uuid.UUID `json:"arm_id"`
	ImageBase64  string    `json:"image_base64"`
}

// FeedbackRequest records a user rating for a prior generation.
type FeedbackRequest struct {
	GenerationID uuid.UUID `json:"generation_id"`
	Rating       int       `json:"rating"`
	Reason       *string   `json:"reason,omitempty"`
	UserID       string    `json:"user_id"`
}

// Validate checks the rating domain and reason length.
func (r FeedbackRequest) Validate() error {
	if r.GenerationID == uuid.Nil {
		return fmt.Errorf("generation_id is required")
	}
	if r.Rating != 0 && r.Rating != 1 {
		return fmt.Errorf("rating must be 0 or 1 (got %d)", r.Rating)
	}
	if r.Reason != nil && len(*r.Reason) > MaxReasonLen {
		return fmt.Errorf("reason exceeds maximum length of %d bytes", MaxReasonLen)
	}
	return nil
}

// RegisterArmRequest creates an arm from an operator-authored diff.
// Operator-created arms start inactive and require explicit activation.
type RegisterArmRequest struct {
	Diff              Diff      `json:"diff"`
	Sampling          *Sampling `json:"sampling,omitempty"`
	BasePromptVersion string    `json:"base_prompt_version,omitempty"`
	Notes             string    `json:"notes,omitempty"`
}

// ArmMetrics is the read-only reporting row for the operator dashboard.
type ArmMetrics struct {
	ArmID             uuid.UUID `json:"arm_id"`
	BasePromptVersion string    `json:"base_prompt_version"`
	Active            bool      `json:"active"`
	Shows             int64     `json:"shows"`
	ThumbsUp          int64     `json:"thumbs_up"`
	ThumbsDown        int64     `json:"thumbs_down"`
	CTR               float64   `json:"ctr"`
	WilsonLower       float64   `json:"wilson_lower"`
	CreatedAt         time.Time `json:"created_at"`
}

// HealthResponse reports component health for GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Editor   string `json:"editor,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Machine-readable API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeNoActiveArms  = "NO_ACTIVE_ARMS"
	ErrCodeEditFailed    = "EDIT_FAILED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
