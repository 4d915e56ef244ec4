package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcedureTargets are the named slider targets the edit server understands.
// Intensity values are 0-10 per target.
var ProcedureTargets = []string{
	"nasal_tip_mm",
	"nasal_bridge_mm",
	"eye_size_ratio",
	"jaw_width_mm",
	"lip_thickness_mm",
	"cheek_contour_mm",
	"forehead_width_mm",
	"submental_fat_mm",
}

// Intensity slider bounds for every procedure target.
const (
	MinIntensity = 0
	MaxIntensity = 10
)

// Generation is the immutable record of a single image-edit invocation.
// ArmID is nil for edits that ran without a bandit arm (e.g. baseline
// requests issued before any arm existed).
type Generation struct {
	ID            uuid.UUID  `json:"id"`
	ArmID         *uuid.UUID `json:"arm_id,omitempty"`
	PromptVersion string     `json:"prompt_version"`
	// DiffHash is the SHA-256 of the canonical JSON of the applied diff,
	// so historical generations can be grouped by exact prompt content
	// even across arms sharing a diff.
	DiffHash    string             `json:"diff_hash"`
	Temperature float64            `json:"temperature"`
	TopP        float64            `json:"top_p"`
	Model       string             `json:"model"`
	Procedure   string             `json:"procedure"`
	Intensities map[string]float64 `json:"intensities"`
	UserID      string             `json:"user_id"`
	// OfferProbability is the exploration rate in effect when the arm was
	// selected. Required for inverse-propensity correction when evaluating
	// policy changes against logged data.
	OfferProbability float64   `json:"offer_probability"`
	LatencyMS        int64     `json:"latency_ms"`
	ResultOK         bool      `json:"result_ok"`
	CreatedAt        time.Time `json:"created_at"`
}

// Feedback is a single user rating tied to exactly one Generation.
// GenerationID is the primary key: re-rating the same generation updates
// the reason at most, it never creates a second row.
type Feedback struct {
	GenerationID uuid.UUID `json:"generation_id"`
	Rating       int       `json:"rating"` // 0 = thumbs down, 1 = thumbs up
	Reason       *string   `json:"reason,omitempty"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Signal combines a generation's context with its rating for the
// optimizer. It is the unit the diff proposer reasons over.
type Signal struct {
	Procedure   string             `json:"procedure"`
	Intensities map[string]float64 `json:"intensities"`
	Rating      int                `json:"rating"`
	Reason      *string            `json:"reason,omitempty"`
	RatedAt     time.Time          `json:"rated_at"`
}
