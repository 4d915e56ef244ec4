package model

import (
	"time"

	"github.com/google/uuid"
)

// Arm is a named, versioned variant of the base edit-prompt template.
// Arms are never deleted; lifecycle changes only flip Active.
type Arm struct {
	ID                uuid.UUID `json:"id"`
	BasePromptVersion string    `json:"base_prompt_version"`
	Diff              Diff      `json:"diff"`
	Sampling          Sampling  `json:"sampling"`
	Active            bool      `json:"active"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Sampling holds the LLM sampling configuration an arm runs with.
// Nil fields fall back to DefaultTemperature / DefaultTopP at render time.
type Sampling struct {
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=1"`
	TopP        *float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Default sampling parameters applied when an arm carries no override.
const (
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
)

// TemperatureOrDefault returns the configured temperature or the default.
func (s Sampling) TemperatureOrDefault() float64 {
	if s.Temperature != nil {
		return *s.Temperature
	}
	return DefaultTemperature
}

// TopPOrDefault returns the configured top-p or the default.
func (s Sampling) TopPOrDefault() float64 {
	if s.TopP != nil {
		return *s.TopP
	}
	return DefaultTopP
}

// ArmStats is the mutable aggregate counter row keyed 1:1 with an Arm.
// Counters are incremented atomically in the store; shows and the two
// feedback counters advance independently, so shows >= up+down is not
// guaranteed at any instant.
type ArmStats struct {
	ArmID       uuid.UUID `json:"arm_id"`
	Shows       int64     `json:"shows"`
	ThumbsUp    int64     `json:"thumbs_up"`
	ThumbsDown  int64     `json:"thumbs_down"`
	WilsonLower float64   `json:"wilson_lower"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CTR returns thumbs_up / shows, or 0 when the arm has no exposures.
func (s ArmStats) CTR() float64 {
	if s.Shows == 0 {
		return 0
	}
	return float64(s.ThumbsUp) / float64(s.Shows)
}

// ArmWithStats pairs an arm with its stats row. Stats is nil when the
// stats row is missing (best-effort initialization failed); readers treat
// that as zero exposure.
type ArmWithStats struct {
	Arm   Arm       `json:"arm"`
	Stats *ArmStats `json:"stats,omitempty"`
}

// StatsOrZero returns the stats row, or a zeroed row for arms whose
// stats initialization was lost.
func (a ArmWithStats) StatsOrZero() ArmStats {
	if a.Stats != nil {
		return *a.Stats
	}
	return ArmStats{ArmID: a.Arm.ID}
}
