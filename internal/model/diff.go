package model

// MaxDiffChanges caps how many guidance-tree replacements a single diff
// may carry. The cap is enforced both at schema level and again in the
// validator (regulatory review asked for defense in depth here).
const MaxDiffChanges = 5

// Diff is a small structured edit against the base prompt's guidance tree.
// It is transient: proposals are validated and either discarded or frozen
// into an Arm's diff column, never stored on their own.
type Diff struct {
	Changes  []DiffChange `json:"changes" validate:"max=5,dive"`
	Sampling *Sampling    `json:"sampling,omitempty"`
	// VersionBump hints how the base prompt version should advance if this
	// diff is promoted into the base template ("patch", "minor", "major").
	VersionBump string `json:"version_bump,omitempty" validate:"omitempty,oneof=patch minor major"`
}

// DiffChange replaces the text at one dotted path in the guidance tree.
type DiffChange struct {
	Path string `json:"path" validate:"required"`
	Op   string `json:"op" validate:"required,eq=replace"`
	Text string `json:"text" validate:"required"`
	// Prior is the text the proposer believed it was replacing. Advisory
	// only; application does not verify it.
	Prior     string `json:"prior,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// ProhibitedTerms are exaggerated-claim words banned by the medical
// advertising guidelines the edit prompts operate under. Matching is exact
// substring, case-sensitive; the list is deliberately small and fixed so
// compliance review can audit it.
var ProhibitedTerms = []string{
	"絶対",
	"完全に治",
	"必ず",
	"永久に",
	"100%",
	"世界一",
	"No.1",
	"副作用なし",
}
