package optimizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kireilab/armory/internal/model"
)

// Operational sampling bounds enforced on proposals. Narrower than the
// schema's [0,1]: near-deterministic and near-random sampling both
// produce degenerate edit instructions, so proposals may not request them.
const (
	minProposalSampling = 0.1
	maxProposalSampling = 1.0
)

// ValidationResult reports every problem found in a proposed diff, not
// just the first. A diff with any error is discarded, never registered.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validator checks proposed diffs before they can become arms.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds the diff validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate runs all checks independently and reports every failure:
// structural schema, the change-count cap, prohibited-term compliance,
// and the operational sampling bounds.
func (v *Validator) Validate(diff model.Diff) ValidationResult {
	var errs []string

	// Structural schema from the model's validate tags: change count,
	// required fields, op fixed to "replace", schema-level [0,1] sampling.
	if err := v.validate.Struct(diff); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("schema: %s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, fmt.Sprintf("schema: %v", err))
		}
	}

	// Explicit re-check of the cap. Redundant with the schema on purpose:
	// the cap is a regulatory commitment, not just a data shape.
	if len(diff.Changes) > model.MaxDiffChanges {
		errs = append(errs, fmt.Sprintf("too many changes: %d > %d", len(diff.Changes), model.MaxDiffChanges))
	}

	for i, ch := range diff.Changes {
		for _, term := range model.ProhibitedTerms {
			if strings.Contains(ch.Text, term) {
				errs = append(errs, fmt.Sprintf("change %d: replacement text contains prohibited term %q", i, term))
			}
		}
	}

	if diff.Sampling != nil {
		if t := diff.Sampling.Temperature; t != nil && (*t < minProposalSampling || *t > maxProposalSampling) {
			errs = append(errs, fmt.Sprintf("temperature %g outside operational bounds [%g,%g]",
				*t, minProposalSampling, maxProposalSampling))
		}
		if p := diff.Sampling.TopP; p != nil && (*p < minProposalSampling || *p > maxProposalSampling) {
			errs = append(errs, fmt.Sprintf("top_p %g outside operational bounds [%g,%g]",
				*p, minProposalSampling, maxProposalSampling))
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
