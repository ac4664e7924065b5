// Package validator implements the Dependency Validator (§4.3): a pure
// inspection of a proposed step against the last produced artifact. Each
// rejection is a typed sentinel wrapped with context, mirroring
// internal/brain/action_validator.go's one-sentinel-error-per-condition
// convention, so the engine can switch on it with errors.Is instead of
// parsing a message string.
package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basegraph-relay/reactor/internal/domain"
)

// Sentinel rejection reasons (§4.3). Each is returned wrapped with %w so
// errors.Is keeps working after fmt.Errorf adds step-specific detail.
var (
	ErrPreviousStepFailed  = errors.New("previous atom failed; re-plan")
	ErrMissingOutput       = errors.New("no materialized output from prior step")
	ErrEmptyDataset        = errors.New("empty dataset; review before continuing")
)

// Code returns a stable string for a rejection ("validation" for every
// sentinel here), or "" if err is not one of this package's sentinels. The
// engine's react_validation_blocked event carries only the reason text, not
// this code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrPreviousStepFailed):
		return "validation"
	case errors.Is(err, ErrMissingOutput):
		return "validation"
	case errors.Is(err, ErrEmptyDataset):
		return "validation"
	default:
		return ""
	}
}

// atomsRequiringInput lists atoms whose purpose requires a materialized
// dataset to have been produced by the previous step — used to decide
// whether a missing output is actually fatal to the proposed plan.
var atomsRequiringInput = map[string]bool{
	"merge":           true,
	"concat":          true,
	"groupby-wtg-avg": true,
	"pivot":           true,
	"filter":          true,
	"chart-maker":     true,
	"scenario-planner": true,
}

// Validate inspects the proposed step against the session's last executed
// step, returning nil if the step may proceed, or a wrapped sentinel error
// describing the rejection reason.
func Validate(session *domain.Session, proposed domain.StepPlan) error {
	last := session.LastRecord()
	if last == nil {
		// First step of the session: nothing to validate against.
		return nil
	}

	if !last.Result.Success {
		return fmt.Errorf("step %d (%s): %w", last.StepNumber, last.AtomID, ErrPreviousStepFailed)
	}

	expected := last.Result.ExtractOutputFile(last.AtomID)

	if !atomsRequiringInput[proposed.AtomID] {
		return nil
	}

	if expected == "" {
		return fmt.Errorf("step %d (%s) produced no output field: %w", last.StepNumber, last.AtomID, ErrMissingOutput)
	}

	if !resolvesTo(proposed, session.AliasRegistry, expected) || !contains(session.AvailableFiles, expected) {
		return fmt.Errorf("step %d (%s) output %q not yet materialized: %w", last.StepNumber, last.AtomID, expected, ErrMissingOutput)
	}

	if last.Result.RowCount != nil && *last.Result.RowCount <= 0 {
		return fmt.Errorf("step %d (%s): %w", last.StepNumber, last.AtomID, ErrEmptyDataset)
	}

	return nil
}

// resolvesTo reports whether any token in proposed.FilesUsed/Inputs
// resolves, via the alias registry or literal match, to expected.
func resolvesTo(proposed domain.StepPlan, aliases map[string]string, expected string) bool {
	tokens := append(append([]string{}, proposed.FilesUsed...), proposed.Inputs...)
	for _, tok := range tokens {
		if tok == expected {
			return true
		}
		if path, ok := aliases[strings.TrimSpace(tok)]; ok && path == expected {
			return true
		}
	}
	return false
}

func contains(files []string, target string) bool {
	for _, f := range files {
		if f == target {
			return true
		}
	}
	return false
}
