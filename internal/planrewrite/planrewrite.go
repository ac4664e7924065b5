// Package planrewrite applies the two deterministic normalizations every
// accepted plan goes through before execution (§4.5): alias resolution
// against the session's alias registry, and the chart-maker files_used
// rebind. It is deliberately a pure, collaborator-free package — the design
// note "never resolve aliases ad hoc in prompt builders, always through the
// registry" is enforced by making this the one place that walks
// alias_registry.
package planrewrite

import (
	"strings"

	"github.com/basegraph-relay/reactor/internal/domain"
)

const chartMakerAtomID = "chart-maker"

// ResolveAliases replaces any token in files_used/inputs that matches an
// entry in the alias registry (case/whitespace-normalized) with its
// concrete path. Tokens with no match pass through unchanged, since they
// may already be literal storage paths.
func ResolveAliases(plan domain.StepPlan, aliases map[string]string) domain.StepPlan {
	plan.FilesUsed = resolveTokens(plan.FilesUsed, aliases)
	plan.Inputs = resolveTokens(plan.Inputs, aliases)
	return plan
}

func resolveTokens(tokens []string, aliases map[string]string) []string {
	if len(tokens) == 0 {
		return tokens
	}
	resolved := make([]string, len(tokens))
	for i, tok := range tokens {
		resolved[i] = resolveOne(tok, aliases)
	}
	return resolved
}

func resolveOne(token string, aliases map[string]string) string {
	normalized := normalize(token)
	for alias, path := range aliases {
		if normalize(alias) == normalized {
			return path
		}
	}
	return token
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RebindChartMaker forces a chart-maker plan to consume exactly the most
// recent output file: the last chart-producing candidate in history if
// one exists, else the last entry of available_files. Non-chart-maker
// plans pass through unchanged.
func RebindChartMaker(plan domain.StepPlan, history []domain.StepRecord, availableFiles []string) domain.StepPlan {
	if plan.AtomID != chartMakerAtomID {
		return plan
	}

	target := mostRecentOutput(history)
	if target == "" && len(availableFiles) > 0 {
		target = availableFiles[len(availableFiles)-1]
	}
	if target == "" {
		return plan
	}
	plan.FilesUsed = []string{target}
	return plan
}

// mostRecentOutput walks history backwards looking for the most recently
// produced file, preferring the atom-specific output field over the plan's
// own output_alias bookkeeping.
func mostRecentOutput(history []domain.StepRecord) string {
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if out := rec.Result.ExtractOutputFile(rec.AtomID); out != "" {
			return out
		}
	}
	return ""
}

// NeedsRebind reports whether the planner's own files_used choice already
// is the most recent output — step 5 of §4.1 only overrides when it isn't.
func NeedsRebind(plan domain.StepPlan, history []domain.StepRecord, availableFiles []string) bool {
	if plan.AtomID != chartMakerAtomID {
		return false
	}
	target := mostRecentOutput(history)
	if target == "" && len(availableFiles) > 0 {
		target = availableFiles[len(availableFiles)-1]
	}
	if target == "" {
		return false
	}
	return len(plan.FilesUsed) != 1 || plan.FilesUsed[0] != target
}
