// Package promptbuilder deterministically assembles the planning and
// evaluation prompts the engine hands to the LLM Client (§4.1 step 3, §4.8).
// Output is opaque text handed to llmclient; the shape of the response it
// expects (PlanDecision / Evaluation, both in internal/domain) is the part
// of the contract the caller enforces, not this package. Grounded on
// internal/brain/planner.go's message accumulation, generalized to a single
// deterministic prompt string; the engine sends it in a tool-calling request
// whose submit_plan tool carries the PlanDecision back.
package promptbuilder

import (
	"fmt"
	"strings"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/metacache"
)

const (
	maxHistoryEntries    = 10
	maxResultSnapshotLen = 1500
	evalHistoryEntries   = 3
)

// FileInfo pairs a storage path with its cached profile (possibly zero-value
// when the cache has no entry yet).
type FileInfo struct {
	Path    string
	Profile metacache.Profile
}

// PlanningContext is the snapshot the engine assembles once per cycle before
// calling BuildPlanningPrompt.
type PlanningContext struct {
	Goal           string
	History        []domain.StepRecord
	AvailableFiles []FileInfo
	LoopRisk       bool
	ChangeApproach bool // set when the previous decision was change_approach
	PriorIssues    []string
}

// BuildPlanningPrompt assembles the planner prompt: goal, filtered file
// inventory with column metadata, execution history, and loop-risk /
// change-approach hints for the model. The most recent maxHistoryEntries
// steps are included verbatim; older ones are summarized only by count, to
// keep prompt size bounded as a session grows long.
func BuildPlanningPrompt(ctx PlanningContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Goal: %s\n\n", ctx.Goal)

	b.WriteString("Available files:\n")
	if len(ctx.AvailableFiles) == 0 {
		b.WriteString("  (none yet)\n")
	}
	for _, f := range ctx.AvailableFiles {
		fmt.Fprintf(&b, "  - %s", f.Path)
		if len(f.Profile.Columns) > 0 {
			fmt.Fprintf(&b, " [columns=%s, rows=%d]", strings.Join(f.Profile.Columns, ","), f.Profile.RowCount)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	writeHistory(&b, ctx.History)

	if ctx.LoopRisk {
		b.WriteString("\nWARNING: the last step used the same atom and file set as one still under " +
			"consideration. Choosing the same atom over the same files again will end the run.\n")
	}
	if ctx.ChangeApproach {
		b.WriteString("\nThe previous decision asked for a different approach: choose a different " +
			"atom or different files than the last step.\n")
	}
	for _, issue := range ctx.PriorIssues {
		fmt.Fprintf(&b, "Unresolved issue from last evaluation: %s\n", issue)
	}

	b.WriteString("\nRespond with the next step as JSON: {atom_id, description, files_used, " +
		"inputs, output_alias, goal_achieved}.\n")

	return b.String()
}

func writeHistory(b *strings.Builder, history []domain.StepRecord) {
	b.WriteString("Execution history:\n")
	if len(history) == 0 {
		b.WriteString("  (none yet)\n")
		return
	}

	start := 0
	if len(history) > maxHistoryEntries {
		start = len(history) - maxHistoryEntries
		fmt.Fprintf(b, "  (%d earlier steps omitted)\n", start)
	}
	for _, rec := range history[start:] {
		fmt.Fprintf(b, "  step %d: %s on %v -> success=%v", rec.StepNumber, rec.AtomID, rec.FilesUsed, rec.Result.Success)
		if rec.Evaluation.Decision != "" {
			fmt.Fprintf(b, ", decision=%s", rec.Evaluation.Decision)
		}
		b.WriteString("\n")
	}
}

// EvaluationContext is the snapshot handed to BuildEvaluationPrompt.
type EvaluationContext struct {
	Goal           string
	Plan           domain.StepPlan
	ResultSnapshot string // opaque JSON/text of the atom's raw response
	RecentHistory  []domain.StepRecord
}

// BuildEvaluationPrompt assembles the grading prompt: goal, the plan that
// was executed, the result truncated to ~1500 chars, and the last three
// history summaries (§4.8).
func BuildEvaluationPrompt(ctx EvaluationContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Goal: %s\n\n", ctx.Goal)
	fmt.Fprintf(&b, "Step %d plan: atom=%s description=%q files_used=%v\n\n",
		ctx.Plan.StepNumber, ctx.Plan.AtomID, ctx.Plan.HumanDescription, ctx.Plan.FilesUsed)

	snapshot := ctx.ResultSnapshot
	if len(snapshot) > maxResultSnapshotLen {
		snapshot = snapshot[:maxResultSnapshotLen] + "...(truncated)"
	}
	fmt.Fprintf(&b, "Result: %s\n\n", snapshot)

	writeRecentHistory(&b, ctx.RecentHistory)

	b.WriteString("\nGrade this step. Respond with JSON: {decision, reasoning, quality_score?, " +
		"correctness, issues[], corrected_prompt?, alternative_approach?}. decision must be one of " +
		"continue, retry_with_correction, change_approach, complete.\n")

	return b.String()
}

func writeRecentHistory(b *strings.Builder, history []domain.StepRecord) {
	if len(history) == 0 {
		return
	}
	start := 0
	if len(history) > evalHistoryEntries {
		start = len(history) - evalHistoryEntries
	}
	b.WriteString("Recent steps:\n")
	for _, rec := range history[start:] {
		fmt.Fprintf(b, "  step %d: %s -> success=%v\n", rec.StepNumber, rec.AtomID, rec.Result.Success)
	}
}

// SystemPromptPlanning is the fixed system-role instruction preceding every
// planning call.
const SystemPromptPlanning = "You are the planning step of a data-analysis ReAct loop. " +
	"Choose exactly one atom to run next, or declare the goal achieved. " +
	"Never invent files or aliases that are not listed as available."

// SystemPromptEvaluation is the fixed system-role instruction preceding
// every evaluation call, biased toward determinism (temperature is set
// lower by the caller, not here).
const SystemPromptEvaluation = "You are the evaluation step of a data-analysis ReAct loop. " +
	"Grade the just-executed step strictly against the stated goal."
