package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/llmclient"
	"github.com/basegraph-relay/reactor/internal/metacache"
	"github.com/basegraph-relay/reactor/internal/promptbuilder"
	"github.com/basegraph-relay/reactor/internal/wsbus"
)

// errGenerationTimeout marks planNextStep's PlanBound wall clock being
// exhausted; the caller pauses the session rather than erroring it.
var errGenerationTimeout = errors.New("plan generation timed out")

const maxPlanAttempts = 3

// planNextStep calls the planning LLM with tool-calling enabled, retrying a
// bounded number of times on an unparseable response, inside the overall
// PlanBound wall clock (§4.1.1, §5). While waiting it emits
// react_generation_status roughly every GenerationStatusEvery so a slow
// planning call doesn't look hung to the client.
func (e *Engine) planNextStep(ctx context.Context, sess *domain.Session, bus Bus, loopRisk, changeApproach bool, priorIssues []string) (domain.StepPlan, bool, error) {
	prompt := promptbuilder.BuildPlanningPrompt(promptbuilder.PlanningContext{
		Goal:           sess.Goal,
		History:        sess.ExecutionHistory,
		AvailableFiles: e.fileInfos(ctx, sess.AvailableFiles),
		LoopRisk:       loopRisk,
		ChangeApproach: changeApproach,
		PriorIssues:    priorIssues,
	})

	boundCtx, cancel := context.WithTimeout(ctx, e.cfg.PlanBound)
	defer cancel()

	statusDone := make(chan struct{})
	go e.emitGenerationStatus(boundCtx, bus, statusDone)
	defer close(statusDone)

	tool := llmclient.Tool{
		Name:        "submit_plan",
		Description: "Submit the next ReAct step, or declare the goal achieved.",
		Parameters:  llmclient.GenerateSchema[domain.PlanDecision](),
	}

	var lastErr error
	for attempt := 1; attempt <= maxPlanAttempts; attempt++ {
		attemptCtx, attemptCancel := context.WithTimeout(boundCtx, e.cfg.LLMTimeout)
		resp, err := e.llm.ChatWithTools(attemptCtx, llmclient.AgentRequest{
			Messages: []llmclient.Message{
				{Role: "system", Content: promptbuilder.SystemPromptPlanning},
				{Role: "user", Content: prompt},
			},
			Tools: []llmclient.Tool{tool},
		})
		attemptCancel()

		if err != nil {
			lastErr = err
			if boundCtx.Err() != nil {
				return domain.StepPlan{}, false, errGenerationTimeout
			}
			continue
		}

		decision, ok := decodePlanDecision(resp)
		if !ok {
			lastErr = fmt.Errorf("could not decode a plan decision from the planning response")
			continue
		}

		if decision.AtomID == "" {
			if decision.GoalAchieved {
				return domain.StepPlan{}, true, nil
			}
			decision.AtomID = inferAtomID(decision.Description)
			if decision.AtomID == "" {
				lastErr = fmt.Errorf("planning response named no atom and did not declare the goal achieved")
				continue
			}
		}

		return domain.StepPlan{
			AtomID:           decision.AtomID,
			HumanDescription: decision.Description,
			FilesUsed:        decision.FilesUsed,
			Inputs:           decision.Inputs,
			OutputAlias:      decision.OutputAlias,
			Prompt:           prompt,
		}, decision.GoalAchieved, nil
	}

	if boundCtx.Err() != nil {
		return domain.StepPlan{}, false, errGenerationTimeout
	}
	return domain.StepPlan{}, false, fmt.Errorf("plan generation failed after %d attempts: %w", maxPlanAttempts, lastErr)
}

// decodePlanDecision pulls the structured plan out of a tool call, falling
// back to parsing raw content as JSON for models that answer without
// invoking the tool.
func decodePlanDecision(resp *llmclient.AgentResponse) (domain.PlanDecision, bool) {
	for _, tc := range resp.ToolCalls {
		if tc.Name != "submit_plan" {
			continue
		}
		decision, err := llmclient.ParseToolArguments[domain.PlanDecision](tc.Arguments)
		if err != nil {
			continue
		}
		return decision, true
	}

	var decision domain.PlanDecision
	if resp.Content == "" {
		return decision, false
	}
	if err := json.Unmarshal([]byte(resp.Content), &decision); err != nil {
		return decision, false
	}
	return decision, true
}

func (e *Engine) emitGenerationStatus(ctx context.Context, bus Bus, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.GenerationStatusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactGenStatus})
		}
	}
}

// knownAtomIDs lists the ids inferAtomID will match against a free-text
// description, for models that omit the atom_id tool argument.
var knownAtomIDs = []string{
	"data-upload-validate", "merge", "concat", "groupby-wtg-avg",
	"pivot", "filter", "chart-maker", "scenario-planner",
}

func inferAtomID(description string) string {
	lower := strings.ToLower(description)
	for _, id := range knownAtomIDs {
		spaced := strings.ReplaceAll(id, "-", " ")
		if strings.Contains(lower, id) || strings.Contains(lower, spaced) {
			return id
		}
	}
	return ""
}

func (e *Engine) fileInfos(ctx context.Context, files []string) []promptbuilder.FileInfo {
	infos := make([]promptbuilder.FileInfo, 0, len(files))
	for _, f := range files {
		if e.metacache == nil {
			infos = append(infos, promptbuilder.FileInfo{Path: f})
			continue
		}
		profile, err := e.metacache.Get(ctx, f)
		if err != nil {
			infos = append(infos, promptbuilder.FileInfo{Path: f})
			continue
		}
		infos = append(infos, promptbuilder.FileInfo{Path: f, Profile: profile})
	}
	return infos
}
