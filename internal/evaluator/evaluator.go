// Package evaluator implements the Result Evaluator (§4.8): a single-shot,
// schema-constrained grade of one executed step, biased toward determinism
// and falling back to a safe decision on any hard failure rather than
// stalling the loop. Grounded directly on common/llm/client.go's Client.Chat
// — a JSON-schema-constrained completion via invopop/jsonschema and
// ResponseFormatJSONSchemaParam{Strict:true} — as opposed to the
// tool-calling AgentClient the planner uses.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/llmclient"
	"github.com/basegraph-relay/reactor/internal/promptbuilder"
)

// evaluationTemperature biases the grading completion toward determinism,
// lower than the planner's default.
var evaluationTemperature = 0.2

const maxParseRetries = 2

// Evaluator grades a just-executed step against the stated goal.
type Evaluator struct {
	grader llmclient.GraderClient
}

// New builds an Evaluator.
func New(grader llmclient.GraderClient) *Evaluator {
	return &Evaluator{grader: grader}
}

// Evaluate builds the evaluation prompt and grades the step. On a hard LLM
// failure (transport error or unparseable response after maxParseRetries
// retries, maxParseRetries+1 attempts in all) it falls back to `continue` if the step succeeded, else
// `retry_with_correction` — it never propagates the failure up as a reason
// to stall the loop.
func (e *Evaluator) Evaluate(ctx context.Context, goal string, plan domain.StepPlan, result domain.AtomResult, recentHistory []domain.StepRecord) domain.Evaluation {
	prompt := promptbuilder.BuildEvaluationPrompt(promptbuilder.EvaluationContext{
		Goal:           goal,
		Plan:           plan,
		ResultSnapshot: snapshotOf(result),
		RecentHistory:  recentHistory,
	})

	var lastErr error
	for attempt := 1; attempt <= maxParseRetries+1; attempt++ {
		var eval domain.Evaluation
		req := llmclient.GraderRequest{
			SystemPrompt: promptbuilder.SystemPromptEvaluation,
			UserPrompt:   prompt,
			SchemaName:   "step_evaluation",
			Schema:       llmclient.GenerateSchema[domain.Evaluation](),
			Temperature:  &evaluationTemperature,
		}
		if _, err := e.grader.Grade(ctx, req, &eval); err != nil {
			lastErr = err
			continue
		}
		return eval
	}

	return fallback(result, lastErr)
}

func fallback(result domain.AtomResult, cause error) domain.Evaluation {
	decision := domain.DecisionRetryWithCorrection
	if result.Success {
		decision = domain.DecisionContinue
	}
	reasoning := "evaluation unavailable"
	if cause != nil {
		reasoning = fmt.Sprintf("evaluation unavailable: %v", cause)
	}
	return domain.Evaluation{
		Decision:    decision,
		Reasoning:   reasoning,
		Correctness: result.Success,
	}
}

func snapshotOf(result domain.AtomResult) string {
	if result.Raw != nil {
		return string(result.Raw)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return result.Error
	}
	return string(data)
}
