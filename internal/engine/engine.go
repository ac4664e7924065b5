// Package engine implements the ReAct Engine (§4.1): the per-session
// Thought → Action → Observation → Decision loop that plans one atom at a
// time, executes it, evaluates the result, and decides whether to continue,
// retry, change approach, or complete. Every collaborator is constructor
// injected, mirroring internal/brain/orchestrator.go's NewOrchestrator —
// including Clock, so cycle timestamps are deterministic under test (§9,
// "Hidden global singletons"). A Random is injected too, but the loop never
// draws from it: the guard-busy back-off is a fixed wall-clock wait.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/basegraph-relay/reactor/internal/atom"
	"github.com/basegraph-relay/reactor/internal/autosave"
	"github.com/basegraph-relay/reactor/internal/config"
	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/guard"
	"github.com/basegraph-relay/reactor/internal/insight"
	"github.com/basegraph-relay/reactor/internal/invoker"
	"github.com/basegraph-relay/reactor/internal/llmclient"
	"github.com/basegraph-relay/reactor/internal/logging"
	"github.com/basegraph-relay/reactor/internal/metacache"
	"github.com/basegraph-relay/reactor/internal/planrewrite"
	"github.com/basegraph-relay/reactor/internal/validator"
	"github.com/basegraph-relay/reactor/internal/wsbus"
)

// Clock is injected so cycle timestamps are deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Random is accepted by NewEngine and kept on the Engine; no code path reads
// it. The guard-busy backoff is a fixed cfg.GuardAcquireBackoff wait with no
// jitter.
type Random interface {
	Float64() float64
}

type systemRandom struct{}

func (systemRandom) Float64() float64 { return rand.Float64() }

// SystemRandom is the production Random.
var SystemRandom Random = systemRandom{}

// Status is the terminal outcome of one Execute call.
type Status string

const (
	StatusCompleted         Status = "completed"
	StatusStopped           Status = "workflow_stopped"
	StatusPausedGeneration  Status = "paused_generation_timeout"
	StatusStalled           Status = "stalled"
	StatusComplexityAborted Status = "complexity_aborted"
	StatusReplayExhausted   Status = "replay_exhausted"
	StatusErrored           Status = "error"
)

// AtomRegistry is the subset of *atom.Registry the engine needs.
type AtomRegistry interface {
	Lookup(atomID string) (domain.AtomCapability, bool)
	Endpoint(atomID string) string
	ProducesDataset(atomID string) bool
	PrefersLatestDataset(atomID string) bool
}

var _ AtomRegistry = (*atom.Registry)(nil)

// Invoker is the subset of *invoker.Invoker the engine needs.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req invoker.Request, observer invoker.RetryObserver) (domain.AtomResult, error)
}

// AutoSaver is the subset of *autosave.AutoSaver the engine needs.
type AutoSaver interface {
	Save(ctx context.Context, plan domain.StepPlan, result domain.AtomResult) (autosave.Outcome, error)
}

// InsightGenerator is the subset of *insight.Generator the engine needs.
type InsightGenerator interface {
	StepNarrative(ctx context.Context, goal string, rec domain.StepRecord) (string, error)
	Terminal(ctx context.Context, goal string, history []domain.StepRecord) (string, error)
}

var _ InsightGenerator = (*insight.Generator)(nil)

// ResultEvaluator is the subset of *evaluator.Evaluator the engine needs.
type ResultEvaluator interface {
	Evaluate(ctx context.Context, goal string, plan domain.StepPlan, result domain.AtomResult, recentHistory []domain.StepRecord) domain.Evaluation
}

// Validator rejects a proposed step given the session's last outcome (§4.3).
// validator.Validate satisfies this directly.
type Validator func(session *domain.Session, proposed domain.StepPlan) error

// SessionStore is the subset of *store.SessionStore the engine needs.
type SessionStore interface {
	Put(ctx context.Context, sess *domain.Session) error
	Delete(ctx context.Context, sessionID string)
	// Pause persists sess to the durable tier so a generation-timeout pause
	// survives a process restart, satisfying "paused sessions persist
	// until explicit cancel or resume" (§3 Session lifecycle).
	Pause(ctx context.Context, sess *domain.Session) error
}

// Bus is the subset of *wsbus.Bus the engine needs.
type Bus interface {
	Send(ctx context.Context, ev wsbus.Event) error
}

// Engine drives one session's ReAct loop at a time per Execute call; a
// single Engine instance is shared across concurrently running sessions,
// each isolated by its own Session and StepGuard lease.
type Engine struct {
	registry  AtomRegistry
	llm       llmclient.AgentClient
	sessions  SessionStore
	guards    guard.StepGuard
	validator Validator
	invoker   Invoker
	evaluator ResultEvaluator
	saver     AutoSaver
	insights  InsightGenerator
	metacache *metacache.Cache
	cfg       config.EngineConfig
	clock     Clock
	rand      Random

	cancelled sync.Map // sessionID -> struct{}
}

// NewEngine builds an Engine from its collaborators, mirroring
// internal/brain/orchestrator.go's NewOrchestrator.
func NewEngine(
	registry AtomRegistry,
	llm llmclient.AgentClient,
	sessions SessionStore,
	guards guard.StepGuard,
	validator Validator,
	invoker Invoker,
	evaluator ResultEvaluator,
	saver AutoSaver,
	insights InsightGenerator,
	mc *metacache.Cache,
	cfg config.EngineConfig,
	clock Clock,
	rand Random,
) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	if rand == nil {
		rand = SystemRandom
	}
	return &Engine{
		registry:  registry,
		llm:       llm,
		sessions:  sessions,
		guards:    guards,
		validator: validator,
		invoker:   invoker,
		evaluator: evaluator,
		saver:     saver,
		insights:  insights,
		metacache: mc,
		cfg:       cfg,
		clock:     clock,
		rand:      rand,
	}
}

// Cancel marks sessionID to stop at the next cycle boundary.
func (e *Engine) Cancel(sessionID string) {
	e.cancelled.Store(sessionID, struct{}{})
}

func (e *Engine) isCancelled(sessionID string) bool {
	_, ok := e.cancelled.Load(sessionID)
	return ok
}

// hints carries cross-cycle guidance that does not belong on domain.Session
// itself: the "choose differently" instruction after change_approach, and
// unresolved issues from the last evaluation.
type hints struct {
	changeApproach bool
	priorIssues    []string
}

// Execute drives sess's ReAct loop to completion, cancellation, a stall, a
// generation timeout, or a complexity abort, streaming progress over bus.
func (e *Engine) Execute(ctx context.Context, sess *domain.Session, bus Bus) (status Status, err error) {
	ctx = logging.WithFields(ctx, logging.Fields{
		SessionID: logging.Ptr(sess.SessionID),
		Component: "engine",
	})
	defer e.cancelled.Delete(sess.SessionID)
	defer func() {
		// A generation-timeout pause must survive past this call so a
		// later "resume" message can pick the session back up; every
		// other terminal status drops the in-flight ReAct state, per §1's
		// "in-flight ReAct state is process-local, no durable queue".
		if status == StatusPausedGeneration {
			if perr := e.sessions.Pause(ctx, sess); perr != nil {
				slog.WarnContext(ctx, "failed to persist paused session", "error", perr)
			}
			return
		}
		e.sessions.Delete(ctx, sess.SessionID)
	}()

	slog.InfoContext(ctx, "workflow started", "goal", sess.Goal)
	_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindWorkflowStarted, Payload: map[string]any{"goal": sess.Goal}})

	h := &hints{}
	stalled := 0
	operations := 0
	historyLen := 0

	for cycle := 0; cycle < e.cfg.MaxSteps; cycle++ {
		if e.isCancelled(sess.SessionID) {
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindWorkflowStopped})
			return StatusStopped, nil
		}

		token, err := e.guards.Acquire(ctx, sess.SessionID, e.cfg.LLMTimeout+e.cfg.EvalBound)
		if errors.Is(err, guard.ErrBusy) {
			if stalled++; stalled >= e.cfg.MaxStalled {
				_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactStalled})
				return StatusStalled, nil
			}
			// The guard itself never waits (§4.2); this call site owns the
			// back-off between lease attempts.
			select {
			case <-ctx.Done():
				return StatusErrored, ctx.Err()
			case <-time.After(e.cfg.GuardAcquireBackoff):
			}
			continue
		}
		if err != nil {
			return StatusErrored, fmt.Errorf("acquire step guard: %w", err)
		}

		done, status, err := e.runCycle(ctx, sess, bus, h, &operations)
		e.guards.Release(ctx, sess.SessionID, token)
		if err != nil {
			return StatusErrored, err
		}
		if done {
			return status, nil
		}

		if len(sess.ExecutionHistory) > historyLen {
			historyLen = len(sess.ExecutionHistory)
			stalled = 0
		} else if stalled++; stalled >= e.cfg.MaxStalled {
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactStalled})
			return StatusStalled, nil
		}

		if operations >= e.cfg.MaxOperations {
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactAbortComplexity})
			return StatusComplexityAborted, nil
		}
		if sess.ReplayCount >= e.cfg.MaxReplays {
			return StatusReplayExhausted, nil
		}

		if err := e.sessions.Put(ctx, sess); err != nil {
			slog.WarnContext(ctx, "failed to persist session snapshot", "error", err)
		}
	}

	return StatusStalled, nil
}

// runCycle runs one protocol cycle (§4.1 steps 2-12). The guard is already
// held by the caller for the duration of this call.
func (e *Engine) runCycle(ctx context.Context, sess *domain.Session, bus Bus, h *hints, operations *int) (done bool, status Status, err error) {
	nextStep := sess.ReAct.CurrentStepNumber + 1
	ctx = logging.WithFields(ctx, logging.Fields{StepNumber: logging.Ptr(nextStep)})

	loopRisk := detectLoopRisk(sess.ExecutionHistory)

	plan, goalAchieved, genErr := e.planNextStep(ctx, sess, bus, loopRisk, h.changeApproach, h.priorIssues)
	if genErr != nil {
		if errors.Is(genErr, errGenerationTimeout) {
			sess.ReAct.Paused = true
			sess.ReAct.PausedAtStep = sess.ReAct.CurrentStepNumber
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactGenTimeout})
			return true, StatusPausedGeneration, nil
		}
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactGenFailed, Payload: map[string]any{"error": genErr.Error()}})
		return true, StatusErrored, nil
	}
	h.changeApproach = false
	h.priorIssues = nil

	if goalAchieved {
		return e.finishIfVisualized(ctx, sess, bus)
	}

	plan.StepNumber = nextStep
	plan = planrewrite.ResolveAliases(plan, sess.AliasRegistry)
	plan = planrewrite.RebindChartMaker(plan, sess.ExecutionHistory, sess.AvailableFiles)
	sess.CachedPlans[plan.StepNumber] = plan

	if loopDetected(sess.ExecutionHistory, plan) {
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactLoopDetected})
		// Loop detection exits directly (§4.1 step 6): unlike an explicit
		// `complete` decision, it is not routed through the
		// forced-visualization check (§4.5, §4.9) — S2 expects no third
		// cycle here even when no chart-maker has run yet.
		sess.ReAct.GoalAchieved = true
		return e.completeTerminal(ctx, sess, bus)
	}

	if verr := e.validator(sess, plan); verr != nil {
		if errors.Is(verr, validator.ErrMissingOutput) && e.tryReplay(ctx, sess, bus) {
			return false, "", nil
		}
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactValidationBlock, Payload: map[string]any{"reason": verr.Error()}})
		return false, "", nil
	}

	_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindStepStarted, Payload: map[string]any{"step": plan.StepNumber, "atom_id": plan.AtomID}})
	startedAt := e.clock.Now()

	result, execErr := e.executeStep(ctx, sess, plan, bus)
	*operations++
	if execErr != nil {
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindStepFailed, Payload: map[string]any{"step": plan.StepNumber, "error": execErr.Error()}})
		result = domain.AtomResult{Success: false, Error: execErr.Error()}
	}

	e.applySave(ctx, sess, plan, result, bus)

	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.EvalBound)
	evaluation := e.evaluator.Evaluate(evalCtx, sess.Goal, plan, result, recentHistory(sess.ExecutionHistory))
	cancel()

	rec := domain.StepRecord{StepPlan: plan, Result: result, Evaluation: evaluation, StartedAt: startedAt, EndedAt: e.clock.Now()}
	sess.ExecutionHistory = append(sess.ExecutionHistory, rec)

	if narrative, nErr := e.insights.StepNarrative(ctx, sess.Goal, rec); nErr == nil {
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindStepCompleted, Payload: map[string]any{"step": plan.StepNumber, "narrative": narrative}})
	} else {
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindStepCompleted, Payload: map[string]any{"step": plan.StepNumber}})
	}

	return e.handleDecision(ctx, sess, bus, h, evaluation)
}

func (e *Engine) applySave(ctx context.Context, sess *domain.Session, plan domain.StepPlan, result domain.AtomResult, bus Bus) {
	outcome, err := e.saver.Save(ctx, plan, result)
	if err != nil || outcome.Path == "" {
		return
	}
	sess.AvailableFiles = append(sess.AvailableFiles, outcome.Path)
	if outcome.Alias != "" {
		sess.AliasRegistry[normalizeAlias(outcome.Alias)] = outcome.Path
	}
	_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindFileCreated, Payload: map[string]any{"step": plan.StepNumber, "path": outcome.Path, "alias": outcome.Alias}})
}

func (e *Engine) handleDecision(ctx context.Context, sess *domain.Session, bus Bus, h *hints, eval domain.Evaluation) (bool, Status, error) {
	_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactDecision, Payload: map[string]any{"decision": eval.Decision, "reasoning": eval.Reasoning}})

	switch eval.Decision {
	case domain.DecisionRetryWithCorrection:
		sess.ReAct.RetryCount++
		if sess.ReAct.RetryCount >= e.cfg.MaxRetriesPerStep {
			sess.ReAct.RetryCount = 0
			h.changeApproach = true
			h.priorIssues = eval.Issues
			_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactCorrection, Payload: map[string]any{"promoted_to": "change_approach"}})
			return false, "", nil
		}
		h.priorIssues = eval.Issues
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindReactCorrection, Payload: map[string]any{"corrected_prompt": eval.CorrectedPrompt}})
		return false, "", nil

	case domain.DecisionChangeApproach:
		h.changeApproach = true
		h.priorIssues = eval.Issues
		return false, "", nil

	case domain.DecisionComplete:
		sess.ReAct.RetryCount = 0
		sess.ReAct.CurrentStepNumber++
		sess.ReAct.GoalAchieved = true
		return e.finishIfVisualized(ctx, sess, bus)

	default: // continue, and any coerced-to-continue value
		sess.ReAct.RetryCount = 0
		sess.ReAct.CurrentStepNumber++
		return false, "", nil
	}
}

// finishIfVisualized enforces the forced-visualization invariant (§4.5):
// before honoring a goal-achieved/complete transition, a chart-maker step
// must have run at least once if there is any file to chart.
func (e *Engine) finishIfVisualized(ctx context.Context, sess *domain.Session, bus Bus) (bool, Status, error) {
	if !sess.HasChartMaker() && !sess.ReAct.ForcedVisualDone && len(sess.AvailableFiles) > 0 {
		sess.ReAct.ForcedVisualDone = true
		plan := domain.StepPlan{
			StepNumber:       sess.ReAct.CurrentStepNumber + 1,
			AtomID:           "chart-maker",
			HumanDescription: "Visualize the final dataset",
			FilesUsed:        []string{sess.LastOutputFile()},
			OutputAlias:      "final_chart",
		}
		sess.CachedPlans[plan.StepNumber] = plan

		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindStepStarted, Payload: map[string]any{"step": plan.StepNumber, "atom_id": plan.AtomID}})
		result, execErr := e.executeStep(ctx, sess, plan, bus)
		if execErr != nil {
			result = domain.AtomResult{Success: false, Error: execErr.Error()}
		}
		e.applySave(ctx, sess, plan, result, bus)

		rec := domain.StepRecord{StepPlan: plan, Result: result, StartedAt: e.clock.Now(), EndedAt: e.clock.Now()}
		sess.ExecutionHistory = append(sess.ExecutionHistory, rec)
		sess.ReAct.CurrentStepNumber++

		// The forced step has run; honor the completion it was blocking on
		// without asking the planner for another cycle (§4.5: "Only after
		// that may it honor complete").
		return e.completeTerminal(ctx, sess, bus)
	}

	return e.completeTerminal(ctx, sess, bus)
}

// completeTerminal assembles the terminal insight narrative and emits
// workflow_completed. Shared by the forced-visualization exit and the
// loop-detection exit, which skips the chart check above it.
func (e *Engine) completeTerminal(ctx context.Context, sess *domain.Session, bus Bus) (bool, Status, error) {
	sess.ReAct.GoalAchieved = true
	if narrative, err := e.insights.Terminal(ctx, sess.Goal, sess.ExecutionHistory); err == nil {
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindWorkflowInsight, Payload: map[string]any{"markdown": narrative}})
	} else {
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindWorkflowInsightFailed, Payload: map[string]any{"error": err.Error()}})
	}
	_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindWorkflowCompleted})
	return true, StatusCompleted, nil
}

func (e *Engine) executeStep(ctx context.Context, sess *domain.Session, plan domain.StepPlan, bus Bus) (domain.AtomResult, error) {
	endpoint := e.registry.Endpoint(plan.AtomID)
	if endpoint == "" {
		return domain.AtomResult{}, invoker.ErrNoEndpoint
	}

	req := invoker.Request{
		Prompt:      plan.HumanDescription,
		SessionID:   sess.SessionID,
		ClientName:  sess.ProjectContext.Client,
		AppName:     sess.ProjectContext.App,
		ProjectName: sess.ProjectContext.Project,
	}
	observer := func(attempt int, reason string) {
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindAtomRetry, Payload: map[string]any{"attempt": attempt, "reason": reason}})
	}

	_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindAtomPrompt, Payload: map[string]any{"atom_id": plan.AtomID, "prompt": plan.HumanDescription}})
	result, err := e.invoker.Invoke(ctx, endpoint, req, observer)
	if err == nil {
		_ = bus.Send(ctx, wsbus.Event{Kind: wsbus.KindAgentExecuted, Payload: map[string]any{"atom_id": plan.AtomID, "success": result.Success}})
	}
	return result, err
}

// tryReplay implements the Replay Controller (§4.4): re-executes the prior
// step against the current alias registry, patching its StepRecord in place
// on success. Returns false if there is nothing to replay or the replay
// budget is exhausted.
func (e *Engine) tryReplay(ctx context.Context, sess *domain.Session, bus Bus) bool {
	last := sess.LastRecord()
	if last == nil || sess.ReplayCount >= e.cfg.MaxReplays {
		return false
	}
	cached, ok := sess.CachedPlans[last.StepNumber]
	if !ok {
		return false
	}

	history := sess.ExecutionHistory[:len(sess.ExecutionHistory)-1]
	cached = planrewrite.ResolveAliases(cached, sess.AliasRegistry)
	cached = planrewrite.RebindChartMaker(cached, history, sess.AvailableFiles)

	result, err := e.executeStep(ctx, sess, cached, bus)
	sess.ReplayCount++
	if err != nil {
		result = domain.AtomResult{Success: false, Error: err.Error()}
	}
	e.applySave(ctx, sess, cached, result, bus)

	if result.Success {
		last.Result = result
		last.EndedAt = e.clock.Now()
	}
	return true
}

func normalizeAlias(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func recentHistory(history []domain.StepRecord) []domain.StepRecord {
	const n = 3
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func detectLoopRisk(history []domain.StepRecord) bool {
	if len(history) < 2 {
		return false
	}
	last := history[len(history)-1]
	start := len(history) - 3
	if start < 0 {
		start = 0
	}
	for _, rec := range history[start : len(history)-1] {
		if rec.AtomID == last.AtomID && sameFileSet(rec.FilesUsed, last.FilesUsed) {
			return true
		}
	}
	return false
}

func loopDetected(history []domain.StepRecord, plan domain.StepPlan) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.AtomID == plan.AtomID && sameFileSet(last.FilesUsed, plan.FilesUsed)
}

func sameFileSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		if !set[f] {
			return false
		}
	}
	return true
}

