package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basegraph-relay/reactor/internal/autosave"
	"github.com/basegraph-relay/reactor/internal/config"
	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/invoker"
	"github.com/basegraph-relay/reactor/internal/llmclient"
	"github.com/basegraph-relay/reactor/internal/wsbus"
)

// -- fakes -------------------------------------------------------------

type fakeRegistry struct{}

func (fakeRegistry) Lookup(atomID string) (domain.AtomCapability, bool) {
	return domain.AtomCapability{AtomID: atomID}, true
}
func (fakeRegistry) Endpoint(atomID string) string          { return "http://atoms.local/" + atomID }
func (fakeRegistry) ProducesDataset(atomID string) bool      { return atomID != "chart-maker" }
func (fakeRegistry) PrefersLatestDataset(atomID string) bool { return atomID == "chart-maker" }

// fakePlan is one queued planning response.
type fakePlan struct {
	decision domain.PlanDecision
	err      error
}

type fakeLLM struct {
	mu     sync.Mutex
	plans  []fakePlan
	cursor int
}

func (f *fakeLLM) ChatWithTools(ctx context.Context, req llmclient.AgentRequest) (*llmclient.AgentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor >= len(f.plans) {
		return nil, fmt.Errorf("fakeLLM: no more queued plans")
	}
	p := f.plans[f.cursor]
	f.cursor++
	if p.err != nil {
		return nil, p.err
	}
	args, _ := json.Marshal(p.decision)
	return &llmclient.AgentResponse{
		ToolCalls: []llmclient.ToolCall{{Name: "submit_plan", Arguments: string(args)}},
	}, nil
}

func (f *fakeLLM) Model() string { return "fake-model" }

// timeoutLLM never responds before its context expires, standing in for a
// planning call that blows through PlanBound (§5, scenario S5).
type timeoutLLM struct{}

func (timeoutLLM) ChatWithTools(ctx context.Context, req llmclient.AgentRequest) (*llmclient.AgentResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (timeoutLLM) Model() string { return "timeout-model" }

type fakeSessionStore struct {
	mu      sync.Mutex
	puts    int
	deletes int
	paused  int
}

func (s *fakeSessionStore) Put(ctx context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	return nil
}
func (s *fakeSessionStore) Delete(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
}
func (s *fakeSessionStore) Pause(ctx context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused++
	return nil
}

func (s *fakeSessionStore) pauseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// atomResult decodes a canned JSON body the way the real invoker would.
func atomResult(raw string) domain.AtomResult {
	var r domain.AtomResult
	_ = r.UnmarshalJSON([]byte(raw))
	return r
}

// cannedInvoker maps an atom id (parsed out of the fakeRegistry's
// "http://atoms.local/<atom-id>" endpoint convention) to a canned result,
// standing in for a real HTTP round trip to the atom executor.
type cannedInvoker struct {
	mu      sync.Mutex
	results map[string]domain.AtomResult
	calls   int
}

func newAtomInvoker(results map[string]domain.AtomResult) *cannedInvoker {
	return &cannedInvoker{results: results}
}

func (c *cannedInvoker) Invoke(ctx context.Context, endpoint string, req invoker.Request, observer invoker.RetryObserver) (domain.AtomResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	atomID := strings.TrimPrefix(endpoint, "http://atoms.local/")
	if r, ok := c.results[atomID]; ok {
		return r, nil
	}
	return domain.AtomResult{Success: false, Error: "no canned result for " + atomID}, nil
}

func (c *cannedInvoker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// seqInvoker hands back the next queued result per atom id on each
// invocation, falling back to the last one once a queue is exhausted — used
// to simulate a first attempt that produced no materialized output
// followed by a replay that does (S4).
type seqInvoker struct {
	mu      sync.Mutex
	queues  map[string][]domain.AtomResult
	cursors map[string]int
	calls   int
}

func newSeqInvoker(queues map[string][]domain.AtomResult) *seqInvoker {
	return &seqInvoker{queues: queues, cursors: make(map[string]int)}
}

func (c *seqInvoker) Invoke(ctx context.Context, endpoint string, req invoker.Request, observer invoker.RetryObserver) (domain.AtomResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	atomID := strings.TrimPrefix(endpoint, "http://atoms.local/")
	q, ok := c.queues[atomID]
	if !ok || len(q) == 0 {
		return domain.AtomResult{Success: false, Error: "no canned result for " + atomID}, nil
	}
	i := c.cursors[atomID]
	if i >= len(q) {
		i = len(q) - 1
	}
	c.cursors[atomID] = i + 1
	return q[i], nil
}

func (c *seqInvoker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeEval struct {
	decisions []domain.Decision
	cursor    int
}

func (f *fakeEval) Evaluate(ctx context.Context, goal string, plan domain.StepPlan, result domain.AtomResult, recent []domain.StepRecord) domain.Evaluation {
	d := domain.DecisionContinue
	if f.cursor < len(f.decisions) {
		d = f.decisions[f.cursor]
	}
	f.cursor++
	return domain.Evaluation{Decision: d, Reasoning: "test", Correctness: result.Success}
}

type fakeSaver struct{}

func (fakeSaver) Save(ctx context.Context, plan domain.StepPlan, result domain.AtomResult) (autosave.Outcome, error) {
	path := result.ExtractOutputFile(plan.AtomID)
	if path == "" {
		return autosave.Outcome{}, nil
	}
	return autosave.Outcome{Path: path, Alias: plan.OutputAlias}, nil
}

type fakeInsights struct{}

func (fakeInsights) StepNarrative(ctx context.Context, goal string, rec domain.StepRecord) (string, error) {
	return "narrative", nil
}
func (fakeInsights) Terminal(ctx context.Context, goal string, history []domain.StepRecord) (string, error) {
	return "terminal narrative", nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []wsbus.Event
}

func (b *fakeBus) Send(ctx context.Context, ev wsbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBus) kinds() []wsbus.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]wsbus.Kind, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Kind
	}
	return out
}

func (b *fakeBus) count(k wsbus.Kind) int {
	n := 0
	for _, got := range b.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func testCfg() config.EngineConfig {
	return config.EngineConfig{
		MaxSteps:              20,
		MaxOperations:         12,
		MaxStalled:            4,
		MaxReplays:            7,
		MaxRetriesPerStep:     2,
		LLMTimeout:            time.Second,
		PlanBound:             2 * time.Second,
		EvalBound:             time.Second,
		GuardAcquireBackoff:   5 * time.Millisecond,
		GenerationStatusEvery: 50 * time.Millisecond,
	}
}

func projectCtx() domain.ProjectContext {
	return domain.ProjectContext{Client: "c", App: "a", Project: "p"}
}
