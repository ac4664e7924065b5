// Package insight implements the Insight Generator (§4.12): per-step
// markdown narratives, parallel atom-level structured insights with a
// content-addressed cache, and a terminal run summary. The parallel
// atom-level fan-out is grounded directly on
// codegraph/assistant/runner.go's concurrent tool-call execution (a
// sync.WaitGroup plus a mutex-guarded results slice) — there is no
// unbounded fan-out since a single step produces a small fixed set of
// structured insight fields.
package insight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/llmclient"
)

const (
	goodTTL     = 6 * time.Hour
	fallbackTTL = 10 * time.Minute
)

// Structured is the atom-level structured insight shape (§4.12).
type Structured struct {
	Insight    string `json:"insight"`
	Impact     string `json:"impact"`
	Risk       string `json:"risk"`
	NextAction string `json:"next_action"`
}

// Clock is injected so cache expiry is deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

type cacheEntry struct {
	value     Structured
	expiresAt time.Time
}

// Cache is the per-artifact content-addressed cache keyed by
// sha256(atom_id ‖ facts_digest) (§3 "Insight Cache Entry").
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	clock   Clock
}

// NewCache builds an empty Cache.
func NewCache(clock Clock) *Cache {
	if clock == nil {
		clock = SystemClock
	}
	return &Cache{entries: make(map[string]cacheEntry), clock: clock}
}

// Key computes the content-address for an atom id and a caller-supplied
// digest of the facts that went into the insight (e.g. a hash of the atom
// result).
func Key(atomID, factsDigest string) string {
	sum := sha256.Sum256([]byte(atomID + "\x00" + factsDigest))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) get(key string) (Structured, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return Structured{}, false
	}
	return entry.value, true
}

func (c *Cache) put(key string, value Structured, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.clock.Now().Add(ttl)}
}

// Generator produces step, atom-level, and terminal insights via the
// grading LLM client (schema-constrained, matching §4.8's single-shot
// shape rather than a tool-calling loop).
type Generator struct {
	grader llmclient.GraderClient
	cache  *Cache
}

// New builds a Generator.
func New(grader llmclient.GraderClient, cache *Cache) *Generator {
	return &Generator{grader: grader, cache: cache}
}

// StepNarrative is a short markdown narrative produced after step_completed
// (§4.12 "summary, what we obtained, ready for next step").
func (g *Generator) StepNarrative(ctx context.Context, goal string, rec domain.StepRecord) (string, error) {
	var out struct {
		Markdown string `json:"markdown"`
	}
	req := llmclient.GraderRequest{
		SystemPrompt: "Write a short three-section markdown narrative for a completed analysis step: " +
			"## Summary, ## What we obtained, ## Ready for next step.",
		UserPrompt: fmt.Sprintf("Goal: %s\nStep %d atom=%s success=%v", goal, rec.StepNumber, rec.AtomID, rec.Result.Success),
		SchemaName: "step_narrative",
		Schema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"markdown": map[string]any{"type": "string"}},
			"required":             []string{"markdown"},
			"additionalProperties": false,
		},
	}
	if _, err := g.grader.Grade(ctx, req, &out); err != nil {
		return "", fmt.Errorf("generate step narrative: %w", err)
	}
	return out.Markdown, nil
}

// AtomInsight produces the structured insight for one atom result, serving
// from the content-addressed cache when available.
func (g *Generator) AtomInsight(ctx context.Context, atomID, factsDigest, facts string) (Structured, error) {
	key := Key(atomID, factsDigest)
	if cached, ok := g.cache.get(key); ok {
		return cached, nil
	}

	var out Structured
	req := llmclient.GraderRequest{
		SystemPrompt: "Produce a structured insight for one executed atom: insight, impact, risk, next_action.",
		UserPrompt:   facts,
		SchemaName:   "atom_insight",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"insight":     map[string]any{"type": "string"},
				"impact":      map[string]any{"type": "string"},
				"risk":        map[string]any{"type": "string"},
				"next_action": map[string]any{"type": "string"},
			},
			"required":             []string{"insight", "impact", "risk", "next_action"},
			"additionalProperties": false,
		},
	}

	if _, err := g.grader.Grade(ctx, req, &out); err != nil {
		fallback := Structured{Insight: "insight unavailable", Impact: "unknown", Risk: "unknown", NextAction: "continue"}
		g.cache.put(key, fallback, fallbackTTL)
		return fallback, fmt.Errorf("generate atom insight for %q: %w", atomID, err)
	}

	g.cache.put(key, out, goodTTL)
	return out, nil
}

// AtomInsightBatch generates structured insights for several atom results
// concurrently, bounded by the fixed size of records (never unbounded fan
// out, since one step produces a small fixed set of insight fields).
func (g *Generator) AtomInsightBatch(ctx context.Context, requests []AtomInsightRequest) []AtomInsightResult {
	results := make([]AtomInsightResult, len(requests))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, req := range requests {
		wg.Add(1)
		go func(idx int, req AtomInsightRequest) {
			defer wg.Done()
			structured, err := g.AtomInsight(ctx, req.AtomID, req.FactsDigest, req.Facts)
			mu.Lock()
			results[idx] = AtomInsightResult{AtomID: req.AtomID, Structured: structured, Err: err}
			mu.Unlock()
		}(i, req)
	}
	wg.Wait()
	return results
}

// AtomInsightRequest is one unit of work for AtomInsightBatch.
type AtomInsightRequest struct {
	AtomID      string
	FactsDigest string
	Facts       string
}

// AtomInsightResult is one outcome from AtomInsightBatch.
type AtomInsightResult struct {
	AtomID     string
	Structured Structured
	Err        error
}

// Terminal assembles all step records into a run-level narrative, emitted
// as workflow_insight (or workflow_insight_failed on error) after the loop
// exits, if the socket is still live.
func (g *Generator) Terminal(ctx context.Context, goal string, history []domain.StepRecord) (string, error) {
	var out struct {
		Markdown string `json:"markdown"`
	}
	steps := make([]string, 0, len(history))
	for _, rec := range history {
		steps = append(steps, fmt.Sprintf("step %d: %s (success=%v)", rec.StepNumber, rec.AtomID, rec.Result.Success))
	}
	req := llmclient.GraderRequest{
		SystemPrompt: "Summarize the full analysis run in markdown: what was done, and what the user now has.",
		UserPrompt:   fmt.Sprintf("Goal: %s\nSteps:\n%s", goal, joinLines(steps)),
		SchemaName:   "terminal_insight",
		Schema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"markdown": map[string]any{"type": "string"}},
			"required":             []string{"markdown"},
			"additionalProperties": false,
		},
	}
	if _, err := g.grader.Grade(ctx, req, &out); err != nil {
		return "", fmt.Errorf("generate terminal insight: %w", err)
	}
	return out.Markdown, nil
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
