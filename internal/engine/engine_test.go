package engine_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/engine"
	"github.com/basegraph-relay/reactor/internal/guard"
	"github.com/basegraph-relay/reactor/internal/validator"
	"github.com/basegraph-relay/reactor/internal/wsbus"
)

var _ = Describe("Engine", func() {
	var (
		ctx context.Context
		bus *fakeBus
	)

	BeforeEach(func() {
		ctx = context.Background()
		bus = &fakeBus{}
	})

	Describe("Execute", func() {
		Context("a goal that resolves in three steps, ending in a chart (S1)", func() {
			It("completes after running the planned chart-maker step", func() {
				llm := &fakeLLM{plans: []fakePlan{
					{decision: domain.PlanDecision{
						AtomID: "data-upload-validate", Description: "load sales.arrow",
						FilesUsed: []string{"sales.arrow"}, OutputAlias: "sales_raw",
					}},
					{decision: domain.PlanDecision{
						AtomID: "groupby-wtg-avg", Description: "group by region",
						FilesUsed: []string{"sales_raw"}, OutputAlias: "grouped",
					}},
					{decision: domain.PlanDecision{AtomID: "chart-maker", Description: "bar chart"}},
				}}

				sess := domain.NewSession("sess-1", "load sales.arrow, group by Region summing Revenue, bar chart",
					projectCtx(), domain.ModeLaboratory, []string{"sales.arrow"})

				inv := newAtomInvoker(map[string]domain.AtomResult{
					"data-upload-validate": atomResult(`{"success":true,"saved_path":"sales_raw_001.arrow"}`),
					"groupby-wtg-avg":       atomResult(`{"success":true,"output_file":"grouped_001.arrow"}`),
					"chart-maker":           atomResult(`{"success":true,"saved_path":"chart_001.png"}`),
				})
				evalr := &fakeEval{decisions: []domain.Decision{domain.DecisionContinue, domain.DecisionContinue, domain.DecisionComplete}}
				sessions := &fakeSessionStore{}

				eng := engine.NewEngine(fakeRegistry{}, llm, sessions, guard.NewMemoryGuard(),
					validator.Validate, inv, evalr, fakeSaver{}, fakeInsights{}, nil, testCfg(), nil, nil)

				status, err := eng.Execute(ctx, sess, bus)

				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(engine.StatusCompleted))
				Expect(sess.HasChartMaker()).To(BeTrue())
				Expect(bus.count(wsbus.KindFileCreated)).To(Equal(3))
				Expect(bus.count(wsbus.KindWorkflowCompleted)).To(Equal(1))
				Expect(sessions.deletes).To(Equal(1))
			})
		})

		Context("the planner repeating the same atom over the same files (S2)", func() {
			It("detects the loop and completes without synthesizing a forced chart", func() {
				repeat := domain.PlanDecision{
					AtomID: "groupby-wtg-avg", Description: "group by region",
					FilesUsed: []string{"fileA"},
				}
				llm := &fakeLLM{plans: []fakePlan{{decision: repeat}, {decision: repeat}}}

				sess := domain.NewSession("sess-2", "group fileA twice",
					projectCtx(), domain.ModeLaboratory, []string{"fileA"})

				inv := newAtomInvoker(map[string]domain.AtomResult{
					"groupby-wtg-avg": atomResult(`{"success":true,"output_file":"grouped_001.arrow"}`),
				})
				evalr := &fakeEval{decisions: []domain.Decision{domain.DecisionContinue}}

				eng := engine.NewEngine(fakeRegistry{}, llm, &fakeSessionStore{}, guard.NewMemoryGuard(),
					validator.Validate, inv, evalr, fakeSaver{}, fakeInsights{}, nil, testCfg(), nil, nil)

				status, err := eng.Execute(ctx, sess, bus)

				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(engine.StatusCompleted))
				Expect(bus.count(wsbus.KindReactLoopDetected)).To(Equal(1))
				Expect(sess.HasChartMaker()).To(BeFalse(),
					"loop-detection exit must not synthesize a forced chart-maker step (S2: no third cycle)")
				Expect(bus.count(wsbus.KindStepStarted)).To(Equal(1),
					"the second cycle should short-circuit before execution")
			})
		})

		Context("the planner declaring the goal achieved with no chart yet run (S3)", func() {
			It("forces a chart-maker step before completing", func() {
				llm := &fakeLLM{plans: []fakePlan{
					{decision: domain.PlanDecision{
						AtomID: "merge", Description: "merge files",
						FilesUsed: []string{"a.arrow", "b.arrow"}, OutputAlias: "merged",
					}},
					{decision: domain.PlanDecision{GoalAchieved: true}},
				}}

				sess := domain.NewSession("sess-3", "merge then declare done",
					projectCtx(), domain.ModeLaboratory, []string{"a.arrow", "b.arrow"})

				inv := newAtomInvoker(map[string]domain.AtomResult{
					"merge":       atomResult(`{"success":true,"merge_json":{"result_file":"merged_001.arrow"}}`),
					"chart-maker": atomResult(`{"success":true,"saved_path":"chart_001.png"}`),
				})
				evalr := &fakeEval{decisions: []domain.Decision{domain.DecisionContinue}}

				eng := engine.NewEngine(fakeRegistry{}, llm, &fakeSessionStore{}, guard.NewMemoryGuard(),
					validator.Validate, inv, evalr, fakeSaver{}, fakeInsights{}, nil, testCfg(), nil, nil)

				status, err := eng.Execute(ctx, sess, bus)

				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(engine.StatusCompleted))
				Expect(sess.HasChartMaker()).To(BeTrue())
				Expect(bus.count(wsbus.KindWorkflowCompleted)).To(Equal(1))
			})
		})

		Context("a downstream step whose input file never materialized (S4)", func() {
			It("invokes tryReplay when the validator reports ErrMissingOutput", func() {
				// groupby-wtg-avg is planned against an alias the first step
				// never actually produced (its canned result omits any
				// output field), forcing the validator to reject step 2 with
				// ErrMissingOutput. tryReplay re-runs the cached step-1 plan;
				// its second canned invocation does carry an output, so the
				// alias resolves and the loop proceeds rather than stalling.
				first := domain.PlanDecision{
					AtomID: "data-upload-validate", Description: "load sales.arrow",
					FilesUsed: []string{"sales.arrow"}, OutputAlias: "sales_raw",
				}
				second := domain.PlanDecision{
					AtomID: "groupby-wtg-avg", Description: "group by region",
					FilesUsed: []string{"sales_raw"}, OutputAlias: "grouped",
				}
				llm := &fakeLLM{plans: []fakePlan{
					{decision: first},
					{decision: second},
					{decision: second},
					{decision: domain.PlanDecision{GoalAchieved: true}},
				}}

				sess := domain.NewSession("sess-4b", "load then group",
					projectCtx(), domain.ModeLaboratory, []string{"sales.arrow"})

				inv := newSeqInvoker(map[string][]domain.AtomResult{
					"data-upload-validate": {
						atomResult(`{"success":true}`),
						atomResult(`{"success":true,"saved_path":"sales_raw_002.arrow"}`),
					},
					"groupby-wtg-avg": {atomResult(`{"success":true,"output_file":"grouped_001.arrow"}`)},
					"chart-maker":     {atomResult(`{"success":true,"saved_path":"chart_001.png"}`)},
				})
				evalr := &fakeEval{decisions: []domain.Decision{domain.DecisionContinue}}
				cfg := testCfg()
				cfg.MaxStalled = 10

				eng := engine.NewEngine(fakeRegistry{}, llm, &fakeSessionStore{}, guard.NewMemoryGuard(),
					validator.Validate, inv, evalr, fakeSaver{}, fakeInsights{}, nil, cfg, nil, nil)

				status, err := eng.Execute(ctx, sess, bus)

				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(engine.StatusCompleted))
				Expect(sess.ReplayCount).To(Equal(1))
				Expect(inv.callCount()).To(BeNumerically(">=", 2),
					"the replay must re-invoke the cached step-1 atom")
			})
		})

		Context("a planning call that exceeds the generation bound (S5)", func() {
			It("pauses generation, then resumes and completes from the same history", func() {
				cfg := testCfg()
				cfg.PlanBound = 5 * time.Millisecond
				cfg.LLMTimeout = 5 * time.Millisecond
				cfg.GenerationStatusEvery = time.Millisecond

				sess := domain.NewSession("sess-5", "slow goal", projectCtx(), domain.ModeLaboratory, nil)
				sessions := &fakeSessionStore{}

				stuck := engine.NewEngine(fakeRegistry{}, timeoutLLM{}, sessions, guard.NewMemoryGuard(),
					validator.Validate, newAtomInvoker(nil), &fakeEval{}, fakeSaver{}, fakeInsights{}, nil, cfg, nil, nil)

				status, err := stuck.Execute(ctx, sess, bus)

				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(engine.StatusPausedGeneration))
				Expect(sess.ReAct.Paused).To(BeTrue())
				Expect(sessions.pauseCount()).To(Equal(1))
				Expect(bus.count(wsbus.KindReactGenTimeout)).To(Equal(1))

				// The handler's "resume" path clears Paused (store.Resume)
				// and calls Execute again on the same *Session; simulate
				// that directly against a planner that now responds.
				sess.ReAct.Paused = false
				resumeLLM := &fakeLLM{plans: []fakePlan{{decision: domain.PlanDecision{GoalAchieved: true}}}}
				resumeBus := &fakeBus{}
				resumed := engine.NewEngine(fakeRegistry{}, resumeLLM, sessions, guard.NewMemoryGuard(),
					validator.Validate, newAtomInvoker(nil), &fakeEval{}, fakeSaver{}, fakeInsights{}, nil, testCfg(), nil, nil)

				status, err = resumed.Execute(ctx, sess, resumeBus)

				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(engine.StatusCompleted))
				Expect(resumeBus.count(wsbus.KindWorkflowCompleted)).To(Equal(1))
			})
		})

		Context("repeated rejection by the dependency validator", func() {
			It("trips the stall guard once MaxStalled is reached", func() {
				// Cycle 1 executes and fails (data-upload-validate). Every
				// cycle after that proposes groupby-wtg-avg, which the
				// dependency validator rejects outright because the last
				// executed step failed (§4.3) — history never grows past 1,
				// so the stall guard must trip.
				plans := []fakePlan{
					{decision: domain.PlanDecision{AtomID: "data-upload-validate", FilesUsed: []string{"fileA"}, OutputAlias: "x"}},
				}
				for i := 0; i < 5; i++ {
					plans = append(plans, fakePlan{decision: domain.PlanDecision{
						AtomID: "groupby-wtg-avg", Description: "retry", FilesUsed: []string{"fileA"},
					}})
				}
				llm := &fakeLLM{plans: plans}

				sess := domain.NewSession("sess-6", "goal", domain.ProjectContext{}, domain.ModeLaboratory, []string{"fileA"})

				inv := newAtomInvoker(map[string]domain.AtomResult{
					"data-upload-validate": atomResult(`{"success":false,"error":"bad file"}`),
				})
				evalr := &fakeEval{decisions: []domain.Decision{domain.DecisionContinue}}
				cfg := testCfg()
				cfg.MaxStalled = 2

				eng := engine.NewEngine(fakeRegistry{}, llm, &fakeSessionStore{}, guard.NewMemoryGuard(),
					validator.Validate, inv, evalr, fakeSaver{}, fakeInsights{}, nil, cfg, nil, nil)

				status, err := eng.Execute(ctx, sess, bus)

				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(engine.StatusStalled))
				Expect(bus.count(wsbus.KindReactValidationBlock)).To(BeNumerically(">", 0))
				Expect(bus.count(wsbus.KindStepStarted)).To(Equal(1),
					"the rest should be rejected before execution")
			})
		})

		Context("a session cancelled before its first cycle", func() {
			It("stops at the next cycle boundary without executing any step", func() {
				llm := &fakeLLM{plans: []fakePlan{
					{decision: domain.PlanDecision{AtomID: "data-upload-validate", FilesUsed: []string{"sales.arrow"}, OutputAlias: "x"}},
				}}
				sess := domain.NewSession("sess-7", "goal", domain.ProjectContext{}, domain.ModeLaboratory, []string{"sales.arrow"})

				eng := engine.NewEngine(fakeRegistry{}, llm, &fakeSessionStore{}, guard.NewMemoryGuard(),
					validator.Validate, newAtomInvoker(nil), &fakeEval{}, fakeSaver{}, fakeInsights{}, nil, testCfg(), nil, nil)
				eng.Cancel("sess-7")

				status, err := eng.Execute(ctx, sess, bus)

				Expect(err).NotTo(HaveOccurred())
				Expect(status).To(Equal(engine.StatusStopped))
				Expect(bus.count(wsbus.KindWorkflowStopped)).To(Equal(1))
				Expect(bus.count(wsbus.KindStepStarted)).To(Equal(0))
			})
		})
	})
})
