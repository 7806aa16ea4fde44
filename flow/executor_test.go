package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

func advanceEvent(name string) event.Event {
	return event.New(event.NewType("flow", name), name)
}

func TestStepSequential(t *testing.T) {
	build := func(h Handler) *Flow {
		b := NewBuilder("seq").
			State("work", "Work", StateInitial).
			State("done", "Done", StateFinal).
			State("failed", "Failed", StateError).
			Transition("work", "done", OnSuccess(), 0).
			Transition("work", "failed", OnFailure(), 0)
		if h != nil {
			b.Bind("work", h)
		}
		f, err := b.Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return f
	}

	t.Run("SuccessMergesDataAndMoves", func(t *testing.T) {
		f := build(okHandler(map[string]any{"total": 42}))
		sc := state.New("i-1", map[string]any{"sku": "A"}).WithCurrentState("work")
		ev := advanceEvent("go").WithPayload(map[string]any{"qty": 2})

		out, err := NewExecutor(f).Step(context.Background(), sc, ev)
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if out.From != "work" || out.Next != "done" || !out.Changed {
			t.Errorf("outcome = from %q next %q changed %v, want work -> done", out.From, out.Next, out.Changed)
		}
		if out.Context.CurrentStateID != "done" {
			t.Errorf("context state = %q, want done", out.Context.CurrentStateID)
		}
		if v, _ := out.Context.LocalValue("total"); v != 42 {
			t.Errorf("merged handler data total = %v, want 42", v)
		}
		if v, _ := out.Context.LocalValue("qty"); v != 2 {
			t.Errorf("merged payload qty = %v, want 2", v)
		}
		if v, _ := out.Context.LocalString("sku"); v != "A" {
			t.Errorf("existing local sku = %q, want A", v)
		}
		if len(out.Context.RecentEvents) != 1 || out.Context.RecentEvents[0].ID != ev.ID {
			t.Errorf("RecentEvents = %+v, want the triggering event", out.Context.RecentEvents)
		}

		// The input context is untouched.
		if sc.CurrentStateID != "work" {
			t.Errorf("input context mutated to %q", sc.CurrentStateID)
		}
		if _, ok := sc.LocalValue("total"); ok {
			t.Error("input context gained handler data")
		}
		if len(sc.RecentEvents) != 0 {
			t.Error("input context gained events")
		}
	})

	t.Run("FailureRoutesFailureTransition", func(t *testing.T) {
		boom := errors.New("boom")
		f := build(failHandler(boom))
		sc := state.New("i-2", nil).WithCurrentState("work")

		out, err := NewExecutor(f).Step(context.Background(), sc, advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if out.Result.Success {
			t.Error("result should be failed")
		}
		if !errors.Is(out.Result.Err, boom) {
			t.Errorf("result err = %v, want the handler error", out.Result.Err)
		}
		if out.Next != "failed" {
			t.Errorf("Next = %q, want failed", out.Next)
		}
	})

	t.Run("FailureDataNotMerged", func(t *testing.T) {
		h := HandlerFunc(func(_ context.Context, _ *state.Context, _ event.Event) state.StepResult {
			return state.StepResult{Success: false, Data: map[string]any{"partial": true}, Err: errors.New("x")}
		})
		f := build(h)
		out, err := NewExecutor(f).Step(context.Background(), state.New("i-3", nil).WithCurrentState("work"), advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if _, ok := out.Context.LocalValue("partial"); ok {
			t.Error("failed handler data must not merge into the context")
		}
	})

	t.Run("NoHandlerSucceedsTrivially", func(t *testing.T) {
		f := build(nil)
		out, err := NewExecutor(f).Step(context.Background(), state.New("i-4", nil).WithCurrentState("work"), advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if !out.Result.Success || out.Next != "done" {
			t.Errorf("outcome = %+v, want trivial success to done", out)
		}
	})

	t.Run("NoMatchingTransitionStaysPut", func(t *testing.T) {
		f, err := NewBuilder("stuck").
			State("work", "Work", StateInitial).
			State("done", "Done", StateFinal).
			Transition("work", "done", When(func(res state.StepResult) bool { return false }), 0).
			Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		out, err := NewExecutor(f).Step(context.Background(), state.New("i-5", nil).WithCurrentState("work"), advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if out.Next != "" || out.Changed {
			t.Errorf("outcome = next %q changed %v, want staying put", out.Next, out.Changed)
		}
		if out.Context.CurrentStateID != "work" {
			t.Errorf("context state = %q, want work", out.Context.CurrentStateID)
		}
		if len(out.Context.RecentEvents) != 1 {
			t.Error("event should still be recorded on the context")
		}
	})

	t.Run("UnknownCurrentState", func(t *testing.T) {
		f := build(nil)
		sc := state.New("i-6", nil).WithCurrentState("ghost")
		out, err := NewExecutor(f).Step(context.Background(), sc, advanceEvent("go"))
		if out != nil {
			t.Errorf("outcome = %+v, want nil", out)
		}
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("error %T, want *ExecutionError", err)
		}
		if execErr.Code != CodeUnknownState || execErr.StateID != "ghost" {
			t.Errorf("error = %+v, want UNKNOWN_STATE for ghost", execErr)
		}
	})

	t.Run("PanickingHandlerBecomesFailure", func(t *testing.T) {
		h := HandlerFunc(func(_ context.Context, _ *state.Context, _ event.Event) state.StepResult {
			panic("handler exploded")
		})
		f := build(h)
		out, err := NewExecutor(f).Step(context.Background(), state.New("i-7", nil).WithCurrentState("work"), advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if out.Result.Success {
			t.Error("panic should surface as a failed result")
		}
		if out.Result.Err == nil {
			t.Fatal("panic failure should carry an error")
		}
		if out.Next != "failed" {
			t.Errorf("Next = %q, want the failure transition", out.Next)
		}
	})
}

func TestStepConditional(t *testing.T) {
	build := func(h Handler, branches ...Branch) *Flow {
		b := NewBuilder("cond").
			State("entry", "Entry", StateInitial).
			State("big", "Big", StateNormal).
			State("small", "Small", StateNormal).
			State("fallback", "Fallback", StateNormal).
			Conditional("route", "Route", branches...).
			Transition("entry", "route", OnSuccess(), 0)
		if h != nil {
			b.Bind("route", h)
		}
		f, err := b.Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return f
	}

	amountOver := func(limit int) BranchPredicate {
		return func(_ string, _ event.Event, sc *state.Context) bool {
			v, _ := sc.LocalValue("amount")
			n, ok := v.(int)
			return ok && n > limit
		}
	}

	t.Run("PredicateSeesHandlerData", func(t *testing.T) {
		f := build(okHandler(map[string]any{"amount": 500}),
			Branch{Name: "large", Target: "big", When: amountOver(100)},
			Branch{Name: "rest", Target: "small"},
		)
		sc := state.New("c-1", nil).WithCurrentState("route")
		out, err := NewExecutor(f).Step(context.Background(), sc, advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if out.Next != "big" || out.SelectedBranch != "large" {
			t.Errorf("outcome = next %q branch %q, want big/large", out.Next, out.SelectedBranch)
		}
		if v, _ := out.Result.Value("selectedBranch"); v != "large" {
			t.Errorf("result selectedBranch = %v, want large", v)
		}
	})

	t.Run("PriorityBeatsDeclarationOrder", func(t *testing.T) {
		f := build(nil,
			Branch{Name: "first", Target: "small", Priority: 1},
			Branch{Name: "second", Target: "big", Priority: 9},
		)
		sc := state.New("c-2", nil).WithCurrentState("route")
		out, err := NewExecutor(f).Step(context.Background(), sc, advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if out.Next != "big" || out.SelectedBranch != "second" {
			t.Errorf("outcome = next %q branch %q, want the higher priority branch", out.Next, out.SelectedBranch)
		}
	})

	t.Run("DeclarationOrderBreaksTies", func(t *testing.T) {
		f := build(nil,
			Branch{Name: "first", Target: "big", Priority: 5},
			Branch{Name: "second", Target: "small", Priority: 5},
		)
		sc := state.New("c-3", nil).WithCurrentState("route")
		out, err := NewExecutor(f).Step(context.Background(), sc, advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if out.SelectedBranch != "first" {
			t.Errorf("branch = %q, want the earlier declaration", out.SelectedBranch)
		}
	})

	t.Run("NoBranchMatched", func(t *testing.T) {
		f := build(nil,
			Branch{Name: "never", Target: "big", When: amountOver(1000000)},
		)
		sc := state.New("c-4", nil).WithCurrentState("route")
		out, err := NewExecutor(f).Step(context.Background(), sc, advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if out.Result.Success {
			t.Error("result should be failed")
		}
		if !errors.Is(out.Result.Err, ErrNoBranchMatched) {
			t.Errorf("result err = %v, want ErrNoBranchMatched", out.Result.Err)
		}
		if out.Next != "" || out.Changed {
			t.Errorf("outcome = next %q changed %v, want staying put", out.Next, out.Changed)
		}
	})
}

func TestStepParallel(t *testing.T) {
	type parallelSpec struct {
		wait    WaitStrategy
		count   int
		onError ErrorStrategy
		timeout time.Duration
	}

	build := func(spec parallelSpec, handlers map[string]Handler) *Flow {
		b := NewBuilder("par").
			State("entry", "Entry", StateInitial).
			State("left", "Left", StateNormal).
			State("right", "Right", StateNormal).
			State("third", "Third", StateNormal).
			State("done", "Done", StateFinal).
			State("failed", "Failed", StateError)
		branches := []ParallelBranch{
			{ID: "b-left", Target: "left"},
			{ID: "b-right", Target: "right"},
		}
		if spec.count == 3 || spec.wait == WaitCount {
			branches = append(branches, ParallelBranch{ID: "b-third", Target: "third"})
		}
		b.Parallel("fan", "Fan", ParallelConfig{
			Branches: branches,
			Wait:     spec.wait,
			Count:    spec.count,
			Timeout:  spec.timeout,
			OnError:  spec.onError,
		})
		b.Transition("entry", "fan", OnSuccess(), 0).
			Transition("fan", "done", OnSuccess(), 0).
			Transition("fan", "failed", OnFailure(), 0)
		for id, h := range handlers {
			b.Bind(id, h)
		}
		f, err := b.Build()
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return f
	}

	step := func(t *testing.T, f *Flow) *StepOutcome {
		t.Helper()
		sc := state.New("p-1", nil).WithCurrentState("fan")
		out, err := NewExecutor(f).Step(context.Background(), sc, advanceEvent("go"))
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		return out
	}

	t.Run("WaitAllMergesBranchData", func(t *testing.T) {
		f := build(parallelSpec{wait: WaitAll, onError: FailAll}, map[string]Handler{
			"left":  okHandler(map[string]any{"invoice": "INV-1"}),
			"right": okHandler(map[string]any{"notified": true}),
		})
		out := step(t, f)
		if !out.Result.Success || out.Next != "done" {
			t.Fatalf("outcome = %+v, want success to done", out.Result)
		}
		if v, _ := out.Context.LocalValue("invoice"); v != "INV-1" {
			t.Errorf("invoice = %v, want INV-1", v)
		}
		if v, _ := out.Context.LocalValue("notified"); v != true {
			t.Errorf("notified = %v, want true", v)
		}
	})

	t.Run("FailAllFailsAggregate", func(t *testing.T) {
		f := build(parallelSpec{wait: WaitAll, onError: FailAll}, map[string]Handler{
			"left":  okHandler(map[string]any{"invoice": "INV-1"}),
			"right": failHandler(errors.New("smtp down")),
		})
		out := step(t, f)
		if out.Result.Success {
			t.Error("aggregate should fail")
		}
		if out.Next != "failed" {
			t.Errorf("Next = %q, want failed", out.Next)
		}
	})

	t.Run("IgnoreFailuresKeepsSuccesses", func(t *testing.T) {
		f := build(parallelSpec{wait: WaitAll, onError: IgnoreFailures}, map[string]Handler{
			"left":  okHandler(map[string]any{"invoice": "INV-1"}),
			"right": failHandler(errors.New("smtp down")),
		})
		out := step(t, f)
		if !out.Result.Success || out.Next != "done" {
			t.Fatalf("outcome = %+v, want success despite the branch failure", out.Result)
		}
		if v, _ := out.Result.Value("invoice"); v != "INV-1" {
			t.Errorf("surviving branch data = %v, want INV-1", v)
		}
		errsVal, ok := out.Result.Value("branchErrors")
		if !ok {
			t.Fatal("aggregate should report branchErrors")
		}
		byID, ok := errsVal.(map[string]string)
		if !ok {
			t.Fatalf("branchErrors type = %T", errsVal)
		}
		if _, ok := byID["b-right"]; !ok {
			t.Errorf("branchErrors = %v, want an entry for b-right", byID)
		}
	})

	t.Run("IgnoreFailuresAllFailed", func(t *testing.T) {
		f := build(parallelSpec{wait: WaitAll, onError: IgnoreFailures}, map[string]Handler{
			"left":  failHandler(errors.New("a")),
			"right": failHandler(errors.New("b")),
		})
		out := step(t, f)
		if out.Result.Success {
			t.Error("aggregate should fail when no branch succeeded")
		}
	})

	t.Run("TolerateFailuresReportsAndFails", func(t *testing.T) {
		f := build(parallelSpec{wait: WaitAll, onError: TolerateFailures}, map[string]Handler{
			"left":  okHandler(map[string]any{"invoice": "INV-1"}),
			"right": failHandler(errors.New("smtp down")),
		})
		out := step(t, f)
		if out.Result.Success {
			t.Error("aggregate should fail")
		}
		if _, ok := out.Result.Data["branchErrors"]; !ok {
			t.Error("failed aggregate should still carry branchErrors data")
		}
		if v, ok := out.Result.Data["invoice"]; !ok || v != "INV-1" {
			t.Errorf("tolerated aggregate should keep success data, got %v", v)
		}
		if out.Next != "failed" {
			t.Errorf("Next = %q, want failed", out.Next)
		}
	})

	t.Run("WaitAnyTakesFirstCompletion", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		slow := HandlerFunc(func(ctx context.Context, _ *state.Context, _ event.Event) state.StepResult {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return state.OK(map[string]any{"slow": true})
		})
		f := build(parallelSpec{wait: WaitAny, onError: FailAll}, map[string]Handler{
			"left":  okHandler(map[string]any{"fast": true}),
			"right": slow,
		})
		out := step(t, f)
		if !out.Result.Success {
			t.Fatalf("outcome = %+v, want success from the fast branch", out.Result)
		}
		if v, _ := out.Result.Value("fast"); v != true {
			t.Errorf("aggregate data = %+v, want the fast branch result", out.Result.Data)
		}
	})

	t.Run("WaitAnyIgnoreFailuresWaitsForSuccess", func(t *testing.T) {
		fail := failHandler(errors.New("early loss"))
		slowOK := HandlerFunc(func(ctx context.Context, _ *state.Context, _ event.Event) state.StepResult {
			time.Sleep(20 * time.Millisecond)
			return state.OK(map[string]any{"late": true})
		})
		f := build(parallelSpec{wait: WaitAny, onError: IgnoreFailures}, map[string]Handler{
			"left":  fail,
			"right": slowOK,
		})
		out := step(t, f)
		if !out.Result.Success {
			t.Fatalf("outcome = %+v, want the late success", out.Result)
		}
		if v, _ := out.Result.Value("late"); v != true {
			t.Errorf("aggregate data = %+v, want the late branch result", out.Result.Data)
		}
	})

	t.Run("WaitCount", func(t *testing.T) {
		f := build(parallelSpec{wait: WaitCount, count: 2, onError: IgnoreFailures}, map[string]Handler{
			"left":  okHandler(map[string]any{"l": 1}),
			"right": okHandler(map[string]any{"r": 1}),
			"third": okHandler(map[string]any{"t": 1}),
		})
		out := step(t, f)
		if !out.Result.Success {
			t.Fatalf("outcome = %+v, want success", out.Result)
		}
		if len(out.Result.Data) < 2 {
			t.Errorf("aggregate data = %+v, want at least two branch results", out.Result.Data)
		}
	})

	t.Run("TimeoutAbortsFanOut", func(t *testing.T) {
		stuck := HandlerFunc(func(ctx context.Context, _ *state.Context, _ event.Event) state.StepResult {
			<-ctx.Done()
			return state.Fail(ctx.Err())
		})
		f := build(parallelSpec{wait: WaitAll, onError: FailAll, timeout: 30 * time.Millisecond}, map[string]Handler{
			"left":  stuck,
			"right": stuck,
		})
		start := time.Now()
		out := step(t, f)
		if elapsed := time.Since(start); elapsed > 5*time.Second {
			t.Fatalf("timed-out fan-out took %v", elapsed)
		}
		if out.Result.Success {
			t.Error("aggregate should fail on timeout")
		}
		if out.Next != "failed" {
			t.Errorf("Next = %q, want failed", out.Next)
		}
	})

	t.Run("ForkHandlerFailureSkipsFanOut", func(t *testing.T) {
		var branchRuns sync.Map
		count := func(id string) Handler {
			return HandlerFunc(func(_ context.Context, _ *state.Context, _ event.Event) state.StepResult {
				branchRuns.Store(id, true)
				return state.OK(nil)
			})
		}
		f := build(parallelSpec{wait: WaitAll, onError: FailAll}, map[string]Handler{
			"fan":   failHandler(errors.New("cannot fork")),
			"left":  count("left"),
			"right": count("right"),
		})
		out := step(t, f)
		if out.Result.Success {
			t.Error("fork failure should fail the step")
		}
		if out.Next != "failed" {
			t.Errorf("Next = %q, want failed", out.Next)
		}
		if _, ran := branchRuns.Load("left"); ran {
			t.Error("branches must not run when the fork handler fails")
		}
	})

	t.Run("BranchContextCarriesBranchID", func(t *testing.T) {
		var mu sync.Mutex
		seen := map[string]string{}
		record := func(target string) Handler {
			return HandlerFunc(func(_ context.Context, sc *state.Context, _ event.Event) state.StepResult {
				mu.Lock()
				if v, ok := sc.MetaString(state.MetaBranch); ok {
					seen[target] = v
				}
				mu.Unlock()
				return state.OK(nil)
			})
		}
		f := build(parallelSpec{wait: WaitAll, onError: FailAll}, map[string]Handler{
			"left":  record("left"),
			"right": record("right"),
		})
		out := step(t, f)
		if !out.Result.Success {
			t.Fatalf("outcome = %+v, want success", out.Result)
		}
		mu.Lock()
		defer mu.Unlock()
		if seen["left"] != "b-left" || seen["right"] != "b-right" {
			t.Errorf("branch ids = %v, want handlers to see their own branch", seen)
		}
	})
}

func TestStepJoinRunsSequentially(t *testing.T) {
	f, err := NewBuilder("join").
		State("entry", "Entry", StateInitial).
		Join("merge", "Merge").
		State("done", "Done", StateFinal).
		Transition("entry", "merge", OnSuccess(), 0).
		Transition("merge", "done", OnSuccess(), 0).
		BindFunc("merge", okHandler(map[string]any{"merged": true})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	sc := state.New("j-1", nil).WithCurrentState("merge")
	out, err := NewExecutor(f).Step(context.Background(), sc, advanceEvent("go"))
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if out.Next != "done" || !out.Changed {
		t.Errorf("outcome = next %q changed %v, want done", out.Next, out.Changed)
	}
	if v, _ := out.Context.LocalValue("merged"); v != true {
		t.Errorf("merged = %v, want true", v)
	}
}

func TestExecutorRecentEventLimit(t *testing.T) {
	f, err := NewBuilder("loop").
		State("spin", "Spin", StateInitial).
		Transition("spin", "spin", OnSuccess(), 0).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	x := NewExecutor(f)
	x.SetRecentEventLimit(2)

	sc := state.New("l-1", nil).WithCurrentState("spin")
	var lastID string
	for i := 0; i < 3; i++ {
		ev := advanceEvent("tick")
		lastID = ev.ID
		out, err := x.Step(context.Background(), sc, ev)
		if err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
		sc = out.Context
	}

	if len(sc.RecentEvents) != 2 {
		t.Fatalf("RecentEvents len = %d, want trimmed to 2", len(sc.RecentEvents))
	}
	if sc.RecentEvents[1].ID != lastID {
		t.Error("newest event should be kept at the end of the window")
	}
}
