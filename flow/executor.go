package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// Executor advances an instance context by exactly one step: it runs the
// current state's handler for the incoming event, applies the state's
// execution mode, and reports where the instance should go next. The
// executor never touches persistence; the Manager owns the surrounding
// transaction.
type Executor struct {
	flow        *Flow
	recentLimit int
}

// NewExecutor creates an executor for a compiled workflow.
func NewExecutor(f *Flow) *Executor {
	return &Executor{flow: f, recentLimit: state.DefaultRecentEventLimit}
}

// SetRecentEventLimit bounds the recent-event window kept on contexts
// this executor produces.
func (x *Executor) SetRecentEventLimit(n int) {
	if n > 0 {
		x.recentLimit = n
	}
}

// StepOutcome is the full effect of one step. Context is the updated
// instance context; Changed reports whether the step moved the instance
// to a different state, which is what decides whether a history row is
// written.
type StepOutcome struct {
	// Result is the handler's (or aggregate's) step result.
	Result state.StepResult

	// From is the state the instance was in when the event arrived.
	From string

	// Next is the selected destination, or "" when no transition or
	// branch applied and the instance stays put.
	Next string

	// Changed reports Next != "" && Next != From.
	Changed bool

	// Context is the post-step instance context: event appended,
	// payload and result data merged, current state updated.
	Context *state.Context

	// SelectedBranch names the conditional branch that matched, when
	// the step ran a conditional state.
	SelectedBranch string
}

// Step processes one event against the context's current state. Handler
// failures are not errors: they travel inside the returned outcome and
// feed failure transitions. A non-nil error means the step could not be
// carried out at all and nothing should be persisted.
func (x *Executor) Step(ctx context.Context, sc *state.Context, ev event.Event) (*StepOutcome, error) {
	def := x.flow.State(sc.CurrentStateID)
	if def == nil {
		return nil, &ExecutionError{
			Message: fmt.Sprintf("current state %q is not part of workflow %q", sc.CurrentStateID, x.flow.Name()),
			Code:    CodeUnknownState,
			StateID: sc.CurrentStateID,
		}
	}

	working := sc.WithEvent(ev, x.recentLimit)
	if len(ev.Payload) > 0 {
		working = working.MergeLocal(ev.Payload)
	}

	switch def.Mode {
	case Sequential, Join:
		return x.stepSequential(ctx, def, sc, working, ev), nil
	case Conditional:
		return x.stepConditional(ctx, def, sc, working, ev), nil
	case Parallel:
		return x.stepParallel(ctx, def, sc, working, ev)
	default:
		return nil, &ExecutionError{
			Message: fmt.Sprintf("state has unknown execution mode %d", def.Mode),
			Code:    CodeInvalidMode,
			StateID: def.ID,
		}
	}
}

func (x *Executor) stepSequential(ctx context.Context, def *StateDefinition, prev, working *state.Context, ev event.Event) *StepOutcome {
	res := x.runHandler(ctx, def, working, ev)
	next := x.selectNext(def.ID, res)
	return x.outcome(prev, working, res, next, "")
}

func (x *Executor) stepConditional(ctx context.Context, def *StateDefinition, prev, working *state.Context, ev event.Event) *StepOutcome {
	res := x.runHandler(ctx, def, working, ev)

	eval := working
	if res.Success && len(res.Data) > 0 {
		eval = working.MergeLocal(res.Data)
	}

	var chosen *Branch
	for i := range def.Branches {
		br := &def.Branches[i]
		if br.When != nil && !br.When(def.ID, ev, eval) {
			continue
		}
		// Strict comparison keeps declaration order on priority ties.
		if chosen == nil || br.Priority > chosen.Priority {
			chosen = br
		}
	}
	if chosen == nil {
		return x.outcome(prev, working, state.Fail(ErrNoBranchMatched), "", "")
	}

	res = res.WithValue("selectedBranch", chosen.Name)
	return x.outcome(prev, working, res, chosen.Target, chosen.Name)
}

func (x *Executor) stepParallel(ctx context.Context, def *StateDefinition, prev, working *state.Context, ev event.Event) (*StepOutcome, error) {
	cfg := def.Parallel
	if cfg == nil || len(cfg.Branches) == 0 {
		return nil, &ExecutionError{
			Message: "parallel state has no branch configuration",
			Code:    CodeMissingParallelConfig,
			StateID: def.ID,
		}
	}

	// The fork handler runs first; its failure becomes the aggregate
	// and routes through the state's transitions like any other result.
	fork := x.runHandler(ctx, def, working, ev)
	if !fork.Success {
		next := x.selectNext(def.ID, fork)
		return x.outcome(prev, working, fork, next, ""), nil
	}
	if len(fork.Data) > 0 {
		working = working.MergeLocal(fork.Data)
	}

	branchCtxs := make([]*state.Context, len(cfg.Branches))
	for i, br := range cfg.Branches {
		bc, err := state.DeepCopy(working)
		if err != nil {
			return nil, &ExecutionError{
				Message: fmt.Sprintf("copy context for branch %q", br.ID),
				Code:    CodeContextCopy,
				StateID: def.ID,
				Cause:   err,
			}
		}
		bc.CurrentStateID = br.Target
		bc.Metadata[state.MetaBranch] = br.ID
		branchCtxs[i] = bc
	}

	runCtx := ctx
	cancel := func() {}
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}
	defer cancel()

	var agg state.StepResult
	if cfg.Wait == WaitAll && cfg.OnError == FailAll {
		agg = x.runBranchesFailFast(runCtx, cfg, branchCtxs, ev)
	} else {
		agg = x.runBranchesCollect(runCtx, cfg, branchCtxs, ev)
	}

	next := x.selectNext(def.ID, agg)
	return x.outcome(prev, working, agg, next, ""), nil
}

// runBranchesFailFast covers WaitAll+FailAll: the first branch failure
// cancels the siblings and fails the aggregate.
func (x *Executor) runBranchesFailFast(ctx context.Context, cfg *ParallelConfig, bcs []*state.Context, ev event.Event) state.StepResult {
	results := make([]state.StepResult, len(cfg.Branches))
	g, gctx := errgroup.WithContext(ctx)
	for i := range cfg.Branches {
		i := i
		g.Go(func() error {
			res := x.runBranch(gctx, cfg.Branches[i], bcs[i], ev)
			results[i] = res
			if !res.Success {
				return fmt.Errorf("branch %s: %s", cfg.Branches[i].ID, res.FailureMessage())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return state.Fail(fmt.Errorf("parallel execution failed: %w", err))
	}

	data := map[string]any{}
	for _, r := range results {
		for k, v := range r.Data {
			data[k] = v
		}
	}
	return state.OK(data)
}

type branchCompletion struct {
	idx int
	res state.StepResult
}

// runBranchesCollect runs every branch and gathers completions until the
// wait strategy is satisfied, then cancels the stragglers.
func (x *Executor) runBranchesCollect(ctx context.Context, cfg *ParallelConfig, bcs []*state.Context, ev event.Event) state.StepResult {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan branchCompletion, len(cfg.Branches))
	for i := range cfg.Branches {
		i := i
		go func() {
			ch <- branchCompletion{idx: i, res: x.runBranch(bctx, cfg.Branches[i], bcs[i], ev)}
		}()
	}

	var (
		collected []branchCompletion
		abortErr  error
	)
	for len(collected) < len(cfg.Branches) {
		select {
		case c := <-ch:
			collected = append(collected, c)
		case <-bctx.Done():
			abortErr = bctx.Err()
		}
		if abortErr != nil || x.waitSatisfied(cfg, collected) {
			break
		}
	}
	cancel()

	return aggregateBranches(cfg, collected, abortErr)
}

func (x *Executor) waitSatisfied(cfg *ParallelConfig, collected []branchCompletion) bool {
	switch cfg.Wait {
	case WaitAny:
		if cfg.OnError == IgnoreFailures {
			// Keep waiting for a success; give up only once every
			// branch has reported.
			for _, c := range collected {
				if c.res.Success {
					return true
				}
			}
			return false
		}
		return len(collected) >= 1
	case WaitCount:
		return len(collected) >= cfg.Count
	default:
		return false
	}
}

func (x *Executor) runBranch(ctx context.Context, br ParallelBranch, bc *state.Context, ev event.Event) state.StepResult {
	target := x.flow.State(br.Target)
	if target == nil {
		return state.Fail(fmt.Errorf("branch %s targets unknown state %s", br.ID, br.Target))
	}
	return x.runHandler(ctx, target, bc, ev)
}

// aggregateBranches folds collected branch results into one step result
// per the error strategy. Data merges in branch declaration order so
// later branches win on key conflicts deterministically.
func aggregateBranches(cfg *ParallelConfig, collected []branchCompletion, abortErr error) state.StepResult {
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	var (
		failures  []string
		errsByID  = map[string]string{}
		successes int
		data      = map[string]any{}
	)
	for _, c := range collected {
		id := cfg.Branches[c.idx].ID
		if c.res.Success {
			successes++
			for k, v := range c.res.Data {
				data[k] = v
			}
		} else {
			msg := c.res.FailureMessage()
			failures = append(failures, id+": "+msg)
			errsByID[id] = msg
		}
	}

	if abortErr != nil {
		return state.Fail(fmt.Errorf("parallel execution aborted before the wait strategy was satisfied: %w", abortErr))
	}

	switch cfg.OnError {
	case IgnoreFailures:
		if successes == 0 {
			return state.Fail(fmt.Errorf("parallel execution failed: %s", strings.Join(failures, "; ")))
		}
		if len(failures) > 0 {
			data["branchErrors"] = errsByID
		}
		return state.OK(data)
	case TolerateFailures:
		if len(failures) > 0 {
			data["branchErrors"] = errsByID
			return state.StepResult{
				Success: false,
				Data:    data,
				Err:     fmt.Errorf("parallel execution failed: %s", strings.Join(failures, "; ")),
			}
		}
		return state.OK(data)
	default: // FailAll
		if len(failures) > 0 {
			return state.Fail(fmt.Errorf("parallel execution failed: %s", strings.Join(failures, "; ")))
		}
		return state.OK(data)
	}
}

// runHandler executes the state's handler, applying the state's retry
// policy. States without a handler succeed trivially so pure routing
// states need no code.
func (x *Executor) runHandler(ctx context.Context, def *StateDefinition, sc *state.Context, ev event.Event) state.StepResult {
	h, ok := x.flow.Handler(def.ID)
	if !ok {
		return state.OK(nil)
	}

	res := invokeHandler(ctx, h, sc, ev)
	policy := def.Retry
	if policy == nil {
		return res
	}
	for attempt := 0; !res.Success && attempt < policy.MaxAttempts-1; attempt++ {
		if policy.Retryable == nil || !policy.Retryable(res.Err) {
			break
		}
		if delay := backoffDelay(attempt, policy.BaseDelay, policy.MaxDelay); delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return state.Fail(ctx.Err())
			}
		}
		res = invokeHandler(ctx, h, sc, ev)
	}
	return res
}

// invokeHandler shields the engine from panicking handlers: a panic
// becomes a failed step result instead of tearing down the worker.
func invokeHandler(ctx context.Context, h Handler, sc *state.Context, ev event.Event) (res state.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			res = state.Fail(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Run(ctx, sc, ev)
}

// selectNext walks the prioritized transitions out of a state and
// returns the first destination whose condition matches the result.
func (x *Executor) selectNext(from string, res state.StepResult) string {
	for _, tr := range x.flow.TransitionsFrom(from) {
		if tr.Condition.Matches(res) {
			return tr.To
		}
	}
	return ""
}

func (x *Executor) outcome(prev, working *state.Context, res state.StepResult, next, branch string) *StepOutcome {
	out := working
	if res.Success && len(res.Data) > 0 {
		out = out.MergeLocal(res.Data)
	}
	changed := next != "" && next != prev.CurrentStateID
	if next != "" && next != out.CurrentStateID {
		out = out.WithCurrentState(next)
	}
	return &StepOutcome{
		Result:         res,
		From:           prev.CurrentStateID,
		Next:           next,
		Changed:        changed,
		Context:        out,
		SelectedBranch: branch,
	}
}
