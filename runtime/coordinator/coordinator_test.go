package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/weave/runtime/coordinator/executor"
	"goa.design/weave/runtime/coordinator/policy"
	"goa.design/weave/runtime/coordinator/resources"
	"goa.design/weave/runtime/coordinator/store"
	"goa.design/weave/runtime/coordinator/token"
	"goa.design/weave/runtime/coordinator/workflow"
)

// harness wires a runtime against the recording executor and keeps a handle on
// every run's stores so tests can inspect token state directly.
type harness struct {
	t    *testing.T
	rt   *Runtime
	exec *executor.InMem
	res  *resources.InMem

	mu     sync.Mutex
	stores map[string]*store.InMem
}

func newHarness(t *testing.T, retry policy.Retry, defs ...*workflow.Def) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		exec:   executor.NewInMem(),
		res:    resources.NewInMem(),
		stores: make(map[string]*store.InMem),
	}
	rt, err := NewRuntime(RuntimeOptions{
		Definitions: NewStaticSource(defs...),
		Executor:    h.exec,
		Resources:   h.res,
		Retry:       retry,
		NewStores: func(runID string) store.Stores {
			h.mu.Lock()
			defer h.mu.Unlock()
			s := store.NewInMem(runID)
			h.stores[runID] = s
			return s
		},
	})
	require.NoError(t, err)
	h.rt = rt
	return h
}

// respond installs an executor callback that answers each task from the given
// table of task ID to result function. A nil function, or a function returning
// a nil map, leaves the task hanging with no result delivered.
func (h *harness) respond(results map[string]func(req executor.Request) map[string]any) {
	h.exec.OnDispatch = func(ctx context.Context, req executor.Request) error {
		fn, ok := results[req.TaskID]
		if !ok {
			return errors.New("unexpected task " + req.TaskID)
		}
		if fn == nil {
			return nil
		}
		out := fn(req)
		if out == nil {
			return nil
		}
		c, live := h.rt.Coordinator(req.RunID)
		if !live {
			return errors.New("no coordinator for run " + req.RunID)
		}
		return c.HandleTaskResult(ctx, req.TokenID, out)
	}
}

func (h *harness) tokensAt(runID, nodeID string) []token.Token {
	h.mu.Lock()
	s := h.stores[runID]
	h.mu.Unlock()
	if s == nil {
		return nil
	}
	toks, err := s.Tokens().List(context.Background())
	require.NoError(h.t, err)
	var out []token.Token
	for _, tok := range toks {
		if tok.NodeID == nodeID {
			out = append(out, tok)
		}
	}
	return out
}

func (h *harness) taskCount(taskID string) int {
	n := 0
	for _, req := range h.exec.Requests() {
		if req.TaskID == taskID {
			n++
		}
	}
	return n
}

func (h *harness) eventuallyStatus(c *Coordinator, want store.RunStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		status, err := c.Status(context.Background())
		return err == nil && status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func linearDef() *workflow.Def {
	return &workflow.Def{
		ID:            "linear",
		InitialNodeID: "collect",
		Nodes: []workflow.Node{
			{ID: "collect", TaskID: "collect",
				OutputMapping: map[string]string{"state.topic": "$.topic"}},
			{ID: "summarize", TaskID: "summarize",
				InputMapping:  map[string]string{"topic": "$.state.topic"},
				OutputMapping: map[string]string{"output.summary": "$.text"}},
		},
		Transitions: []workflow.Transition{
			{ID: "next", From: "collect", To: "summarize"},
		},
		OutputMapping: map[string]string{"summary": "$.output.summary"},
	}
}

// fanDef fans plan out into three work branches and joins them at gather.
func fanDef(strategy workflow.Strategy, timeout time.Duration, onTimeout workflow.TimeoutBehavior) *workflow.Def {
	return &workflow.Def{
		ID:            "fan",
		InitialNodeID: "plan",
		Nodes: []workflow.Node{
			{ID: "plan", TaskID: "plan"},
			{ID: "work", TaskID: "work"},
			{ID: "gather", TaskID: "gather"},
		},
		Transitions: []workflow.Transition{
			{ID: "fan", From: "plan", To: "work", SpawnCount: 3, SiblingGroup: "workers"},
			{ID: "join", From: "work", To: "gather", Synchronization: &workflow.Synchronization{
				Strategy:     strategy,
				SiblingGroup: "workers",
				Timeout:      timeout,
				OnTimeout:    onTimeout,
				Merge: &workflow.Merge{
					Source:   "_branch.output.score",
					Target:   "state.scores",
					Strategy: workflow.MergeAppend,
				},
			}},
		},
		OutputMapping: map[string]string{"scores": "$.state.scores"},
	}
}

func TestLinearWorkflowCompletes(t *testing.T) {
	h := newHarness(t, nil, linearDef())
	h.respond(map[string]func(executor.Request) map[string]any{
		"collect":   func(executor.Request) map[string]any { return map[string]any{"topic": "go"} },
		"summarize": func(executor.Request) map[string]any { return map[string]any{"text": "all about go"} },
	})

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "linear", Input: map[string]any{}})
	require.NoError(t, err)
	c.Wait()

	h.eventuallyStatus(c, store.RunStatusCompleted)
	assert.Equal(t, map[string]any{"summary": "all about go"}, h.res.Output(c.Run().RunID))

	reqs := h.exec.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "collect", reqs[0].TaskID)
	assert.Equal(t, "summarize", reqs[1].TaskID)
	assert.Equal(t, map[string]any{"topic": "go"}, reqs[1].Input, "input mapping feeds task payloads")
}

func TestTaskAckMarksExecuting(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil, linearDef())
	h.exec.OnDispatch = func(ctx context.Context, req executor.Request) error {
		if req.TaskID == "collect" {
			c, _ := h.rt.Coordinator(req.RunID)
			if err := c.HandleTaskAck(ctx, req.TokenID); err != nil {
				return err
			}
			close(release)
		}
		return nil
	}

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "linear"})
	require.NoError(t, err)
	<-release
	c.Wait()

	toks := h.tokensAt(c.Run().RunID, "collect")
	require.Len(t, toks, 1)
	assert.Equal(t, token.StatusExecuting, toks[0].Status)
	assert.Equal(t, 1, toks[0].Attempt)
}

func TestConditionRouting(t *testing.T) {
	def := &workflow.Def{
		ID:            "triage",
		InitialNodeID: "review",
		Nodes: []workflow.Node{
			{ID: "review", TaskID: "review",
				OutputMapping: map[string]string{"state.score": "$.score"}},
			{ID: "approve", TaskID: "approve"},
			{ID: "reject", TaskID: "reject"},
		},
		Transitions: []workflow.Transition{
			{ID: "hi", From: "review", To: "approve", Priority: 0, Condition: ".state.score >= 0.8"},
			{ID: "lo", From: "review", To: "reject", Priority: 1},
		},
	}
	h := newHarness(t, nil, def)
	h.respond(map[string]func(executor.Request) map[string]any{
		"review":  func(executor.Request) map[string]any { return map[string]any{"score": 0.9} },
		"approve": func(executor.Request) map[string]any { return map[string]any{} },
		"reject":  func(executor.Request) map[string]any { return map[string]any{} },
	})

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "triage"})
	require.NoError(t, err)
	c.Wait()

	h.eventuallyStatus(c, store.RunStatusCompleted)
	assert.Equal(t, 1, h.taskCount("approve"))
	assert.Zero(t, h.taskCount("reject"), "losing tier is never dispatched")
}

func TestFanOutAllMergesInBranchOrder(t *testing.T) {
	h := newHarness(t, nil, fanDef(workflow.Strategy{Kind: workflow.StrategyAll}, 0, ""))
	h.respond(map[string]func(executor.Request) map[string]any{
		"plan": func(executor.Request) map[string]any { return map[string]any{} },
		"work": func(req executor.Request) map[string]any {
			h.mu.Lock()
			s := h.stores[req.RunID]
			h.mu.Unlock()
			tok, err := s.Tokens().Get(context.Background(), req.TokenID)
			require.NoError(t, err)
			return map[string]any{"score": tok.BranchIndex}
		},
		"gather": func(executor.Request) map[string]any { return map[string]any{} },
	})

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "fan"})
	require.NoError(t, err)
	c.Wait()

	h.eventuallyStatus(c, store.RunStatusCompleted)
	assert.Equal(t, map[string]any{"scores": []any{0, 1, 2}}, h.res.Output(c.Run().RunID))
	assert.Equal(t, 3, h.taskCount("work"))
	assert.Equal(t, 1, h.taskCount("gather"), "one continuation reaches the fan-in node")

	runID := c.Run().RunID
	h.mu.Lock()
	s := h.stores[runID]
	h.mu.Unlock()
	rec, ok, err := s.FanIns().Get(context.Background(), "workers:gather")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, rec.ActivatedBy)
}

func TestFanOutAnyCancelsLaggards(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil, fanDef(workflow.Strategy{Kind: workflow.StrategyAny}, 0, ""))
	h.respond(map[string]func(executor.Request) map[string]any{
		"plan": func(executor.Request) map[string]any { return map[string]any{} },
		"work": func(req executor.Request) map[string]any {
			h.mu.Lock()
			s := h.stores[req.RunID]
			h.mu.Unlock()
			tok, err := s.Tokens().Get(context.Background(), req.TokenID)
			require.NoError(t, err)
			if tok.BranchIndex > 0 {
				<-release // lagging branches report after the fan-in fired
			}
			return map[string]any{"score": tok.BranchIndex}
		},
		"gather": func(executor.Request) map[string]any { return map[string]any{} },
	})

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "fan"})
	require.NoError(t, err)
	h.eventuallyStatus(c, store.RunStatusCompleted)
	close(release)
	c.Wait()

	assert.Equal(t, map[string]any{"scores": []any{0}}, h.res.Output(c.Run().RunID))

	cancelled := 0
	for _, tok := range h.tokensAt(c.Run().RunID, "work") {
		if tok.Status == token.StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 2, cancelled, "in-flight branches are cancelled at activation")
}

func TestSyncTimeoutFailsWorkflow(t *testing.T) {
	h := newHarness(t, nil, fanDef(workflow.Strategy{Kind: workflow.StrategyAll}, 50*time.Millisecond, workflow.TimeoutFail))
	h.respond(map[string]func(executor.Request) map[string]any{
		"plan": func(executor.Request) map[string]any { return map[string]any{} },
		"work": func(req executor.Request) map[string]any {
			h.mu.Lock()
			s := h.stores[req.RunID]
			h.mu.Unlock()
			tok, err := s.Tokens().Get(context.Background(), req.TokenID)
			require.NoError(t, err)
			if tok.BranchIndex > 0 {
				return nil // never reports
			}
			return map[string]any{"score": tok.BranchIndex}
		},
		"gather": func(executor.Request) map[string]any { return map[string]any{} },
	})

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "fan"})
	require.NoError(t, err)
	h.eventuallyStatus(c, store.RunStatusFailed)
	c.Wait()

	assert.Equal(t, "failed", h.res.Status(c.Run().RunID))

	timedOut := 0
	for _, tok := range h.tokensAt(c.Run().RunID, "gather") {
		if tok.Status == token.StatusTimedOut {
			timedOut++
		}
	}
	assert.Equal(t, 1, timedOut, "the parked arrival timed out")
	assert.Zero(t, h.taskCount("gather"))
}

func TestSyncTimeoutProceedsWithAvailable(t *testing.T) {
	h := newHarness(t, nil, fanDef(workflow.Strategy{Kind: workflow.StrategyAll}, 50*time.Millisecond, workflow.TimeoutProceed))
	h.respond(map[string]func(executor.Request) map[string]any{
		"plan": func(executor.Request) map[string]any { return map[string]any{} },
		"work": func(req executor.Request) map[string]any {
			h.mu.Lock()
			s := h.stores[req.RunID]
			h.mu.Unlock()
			tok, err := s.Tokens().Get(context.Background(), req.TokenID)
			require.NoError(t, err)
			if tok.BranchIndex > 0 {
				return nil
			}
			return map[string]any{"score": tok.BranchIndex}
		},
		"gather": func(executor.Request) map[string]any { return map[string]any{} },
	})

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "fan"})
	require.NoError(t, err)
	h.eventuallyStatus(c, store.RunStatusCompleted)
	c.Wait()

	assert.Equal(t, map[string]any{"scores": []any{0}}, h.res.Output(c.Run().RunID))
	assert.Equal(t, 1, h.taskCount("gather"))
}

func TestLoopTerminatesAtIterationLimit(t *testing.T) {
	def := &workflow.Def{
		ID:            "loop",
		InitialNodeID: "step",
		Nodes: []workflow.Node{
			{ID: "step", TaskID: "step"},
			{ID: "end"},
		},
		Transitions: []workflow.Transition{
			{ID: "again", From: "step", To: "step", Priority: 0,
				Loop: &workflow.LoopConfig{MaxIterations: 2}},
			{ID: "done", From: "step", To: "end", Priority: 1},
		},
	}
	h := newHarness(t, nil, def)
	h.respond(map[string]func(executor.Request) map[string]any{
		"step": func(executor.Request) map[string]any { return map[string]any{} },
	})

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "loop"})
	require.NoError(t, err)
	c.Wait()

	h.eventuallyStatus(c, store.RunStatusCompleted)
	assert.Equal(t, 3, h.taskCount("step"), "initial pass plus two loop iterations")
	assert.Len(t, h.tokensAt(c.Run().RunID, "end"), 1, "pass-through node completes without dispatch")
}

func TestRetryPolicyRedispatches(t *testing.T) {
	var mu sync.Mutex
	failures := 0
	h := newHarness(t, policy.MaxAttempts{Limit: 3}, linearDef())
	h.exec.OnDispatch = func(ctx context.Context, req executor.Request) error {
		c, _ := h.rt.Coordinator(req.RunID)
		if req.TaskID == "collect" {
			mu.Lock()
			failures++
			fail := failures <= 2
			mu.Unlock()
			if fail {
				return c.HandleTaskError(ctx, req.TokenID, "transient")
			}
			return c.HandleTaskResult(ctx, req.TokenID, map[string]any{"topic": "go"})
		}
		return c.HandleTaskResult(ctx, req.TokenID, map[string]any{"text": "done"})
	}

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "linear"})
	require.NoError(t, err)
	c.Wait()

	h.eventuallyStatus(c, store.RunStatusCompleted)
	assert.Equal(t, 3, h.taskCount("collect"))

	toks := h.tokensAt(c.Run().RunID, "collect")
	require.Len(t, toks, 1)
	assert.Equal(t, 3, toks[0].Attempt)
}

func TestTaskErrorFailsWorkflowWithoutRetry(t *testing.T) {
	h := newHarness(t, nil, linearDef())
	h.exec.OnDispatch = func(ctx context.Context, req executor.Request) error {
		c, _ := h.rt.Coordinator(req.RunID)
		return c.HandleTaskError(ctx, req.TokenID, "model unavailable")
	}

	c, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "linear"})
	require.NoError(t, err)
	c.Wait()

	h.eventuallyStatus(c, store.RunStatusFailed)
	assert.Equal(t, "failed", h.res.Status(c.Run().RunID))
	toks := h.tokensAt(c.Run().RunID, "collect")
	require.Len(t, toks, 1)
	assert.Equal(t, token.StatusFailed, toks[0].Status)
}

func TestCancelRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, nil, linearDef())
	h.exec.OnDispatch = func(ctx context.Context, req executor.Request) error {
		close(started)
		<-release
		c, _ := h.rt.Coordinator(req.RunID)
		return c.HandleTaskResult(ctx, req.TokenID, map[string]any{"topic": "late"})
	}

	ctx := context.Background()
	c, err := h.rt.Start(ctx, StartRun{WorkflowID: "linear"})
	require.NoError(t, err)
	<-started

	require.NoError(t, c.Cancel(ctx, "user requested"))
	require.NoError(t, c.Cancel(ctx, "again"), "cancel is idempotent")

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, status)
	assert.Equal(t, "cancelled", h.res.Status(c.Run().RunID))

	close(release)
	c.Wait()

	// The late result was ignored.
	status, _ = c.Status(ctx)
	assert.Equal(t, store.RunStatusCancelled, status)
	assert.Equal(t, 1, h.taskCount("collect"))
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, nil, linearDef())
	h.respond(map[string]func(executor.Request) map[string]any{
		"collect":   nil,
		"summarize": nil,
	})

	ctx := context.Background()
	c, err := h.rt.Start(ctx, StartRun{WorkflowID: "linear"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)
	c.Wait()
}

func TestHandleTaskResultUnknownToken(t *testing.T) {
	h := newHarness(t, nil, linearDef())
	h.respond(map[string]func(executor.Request) map[string]any{"collect": nil, "summarize": nil})

	ctx := context.Background()
	c, err := h.rt.Start(ctx, StartRun{WorkflowID: "linear"})
	require.NoError(t, err)
	c.Wait()

	err = c.HandleTaskResult(ctx, "no-such-token", map[string]any{})
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
}

func TestRuntimeRequiresDefinitionsAndExecutor(t *testing.T) {
	_, err := NewRuntime(RuntimeOptions{Executor: executor.NewInMem()})
	assert.Error(t, err)
	_, err = NewRuntime(RuntimeOptions{Definitions: NewStaticSource()})
	assert.Error(t, err)
}

func TestStartUnknownWorkflow(t *testing.T) {
	h := newHarness(t, nil, linearDef())
	_, err := h.rt.Start(context.Background(), StartRun{WorkflowID: "ghost"})
	assert.Error(t, err)
}

// parentChildDefs returns a parent workflow that seeds shared state and then
// delegates to a child workflow that doubles the seeded value.
func parentChildDefs(childTimeout time.Duration) (*workflow.Def, *workflow.Def) {
	parent := &workflow.Def{
		ID:            "parent",
		InitialNodeID: "seed",
		Nodes: []workflow.Node{
			{ID: "seed", TaskID: "seed",
				OutputMapping: map[string]string{"state.x": "$.x"}},
			{ID: "call", SubworkflowID: "child", SubworkflowTimeout: childTimeout,
				InputMapping:  map[string]string{"x": "$.state.x"},
				OutputMapping: map[string]string{"output.y": "$.y"}},
		},
		Transitions: []workflow.Transition{
			{ID: "delegate", From: "seed", To: "call"},
		},
		OutputMapping: map[string]string{"y": "$.output.y"},
	}
	child := &workflow.Def{
		ID:            "child",
		InitialNodeID: "double",
		Nodes: []workflow.Node{
			{ID: "double", TaskID: "double",
				InputMapping:  map[string]string{"x": "$.input.x"},
				OutputMapping: map[string]string{"output.y": "$.doubled"}},
		},
		OutputMapping: map[string]string{"y": "$.output.y"},
	}
	return parent, child
}

func TestSubworkflowCompletes(t *testing.T) {
	parent, child := parentChildDefs(0)
	h := newHarness(t, nil, parent, child)
	h.respond(map[string]func(executor.Request) map[string]any{
		"seed": func(executor.Request) map[string]any { return map[string]any{"x": 21} },
		"double": func(req executor.Request) map[string]any {
			x, ok := req.Input["x"].(int)
			require.True(t, ok)
			return map[string]any{"doubled": x * 2}
		},
	})

	ctx := context.Background()
	c, err := h.rt.Start(ctx, StartRun{WorkflowID: "parent"})
	require.NoError(t, err)
	h.eventuallyStatus(c, store.RunStatusCompleted)
	c.Wait()

	runID := c.Run().RunID
	assert.Equal(t, map[string]any{"y": 42}, h.res.Output(runID))

	// The child run completed and the parent's call token resumed.
	calls := h.tokensAt(runID, "call")
	require.Len(t, calls, 1)
	assert.Equal(t, token.StatusCompleted, calls[0].Status)

	h.mu.Lock()
	s := h.stores[runID]
	h.mu.Unlock()
	rec, ok, err := s.Subworkflows().Get(ctx, calls[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusSubCompleted, rec.Status)
	assert.Equal(t, map[string]any{"y": 42}, h.res.Output(rec.SubworkflowRunID))

	childC, live := h.rt.Coordinator(rec.SubworkflowRunID)
	require.True(t, live)
	status, err := childC.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, status)
}

func TestSubworkflowTimeoutFailsParentAndCancelsChild(t *testing.T) {
	parent, child := parentChildDefs(50 * time.Millisecond)
	h := newHarness(t, nil, parent, child)
	h.respond(map[string]func(executor.Request) map[string]any{
		"seed":   func(executor.Request) map[string]any { return map[string]any{"x": 21} },
		"double": func(executor.Request) map[string]any { return nil }, // child hangs
	})

	ctx := context.Background()
	c, err := h.rt.Start(ctx, StartRun{WorkflowID: "parent"})
	require.NoError(t, err)
	h.eventuallyStatus(c, store.RunStatusFailed)

	runID := c.Run().RunID
	calls := h.tokensAt(runID, "call")
	require.Len(t, calls, 1)
	assert.Equal(t, token.StatusTimedOut, calls[0].Status)

	h.mu.Lock()
	s := h.stores[runID]
	h.mu.Unlock()
	rec, ok, err := s.Subworkflows().Get(ctx, calls[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusSubCancelled, rec.Status)

	childC, live := h.rt.Coordinator(rec.SubworkflowRunID)
	require.True(t, live)
	require.Eventually(t, func() bool {
		status, err := childC.Status(ctx)
		return err == nil && status == store.RunStatusCancelled
	}, 5*time.Second, 5*time.Millisecond, "the child run is cancelled alongside")
}

func TestSubworkflowFailurePropagatesToParent(t *testing.T) {
	parent, child := parentChildDefs(0)
	h := newHarness(t, nil, parent, child)
	h.exec.OnDispatch = func(ctx context.Context, req executor.Request) error {
		c, live := h.rt.Coordinator(req.RunID)
		if !live {
			return errors.New("no coordinator for run " + req.RunID)
		}
		switch req.TaskID {
		case "seed":
			return c.HandleTaskResult(ctx, req.TokenID, map[string]any{"x": 21})
		case "double":
			return c.HandleTaskError(ctx, req.TokenID, "boom")
		default:
			return errors.New("unexpected task " + req.TaskID)
		}
	}

	ctx := context.Background()
	c, err := h.rt.Start(ctx, StartRun{WorkflowID: "parent"})
	require.NoError(t, err)
	h.eventuallyStatus(c, store.RunStatusFailed)

	runID := c.Run().RunID
	assert.Equal(t, "failed", h.res.Status(runID))
	calls := h.tokensAt(runID, "call")
	require.Len(t, calls, 1)
	assert.Equal(t, token.StatusFailed, calls[0].Status)

	h.mu.Lock()
	s := h.stores[runID]
	h.mu.Unlock()
	rec, ok, err := s.Subworkflows().Get(ctx, calls[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "failed", h.res.Status(rec.SubworkflowRunID))
}

func TestStaticSourceVersioning(t *testing.T) {
	def := linearDef()
	def.Version = "3"
	src := NewStaticSource(def)

	got, err := src.WorkflowDef(context.Background(), "linear", "")
	require.NoError(t, err)
	assert.Same(t, def, got)

	_, err = src.WorkflowDef(context.Background(), "linear", "2")
	assert.Error(t, err)

	got, err = src.WorkflowDef(context.Background(), "linear", "3")
	require.NoError(t, err)
	assert.Same(t, def, got)
}
