package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/plan"
	"github.com/labrun/photonrun/internal/types"
)

type fakeHandle struct {
	mu         sync.Mutex
	executed   []types.CommandKind
	staged     int
	unstaged   int
	idempotent map[types.CommandKind]bool

	execFunc func(cmd types.Command) (types.CommandResult, error)
}

func (h *fakeHandle) Execute(ctx context.Context, cmd types.Command) (types.CommandResult, error) {
	h.mu.Lock()
	h.executed = append(h.executed, cmd.Kind)
	h.mu.Unlock()
	if h.execFunc != nil {
		return h.execFunc(cmd)
	}
	return types.Ack(), nil
}

func (h *fakeHandle) Stage(ctx context.Context) error {
	h.mu.Lock()
	h.staged++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Unstage(ctx context.Context) error {
	h.mu.Lock()
	h.unstaged++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) IsIdempotent(kind types.CommandKind) bool {
	return h.idempotent[kind]
}

func (h *fakeHandle) calls() []types.CommandKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.CommandKind, len(h.executed))
	copy(out, h.executed)
	return out
}

type fakeResolver struct {
	mu      sync.Mutex
	handles map[types.DeviceID]*fakeHandle
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{handles: map[types.DeviceID]*fakeHandle{}}
}

func (r *fakeResolver) add(id types.DeviceID, h *fakeHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
}

func (r *fakeResolver) Get(ctx context.Context, id types.DeviceID) (DeviceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, daqerr.New(daqerr.DeviceUnavailable, "fakeResolver.Get", "no such device")
	}
	return h, nil
}

func catalogFor(devices ...types.DeviceID) plan.Catalog {
	c := plan.Catalog{}
	for _, d := range devices {
		c[d] = plan.CatalogEntry{Capabilities: []types.Capability{types.Movable, types.FrameProducer, types.Parameterized}, Parameters: []string{"power_mw"}}
	}
	return c
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("engine did not reach state %s, stuck at %s", want, e.Status())
}

func TestRunExecutesMoveThenAcquireToCompletion(t *testing.T) {
	ctx := context.Background()
	stage := &fakeHandle{}
	cam := &fakeHandle{}
	resolver := newFakeResolver()
	resolver.add("stage-1", stage)
	resolver.add("cam-1", cam)

	e := New(ctx, Config{Devices: resolver})

	nodes := map[plan.NodeID]plan.Node{
		"entry": plan.NewEntryNode("entry", "move"),
		"move":  plan.NewMoveNode("move", "acquire", "stage-1", "", 5, plan.SettlePolicy{}),
		"acquire": plan.NewAcquireNode("acquire", "", "cam-1", 10*time.Millisecond, "run1"),
	}
	p := plan.New("entry", nodes)

	require.NoError(t, e.Run(ctx, p, catalogFor("stage-1", "cam-1")))
	waitForState(t, e, Completed)

	require.Equal(t, []types.CommandKind{types.CmdMoveAbsolute}, stage.calls())
	require.Equal(t, []types.CommandKind{types.CmdStartExposure}, cam.calls())
	require.Equal(t, 1, stage.unstaged)
	require.Equal(t, 1, cam.unstaged)
}

func TestRunDefaultPolicyFailsClosedOnDeviceError(t *testing.T) {
	ctx := context.Background()
	stage := &fakeHandle{execFunc: func(cmd types.Command) (types.CommandResult, error) {
		return types.CommandResult{}, daqerr.New(daqerr.IoFailure, "fake", "wire fault")
	}}
	resolver := newFakeResolver()
	resolver.add("stage-1", stage)

	e := New(ctx, Config{Devices: resolver})

	nodes := map[plan.NodeID]plan.Node{
		"entry": plan.NewEntryNode("entry", "move"),
		"move":  plan.NewMoveNode("move", "", "stage-1", "", 5, plan.SettlePolicy{}),
	}
	p := plan.New("entry", nodes)

	require.NoError(t, e.Run(ctx, p, catalogFor("stage-1")))
	waitForState(t, e, Failed)
	require.Equal(t, 1, stage.unstaged)
}

func TestRunSkipPolicyContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	stage := &fakeHandle{execFunc: func(cmd types.Command) (types.CommandResult, error) {
		return types.CommandResult{}, daqerr.New(daqerr.IoFailure, "fake", "wire fault")
	}}
	cam := &fakeHandle{}
	resolver := newFakeResolver()
	resolver.add("stage-1", stage)
	resolver.add("cam-1", cam)

	e := New(ctx, Config{Devices: resolver})

	nodes := map[plan.NodeID]plan.Node{
		"entry":   plan.NewEntryNode("entry", "move"),
		"move":    plan.NewMoveNode("move", "acquire", "stage-1", "", 5, plan.SettlePolicy{}).WithPolicy(plan.FailurePolicy{Kind: plan.PolicySkip}),
		"acquire": plan.NewAcquireNode("acquire", "", "cam-1", 10*time.Millisecond, "run1"),
	}
	p := plan.New("entry", nodes)

	require.NoError(t, e.Run(ctx, p, catalogFor("stage-1", "cam-1")))
	waitForState(t, e, Completed)
	require.Equal(t, []types.CommandKind{types.CmdStartExposure}, cam.calls())
}

func TestRunRetryPolicyRetriesIdempotentCommand(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	stage := &fakeHandle{
		idempotent: map[types.CommandKind]bool{types.CmdMoveAbsolute: true},
		execFunc: func(cmd types.Command) (types.CommandResult, error) {
			attempts++
			if attempts < 3 {
				return types.CommandResult{}, daqerr.New(daqerr.IoFailure, "fake", "transient")
			}
			return types.Ack(), nil
		},
	}
	resolver := newFakeResolver()
	resolver.add("stage-1", stage)

	e := New(ctx, Config{Devices: resolver})

	nodes := map[plan.NodeID]plan.Node{
		"entry": plan.NewEntryNode("entry", "move"),
		"move": plan.NewMoveNode("move", "", "stage-1", "", 5, plan.SettlePolicy{}).
			WithPolicy(plan.FailurePolicy{Kind: plan.PolicyRetry, MaxAttempts: 5, BackoffInitial: time.Millisecond, BackoffCeiling: 5 * time.Millisecond}),
	}
	p := plan.New("entry", nodes)

	require.NoError(t, e.Run(ctx, p, catalogFor("stage-1")))
	waitForState(t, e, Completed)
	require.Equal(t, 3, attempts)
}

func TestRunRetryPolicyIgnoredForNonIdempotentCommand(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	stage := &fakeHandle{
		execFunc: func(cmd types.Command) (types.CommandResult, error) {
			attempts++
			return types.CommandResult{}, daqerr.New(daqerr.IoFailure, "fake", "transient")
		},
	}
	resolver := newFakeResolver()
	resolver.add("stage-1", stage)

	e := New(ctx, Config{Devices: resolver})

	nodes := map[plan.NodeID]plan.Node{
		"entry": plan.NewEntryNode("entry", "move"),
		"move": plan.NewMoveNode("move", "", "stage-1", "", 5, plan.SettlePolicy{}).
			WithPolicy(plan.FailurePolicy{Kind: plan.PolicyRetry, MaxAttempts: 5}),
	}
	p := plan.New("entry", nodes)

	require.NoError(t, e.Run(ctx, p, catalogFor("stage-1")))
	waitForState(t, e, Failed)
	require.Equal(t, 1, attempts)
}

func TestPauseThenResumeCompletesRun(t *testing.T) {
	ctx := context.Background()
	resolver := newFakeResolver()

	e := New(ctx, Config{Devices: resolver})

	nodes := map[plan.NodeID]plan.Node{
		"entry": plan.NewEntryNode("entry", "wait1"),
		"wait1": plan.NewWaitNode("wait1", "wait2", 50*time.Millisecond),
		"wait2": plan.NewWaitNode("wait2", "", 10*time.Millisecond),
	}
	p := plan.New("entry", nodes)

	require.NoError(t, e.Run(ctx, p, plan.Catalog{}))
	require.NoError(t, e.Pause(ctx))
	waitForState(t, e, Paused)
	require.NoError(t, e.Resume(ctx))
	waitForState(t, e, Completed)
}

func TestAbortDuringWaitReachesAborted(t *testing.T) {
	ctx := context.Background()
	stage := &fakeHandle{execFunc: func(cmd types.Command) (types.CommandResult, error) {
		time.Sleep(20 * time.Millisecond)
		return types.Ack(), nil
	}}
	resolver := newFakeResolver()
	resolver.add("stage-1", stage)

	e := New(ctx, Config{Devices: resolver})

	nodes := map[plan.NodeID]plan.Node{
		"entry": plan.NewEntryNode("entry", "wait"),
		"wait":  plan.NewWaitNode("wait", "move", 200*time.Millisecond),
		"move":  plan.NewMoveNode("move", "", "stage-1", "", 5, plan.SettlePolicy{}),
	}
	p := plan.New("entry", nodes)

	require.NoError(t, e.Run(ctx, p, catalogFor("stage-1")))
	require.NoError(t, e.Abort(ctx))
	waitForState(t, e, Aborted)
}
