// Package engine drives one experiment run to completion. Like device
// and registry, it is a single actor goroutine: control operations
// (Run, Pause, Resume, Abort, SetParameterDuringPause) cross a bounded
// inbox rather than touch shared state directly, and the run's own
// event-by-event progress is interleaved with control-message checks
// on every step so a Pause or Abort takes effect at the next event
// boundary rather than waiting for the whole plan to finish. Grounded
// on the teacher's services/hal worker timer-rearm select loop — the
// same shape already reused for device.Actor.run, generalized here
// from "one device's command stream" to "one plan run across many
// devices".
package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/mathx"
	"github.com/labrun/photonrun/internal/observable"
	"github.com/labrun/photonrun/internal/plan"
	"github.com/labrun/photonrun/internal/types"
)

// State is the engine's run-level state machine (spec §4.G).
type State string

const (
	Idle         State = "idle"
	Translating  State = "translating"
	Validated    State = "validated"
	Running      State = "running"
	Paused       State = "paused"
	Completed    State = "completed"
	Aborted      State = "aborted"
	Failed       State = "failed"
)

var allStates = []State{Idle, Translating, Validated, Running, Paused, Completed, Aborted, Failed}

// runStateGauge reports the engine's current run state as a 1/0 gauge
// per state label, a single Engine being process-wide so no further
// labeling is needed to disambiguate instances.
var runStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "photonrun",
	Subsystem: "engine",
	Name:      "run_state",
	Help:      "1 for the engine's current run state, 0 for every other state.",
}, []string{"state"})

// Collectors returns the engine package's Prometheus collectors, for a
// single /metrics registration call alongside telemetry.Hub.Collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{runStateGauge}
}

// Progress is the latest observable snapshot of an in-flight run.
type Progress struct {
	State     State
	Step      int
	Total     int
	LastEvent plan.EventKind
	LastErr   string
}

// DeviceHandle is the command surface the engine needs from one
// device. *device.Actor satisfies it directly.
type DeviceHandle interface {
	Execute(ctx context.Context, cmd types.Command) (types.CommandResult, error)
	Stage(ctx context.Context) error
	Unstage(ctx context.Context) error
	IsIdempotent(kind types.CommandKind) bool
}

// DeviceResolver looks up a device handle by id. *registry.Registry's
// Get returns the concrete *device.Actor, so it is adapted to this
// interface at the call site (control.registryResolver).
type DeviceResolver interface {
	Get(ctx context.Context, id types.DeviceID) (DeviceHandle, error)
}

// Config parameterizes an Engine at construction.
type Config struct {
	Devices DeviceResolver

	// EventTimeout bounds each attempt of a single Event's command
	// dispatch; events carry no timeout of their own.
	EventTimeout time.Duration

	// UnstageTimeout bounds Abort's per-device unstage fan-out.
	UnstageTimeout time.Duration

	InboxSize int
}

// Engine runs one Plan at a time, end to end.
type Engine struct {
	devices        DeviceResolver
	eventTimeout   time.Duration
	unstageTimeout time.Duration

	inbox chan any
	done  chan struct{}

	state    *observable.Observable[State]
	progress *observable.Observable[Progress]
}

const defaultEngineInboxSize = 8

// New constructs an Engine and starts its goroutine running under ctx.
func New(ctx context.Context, cfg Config) *Engine {
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultEngineInboxSize
	}
	eventTimeout := cfg.EventTimeout
	if eventTimeout <= 0 {
		eventTimeout = 10 * time.Second
	}
	unstageTimeout := cfg.UnstageTimeout
	if unstageTimeout <= 0 {
		unstageTimeout = 2 * time.Second
	}
	e := &Engine{
		devices:        cfg.Devices,
		eventTimeout:   eventTimeout,
		unstageTimeout: unstageTimeout,
		inbox:          make(chan any, size),
		done:           make(chan struct{}),
		state:          observable.New(observable.Metadata{Name: "engine_state"}, observable.Free[State](), Idle, nil),
		progress:       observable.New(observable.Metadata{Name: "engine_progress"}, observable.Free[Progress](), Progress{State: Idle}, nil),
	}
	go e.run(ctx)
	return e
}

// Status returns the current run-level state.
func (e *Engine) Status() State { return e.state.Get().Value }

// Progress returns the latest step/total/state snapshot.
func (e *Engine) Progress() Progress { return e.progress.Get().Value }

// SubscribeState returns a live feed of State transitions.
func (e *Engine) SubscribeState() *observable.Subscription[State] { return e.state.Subscribe() }

// SubscribeProgress returns a live feed of Progress updates.
func (e *Engine) SubscribeProgress() *observable.Subscription[Progress] { return e.progress.Subscribe() }

// ---- control messages ----

type runMsg struct {
	plan    *plan.Plan
	catalog plan.Catalog
	reply   chan error
}

type pauseMsg struct{ reply chan error }
type resumeMsg struct{ reply chan error }
type abortMsg struct{ reply chan error }

type setParamMsg struct {
	device types.DeviceID
	name   string
	value  []byte
	reply  chan error
}

// Run validates and translates p, then starts executing it. It returns
// once the run has started (Running or, on validation failure,
// Failed) — it does not block until the plan completes. Callers poll
// Status/Progress or subscribe for completion.
func (e *Engine) Run(ctx context.Context, p *plan.Plan, catalog plan.Catalog) error {
	reply := make(chan error, 1)
	return e.send(ctx, runMsg{plan: p, catalog: catalog, reply: reply}, reply)
}

// Pause requests a pause at the next event boundary.
func (e *Engine) Pause(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.send(ctx, pauseMsg{reply: reply}, reply)
}

// Resume continues a paused run.
func (e *Engine) Resume(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.send(ctx, resumeMsg{reply: reply}, reply)
}

// Abort stops the run and unstages every device it touched.
func (e *Engine) Abort(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.send(ctx, abortMsg{reply: reply}, reply)
}

// SetParameterDuringPause writes a parameter while the run is Paused;
// it is rejected in every other state (spec §4.G).
func (e *Engine) SetParameterDuringPause(ctx context.Context, device types.DeviceID, name string, valueJSON []byte) error {
	reply := make(chan error, 1)
	return e.send(ctx, setParamMsg{device: device, name: name, value: valueJSON, reply: reply}, reply)
}

func (e *Engine) send(ctx context.Context, msg any, reply chan error) error {
	select {
	case e.inbox <- msg:
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "engine.Engine.send")
	case <-e.done:
		return daqerr.New(daqerr.EngineStateError, "engine.Engine.send", "engine shut down")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "engine.Engine.send")
	}
}

func (e *Engine) setState(s State) {
	_ = e.state.Set(context.Background(), s)
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		runStateGauge.WithLabelValues(string(st)).Set(v)
	}
}

func (e *Engine) setProgress(p Progress) { _ = e.progress.Set(context.Background(), p) }

func fullJitterBackoff(attempt int, initial, ceiling time.Duration) time.Duration {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	ceilingForAttempt := mathx.Clamp(time.Duration(float64(initial)*pow2(attempt)), time.Duration(0), ceiling)
	if ceilingForAttempt <= 0 {
		ceilingForAttempt = ceiling
	}
	return time.Duration(rand.Int63n(int64(ceilingForAttempt) + 1))
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}
