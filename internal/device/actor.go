// Package device runs one device as an isolated actor: a single
// goroutine owns the device's driver runtime and its connection, and
// every external interaction — command execution, status queries,
// staging for a run, subscription, shutdown — crosses a bounded inbox
// channel rather than a shared lock. Grounded on the teacher's
// services/hal worker/service loop (timer-rearm select over an inbox
// channel, reply-channel request/response), generalized from a fixed
// measurement-poll loop to a general command dispatch loop.
package device

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/labrun/photonrun/internal/capability"
	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/observable"
	"github.com/labrun/photonrun/internal/types"
)

// commandLatency reports per-device, per-command-kind dispatch
// duration, labeled rather than per-instance since an Actor has no
// stable identity beyond its DeviceID.
var commandLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "photonrun",
	Subsystem: "device",
	Name:      "command_latency_seconds",
	Help:      "Command dispatch latency by device and command kind.",
	Buckets:   prometheus.DefBuckets,
}, []string{"device_id", "kind"})

// Collectors returns the device package's Prometheus collectors, for a
// single /metrics registration call alongside telemetry.Hub.Collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{commandLatency}
}

// Capabilities is the full method surface a driver runtime exposes to
// an Actor. A concrete runtime (driver.Runtime) implements every
// method regardless of which capabilities its descriptor actually
// configures; methods for unconfigured capabilities return
// daqerr.CapabilityNotSupported.
type Capabilities interface {
	capability.Movable
	capability.Readable
	capability.WavelengthTunable
	capability.ShutterControl
	capability.Triggerable
	capability.FrameProducer
}

// ParameterAccess is implemented by a driver runtime that exposes a
// named parameter set (spec §4.B Parameterized).
type ParameterAccess interface {
	Parameters() *observable.ParameterSet
}

// Connector opens and closes the underlying transport for one device.
// Concrete implementations (serial, USB, PCI) live outside this
// module's core (spec §1 Non-goals).
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// BackoffPolicy configures the geometric connection-retry schedule.
// Retries are bounded by MaxAttempts or MaxElapsed, whichever occurs
// first; once exhausted the device is marked Faulted rather than
// retried forever, mirroring the teacher's measureWorker
// MaxRetries/RetryBackoff fields (services/hal/worker.go), generalized
// here with an elapsed-time bound alongside the attempt-count one.
type BackoffPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
	MaxElapsed  time.Duration
}

func (b BackoffPolicy) normalize() BackoffPolicy {
	if b.Initial <= 0 {
		b.Initial = 50 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	if b.Factor <= 1 {
		b.Factor = 2
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 6
	}
	if b.MaxElapsed <= 0 {
		b.MaxElapsed = time.Minute
	}
	return b
}

func (b BackoffPolicy) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Initial
	}
	n := time.Duration(float64(cur) * b.Factor)
	if n > b.Max {
		n = b.Max
	}
	return n
}

// Config parameterizes an Actor at construction.
type Config struct {
	ID              types.DeviceID
	Kind            string
	Capabilities    []types.Capability
	Connector       Connector
	Runtime         Capabilities
	Params          ParameterAccess // nil if the device declares no Parameterized capability
	CommandTimeout  time.Duration
	UnstageTimeout  time.Duration
	Backoff         BackoffPolicy
	InboxSize       int

	// StartConnected marks that the caller (registry.Register) already
	// performed this device's initial Connect synchronously before
	// spawning the actor; the actor starts Ready instead of
	// Disconnected and does not repeat that first connect attempt.
	StartConnected bool

	// IdempotentFn reports whether a given command kind is safe to
	// retry on this device, per its driver descriptor's per-command
	// `idempotent` flag (spec §8 Testable Property 6). nil treats
	// every command as non-idempotent.
	IdempotentFn func(types.CommandKind) bool
}

// Actor owns one device's lifecycle and command dispatch.
type Actor struct {
	id     types.DeviceID
	kind   string
	caps   []types.Capability
	conn   Connector
	rt     Capabilities
	params ParameterAccess

	cmdTimeout     time.Duration
	unstageTimeout time.Duration
	backoff        BackoffPolicy

	inbox chan any
	done  chan struct{}

	status *observable.Observable[types.Status]

	idempotentFn func(types.CommandKind) bool
}

const defaultInboxSize = 16

// NewActor constructs an Actor and starts its goroutine running under ctx.
func NewActor(ctx context.Context, cfg Config) *Actor {
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	cmdTimeout := cfg.CommandTimeout
	if cmdTimeout <= 0 {
		cmdTimeout = 5 * time.Second
	}
	unstageTimeout := cfg.UnstageTimeout
	if unstageTimeout <= 0 {
		unstageTimeout = 2 * time.Second
	}
	initialStatus := types.Disconnected
	if cfg.StartConnected {
		initialStatus = types.Ready
	}
	a := &Actor{
		id:             cfg.ID,
		kind:           cfg.Kind,
		caps:           cfg.Capabilities,
		conn:           cfg.Connector,
		rt:             cfg.Runtime,
		params:         cfg.Params,
		cmdTimeout:     cmdTimeout,
		unstageTimeout: unstageTimeout,
		backoff:        cfg.Backoff.normalize(),
		inbox:          make(chan any, size),
		done:           make(chan struct{}),
		status:         observable.New(observable.Metadata{Name: "status"}, observable.Free[types.Status](), initialStatus, nil),
		idempotentFn:   cfg.IdempotentFn,
	}
	go a.run(ctx)
	return a
}

// ---- request/reply message shapes ----

type executeMsg struct {
	cmd   types.Command
	reply chan executeReply
}

type executeReply struct {
	result types.CommandResult
	err    error
}

type stageMsg struct {
	reply chan error
}

type unstageMsg struct {
	reply chan error
}

type shutdownMsg struct {
	reply chan error
}

// Execute submits a command and blocks for its reply or ctx cancellation.
func (a *Actor) Execute(ctx context.Context, cmd types.Command) (types.CommandResult, error) {
	reply := make(chan executeReply, 1)
	msg := executeMsg{cmd: cmd, reply: reply}
	select {
	case a.inbox <- msg:
	case <-ctx.Done():
		return types.CommandResult{}, daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "device.Actor.Execute")
	case <-a.done:
		return types.CommandResult{}, daqerr.New(daqerr.DeviceUnavailable, "device.Actor.Execute", "actor shut down")
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return types.CommandResult{}, daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "device.Actor.Execute")
	}
}

// Status returns a read-only snapshot of the device's current state.
// It reads the status Observable directly rather than round-tripping
// through the inbox, so a caller can see Busy while the actor is
// blocked inside a command dispatch.
func (a *Actor) Status() types.DeviceInfo {
	return types.DeviceInfo{ID: a.id, Kind: a.kind, Capabilities: a.caps, Status: a.status.Get().Value}
}

// IsIdempotent reports whether kind is safe to retry on this device,
// per its driver descriptor's per-command idempotent flag. A device
// built without an IdempotentFn treats every command as non-idempotent.
func (a *Actor) IsIdempotent(kind types.CommandKind) bool {
	if a.idempotentFn == nil {
		return false
	}
	return a.idempotentFn(kind)
}

// ParameterNames returns the names of every parameter this device
// declares, or nil for a device with no Parameterized capability.
func (a *Actor) ParameterNames() []string {
	if a.params == nil {
		return nil
	}
	return a.params.Parameters().Names()
}

// Subscribe returns a live feed of status transitions (late subscribers
// immediately see the current status, per observable.Observable).
func (a *Actor) Subscribe() *observable.Subscription[types.Status] {
	return a.status.Subscribe()
}

// Stage reserves the device for an engine run; it fails if the device
// is not Ready.
func (a *Actor) Stage(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.inbox <- stageMsg{reply: reply}:
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "device.Actor.Stage")
	case <-a.done:
		return daqerr.New(daqerr.DeviceUnavailable, "device.Actor.Stage", "actor shut down")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "device.Actor.Stage")
	}
}

// Unstage releases the device back to Ready, bounded by the actor's
// unstage timeout. A reply that doesn't arrive in time produces a
// client-side daqerr.Timeout for this caller only — the actor's own
// state machine is untouched, and the in-flight unstageMsg is still
// processed whenever the actor gets to it.
func (a *Actor) Unstage(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.inbox <- unstageMsg{reply: reply}:
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "device.Actor.Unstage")
	case <-a.done:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-time.After(a.unstageTimeout):
		return daqerr.New(daqerr.Timeout, "device.Actor.Unstage", "device did not unstage within bound")
	}
}

// Shutdown disconnects the device and stops the actor goroutine.
func (a *Actor) Shutdown(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.inbox <- shutdownMsg{reply: reply}:
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "device.Actor.Shutdown")
	case <-a.done:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "device.Actor.Shutdown")
	}
}
