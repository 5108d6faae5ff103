// Package control exposes the single facade external callers (the
// daemon's RPC transport, a script runtime) use to drive the runtime:
// device listing and one-shot command execution, parameter
// read/write, live telemetry subscriptions, and experiment-run
// lifecycle control (spec §6). Grounded on the teacher's
// services/bridge.Service — a single struct owning the shared
// resources (here: the device registry, the telemetry hub, and the
// one active engine.Engine) behind a small, synchronous method
// surface, with run identity assigned the way a bridge link is named.
package control

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/engine"
	"github.com/labrun/photonrun/internal/observable"
	"github.com/labrun/photonrun/internal/plan"
	"github.com/labrun/photonrun/internal/registry"
	"github.com/labrun/photonrun/internal/telemetry"
	"github.com/labrun/photonrun/internal/types"
)

// registryResolver adapts *registry.Registry's concrete-typed Get to
// engine.DeviceResolver's interface-typed one. Go does not treat a
// method returning *device.Actor as satisfying an interface requiring
// a method returning engine.DeviceHandle even though *device.Actor
// implements it — the adaptation has to happen at a call site.
type registryResolver struct {
	reg *registry.Registry
}

func (r registryResolver) Get(ctx context.Context, id types.DeviceID) (engine.DeviceHandle, error) {
	return r.reg.Get(ctx, id)
}

// Surface is the runtime's single control-plane entry point.
type Surface struct {
	reg *registry.Registry
	hub *telemetry.Hub
	eng *engine.Engine

	mu         sync.Mutex
	forwarders map[types.DeviceID]context.CancelFunc
	scripts    map[string]*plan.Plan
	scriptRuns map[string]*RunHandle
}

// New constructs a Surface over an already-running Registry and
// telemetry Hub, starting one Engine actor to serve plan runs.
func New(ctx context.Context, reg *registry.Registry, hub *telemetry.Hub, engCfg engine.Config) *Surface {
	engCfg.Devices = registryResolver{reg: reg}
	return &Surface{
		reg:        reg,
		hub:        hub,
		eng:        engine.New(ctx, engCfg),
		forwarders: map[types.DeviceID]context.CancelFunc{},
		scripts:    map[string]*plan.Plan{},
		scriptRuns: map[string]*RunHandle{},
	}
}

// RegisterDevice registers a device with the registry and starts
// forwarding its status transitions onto the telemetry hub — the
// registry itself stays telemetry-agnostic (spec §4.D/§4.H are
// separate concerns), so the bridging lives here at the control
// boundary where both are in scope.
func (s *Surface) RegisterDevice(ctx context.Context, req registry.Request) error {
	if err := s.reg.Register(ctx, req); err != nil {
		return err
	}
	a, err := s.reg.Get(ctx, req.ID)
	if err != nil {
		return err
	}

	fctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.forwarders[req.ID] = cancel
	s.mu.Unlock()

	go func() {
		sub := a.Subscribe()
		defer sub.Close()
		for {
			update, err := sub.Recv(fctx)
			if err != nil {
				return
			}
			s.hub.PublishStatus(req.ID, update.Snapshot.Value)
		}
	}()
	return nil
}

// UnregisterDevice stops status forwarding and removes the device.
func (s *Surface) UnregisterDevice(ctx context.Context, id types.DeviceID) error {
	s.mu.Lock()
	if cancel, ok := s.forwarders[id]; ok {
		cancel()
		delete(s.forwarders, id)
	}
	s.mu.Unlock()
	return s.reg.Unregister(ctx, id)
}

// ListDevices returns a snapshot of every registered device.
func (s *Surface) ListDevices(ctx context.Context) ([]types.DeviceInfo, error) {
	return s.reg.List(ctx)
}

// GetDevice returns one device's current snapshot.
func (s *Surface) GetDevice(ctx context.Context, id types.DeviceID) (types.DeviceInfo, error) {
	a, err := s.reg.Get(ctx, id)
	if err != nil {
		return types.DeviceInfo{}, err
	}
	return a.Status(), nil
}

// Execute issues a single one-shot command against a device outside
// of any plan run.
func (s *Surface) Execute(ctx context.Context, id types.DeviceID, cmd types.Command) (types.CommandResult, error) {
	a, err := s.reg.Get(ctx, id)
	if err != nil {
		return types.CommandResult{}, err
	}
	return a.Execute(ctx, cmd)
}

// SetParameter writes a named parameter on a device outside of any
// plan run.
func (s *Surface) SetParameter(ctx context.Context, id types.DeviceID, name string, valueJSON []byte) error {
	_, err := s.Execute(ctx, id, types.NewSetParameter(name, valueJSON))
	return err
}

// GetParameter reads a named parameter's current value.
func (s *Surface) GetParameter(ctx context.Context, id types.DeviceID, name string) (types.CommandResult, error) {
	return s.Execute(ctx, id, types.NewGetParameter(name))
}

// StreamStatus subscribes to status transitions for a device id
// pattern ("+"/"#" wildcards honored, spec §4.H).
func (s *Surface) StreamStatus(deviceIDPattern string) *telemetry.Subscription[telemetry.StatusEvent] {
	return s.hub.SubscribeStatus(deviceIDPattern)
}

// StreamParameter subscribes to parameter-change events.
func (s *Surface) StreamParameter(deviceIDPattern, namePattern string) *telemetry.Subscription[telemetry.ParameterEvent] {
	return s.hub.SubscribeParameter(deviceIDPattern, namePattern)
}

// StreamFrames subscribes to acquired-frame events.
func (s *Surface) StreamFrames(deviceIDPattern string) *telemetry.Subscription[telemetry.FrameEvent] {
	return s.hub.SubscribeFrames(deviceIDPattern)
}

// catalogFromRegistry builds the plan.Catalog Validate needs by
// listing every registered device and its declared parameter names
// (spec §4.F: the translator stays pure, so this I/O happens here,
// at the control boundary, not inside package plan).
func (s *Surface) catalogFromRegistry(ctx context.Context) (plan.Catalog, error) {
	infos, err := s.reg.List(ctx)
	if err != nil {
		return nil, err
	}
	catalog := make(plan.Catalog, len(infos))
	for _, info := range infos {
		a, err := s.reg.Get(ctx, info.ID)
		if err != nil {
			return nil, err
		}
		catalog[info.ID] = plan.CatalogEntry{Capabilities: info.Capabilities, Parameters: a.ParameterNames()}
	}
	return catalog, nil
}

// RunID identifies one SubmitPlan invocation.
type RunID string

// RunHandle lets a caller control and observe one submitted run.
type RunHandle struct {
	ID  RunID
	eng *engine.Engine
}

func (h *RunHandle) Pause(ctx context.Context) error  { return h.eng.Pause(ctx) }
func (h *RunHandle) Resume(ctx context.Context) error { return h.eng.Resume(ctx) }
func (h *RunHandle) Abort(ctx context.Context) error  { return h.eng.Abort(ctx) }
func (h *RunHandle) Status() engine.State             { return h.eng.Status() }
func (h *RunHandle) Progress() engine.Progress         { return h.eng.Progress() }

func (h *RunHandle) SubscribeProgress() *observable.Subscription[engine.Progress] {
	return h.eng.SubscribeProgress()
}

// SubmitPlan validates p against the live device registry, translates
// it, and starts it running. Only one run may be in flight at a time;
// submitting while a run is Running or Paused fails with
// daqerr.EngineStateError.
func (s *Surface) SubmitPlan(ctx context.Context, p *plan.Plan) (*RunHandle, error) {
	catalog, err := s.catalogFromRegistry(ctx)
	if err != nil {
		return nil, daqerr.Wrap(err, daqerr.ValidationError, "control.Surface.SubmitPlan")
	}
	if err := s.eng.Run(ctx, p, catalog); err != nil {
		return nil, err
	}
	return &RunHandle{ID: RunID(uuid.NewString()), eng: s.eng}, nil
}

// SetParameterDuringPause writes a parameter mid-run; it is rejected
// unless the run is currently Paused (spec §4.G).
func (h *RunHandle) SetParameterDuringPause(ctx context.Context, device types.DeviceID, name string, valueJSON []byte) error {
	return h.eng.SetParameterDuringPause(ctx, device, name, valueJSON)
}

// UploadScript decodes a JSON-encoded plan.Plan and holds it under id
// for a later StartScript. The embedded script interpreter itself is
// out of scope; a "script" at this boundary is just the same plan
// graph SubmitPlan accepts, serialized for a remote caller.
func (s *Surface) UploadScript(ctx context.Context, id string, planJSON []byte) error {
	var p plan.Plan
	if err := json.Unmarshal(planJSON, &p); err != nil {
		return daqerr.Wrap(err, daqerr.ValidationError, "control.Surface.UploadScript")
	}
	s.mu.Lock()
	s.scripts[id] = &p
	s.mu.Unlock()
	return nil
}

// StartScript re-enters SubmitPlan with a previously uploaded script's
// plan and tracks the resulting RunHandle under id.
func (s *Surface) StartScript(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.scripts[id]
	s.mu.Unlock()
	if !ok {
		return daqerr.New(daqerr.ValidationError, "control.Surface.StartScript", "no such script: "+id)
	}
	handle, err := s.SubmitPlan(ctx, p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.scriptRuns[id] = handle
	s.mu.Unlock()
	return nil
}

// StopScript re-enters RunHandle.Abort for a running script.
func (s *Surface) StopScript(ctx context.Context, id string) error {
	s.mu.Lock()
	handle, ok := s.scriptRuns[id]
	s.mu.Unlock()
	if !ok {
		return daqerr.New(daqerr.ValidationError, "control.Surface.StopScript", "no running script: "+id)
	}
	return handle.Abort(ctx)
}

// GetScriptStatus re-enters RunHandle.Status for a running script.
func (s *Surface) GetScriptStatus(ctx context.Context, id string) (engine.State, error) {
	s.mu.Lock()
	handle, ok := s.scriptRuns[id]
	s.mu.Unlock()
	if !ok {
		return "", daqerr.New(daqerr.ValidationError, "control.Surface.GetScriptStatus", "no running script: "+id)
	}
	return handle.Status(), nil
}
