// Package registry owns the live set of registered devices behind a
// single actor, generalizing the teacher's global Builder-by-type-string
// map (services/hal/registry.go) plus its service.loop device bookkeeping
// (services/hal/hal.go) from "Adaptor builder for a platform device type"
// to "driver.Runtime builder for a descriptor kind, spawning a device
// actor per registration".
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/device"
	"github.com/labrun/photonrun/internal/types"
)

// defaultConnectTimeout bounds a device's initial Connect during
// Register when the request carries no CommandTimeout override.
const defaultConnectTimeout = 5 * time.Second

// BuildOutput is everything a Builder must supply for the registry to
// spawn a device actor.
type BuildOutput struct {
	Connector    device.Connector
	Runtime      device.Capabilities
	Params       device.ParameterAccess
	Capabilities []types.Capability

	// IdempotentFn reports whether a command kind is safe to retry on
	// this device, per its driver descriptor's per-command idempotent
	// flag. nil treats every command as non-idempotent.
	IdempotentFn func(types.CommandKind) bool
}

// Builder constructs the pieces of a device actor for one descriptor kind.
type Builder interface {
	Build(ctx context.Context, id types.DeviceID, params json.RawMessage) (BuildOutput, error)
}

var (
	muBuilders sync.RWMutex
	builders   = map[string]Builder{}
)

// RegisterBuilder installs a Builder for a device kind at process
// start-up. It panics on duplicate registration, mirroring the
// teacher's fail-fast start-up check.
func RegisterBuilder(kind string, b Builder) {
	muBuilders.Lock()
	defer muBuilders.Unlock()
	if kind == "" {
		panic("registry: empty device kind for builder")
	}
	if _, exists := builders[kind]; exists {
		panic(fmt.Sprintf("registry: builder already registered for kind %q", kind))
	}
	builders[kind] = b
}

func findBuilder(kind string) (Builder, bool) {
	muBuilders.RLock()
	defer muBuilders.RUnlock()
	b, ok := builders[kind]
	return b, ok
}

// Request is what a caller supplies to Register a new device.
type Request struct {
	ID             types.DeviceID
	Kind           string
	ParamsJSON     json.RawMessage
	CommandTimeout int64 // milliseconds, 0 uses the actor's default
}

type registerMsg struct {
	req   Request
	reply chan error
}

type unregisterMsg struct {
	id    types.DeviceID
	reply chan error
}

type listMsg struct {
	reply chan []types.DeviceInfo
}

type getMsg struct {
	id    types.DeviceID
	reply chan *device.Actor
}

// Registry is the single actor owning the device map. All mutation
// (register/unregister) and lookups cross its inbox, so "insert or
// nothing" on a failed Register is free: nothing is added to the map
// unless both the build step and the device's initial Connect fully
// succeed. Connect runs synchronously on the registry's own goroutine,
// so one device's connect attempt blocks other Register/Unregister/
// List/Get calls for its duration.
type Registry struct {
	ctx   context.Context
	inbox chan any
	done  chan struct{}
}

const inboxSize = 32

// New starts a Registry actor under ctx.
func New(ctx context.Context) *Registry {
	r := &Registry{
		ctx:   ctx,
		inbox: make(chan any, inboxSize),
		done:  make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	devices := map[types.DeviceID]*device.Actor{}
	cancellers := map[types.DeviceID]context.CancelFunc{}

	for {
		select {
		case <-ctx.Done():
			for id, a := range devices {
				_ = a.Shutdown(context.Background())
				cancellers[id]()
			}
			return

		case msg := <-r.inbox:
			switch m := msg.(type) {
			case registerMsg:
				m.reply <- r.handleRegister(ctx, devices, cancellers, m.req)
			case unregisterMsg:
				m.reply <- r.handleUnregister(devices, cancellers, m.id)
			case listMsg:
				infos := make([]types.DeviceInfo, 0, len(devices))
				for _, a := range devices {
					infos = append(infos, a.Status())
				}
				m.reply <- infos
			case getMsg:
				m.reply <- devices[m.id]
			}
		}
	}
}

func (r *Registry) handleRegister(ctx context.Context, devices map[types.DeviceID]*device.Actor, cancellers map[types.DeviceID]context.CancelFunc, req Request) error {
	if _, exists := devices[req.ID]; exists {
		return daqerr.New(daqerr.ValidationError, "registry.Register", "device already registered: "+string(req.ID))
	}
	builder, ok := findBuilder(req.Kind)
	if !ok {
		return daqerr.New(daqerr.ConfigError, "registry.Register", "no builder registered for kind: "+req.Kind)
	}
	out, err := builder.Build(ctx, req.ID, req.ParamsJSON)
	if err != nil {
		return daqerr.Wrap(err, daqerr.ConfigError, "registry.Register.build")
	}

	connectTimeout := time.Duration(req.CommandTimeout) * time.Millisecond
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = out.Connector.Connect(cctx)
	cancel()
	if err != nil {
		return daqerr.Wrap(err, daqerr.DeviceUnavailable, "registry.Register.connect")
	}

	actorCtx, cancelActor := context.WithCancel(ctx)
	a := device.NewActor(actorCtx, device.Config{
		ID:             req.ID,
		Kind:           req.Kind,
		Capabilities:   out.Capabilities,
		Connector:      out.Connector,
		Runtime:        out.Runtime,
		Params:         out.Params,
		IdempotentFn:   out.IdempotentFn,
		CommandTimeout: time.Duration(req.CommandTimeout) * time.Millisecond,
		StartConnected: true,
	})
	devices[req.ID] = a
	cancellers[req.ID] = cancelActor
	return nil
}

func (r *Registry) handleUnregister(devices map[types.DeviceID]*device.Actor, cancellers map[types.DeviceID]context.CancelFunc, id types.DeviceID) error {
	a, ok := devices[id]
	if !ok {
		return daqerr.New(daqerr.ValidationError, "registry.Unregister", "no such device: "+string(id))
	}
	_ = a.Shutdown(context.Background())
	cancellers[id]()
	delete(devices, id)
	delete(cancellers, id)
	return nil
}

// Register builds and starts a new device actor, returning an error
// without mutating the registry if any step fails.
func (r *Registry) Register(ctx context.Context, req Request) error {
	reply := make(chan error, 1)
	select {
	case r.inbox <- registerMsg{req: req, reply: reply}:
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "registry.Register")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "registry.Register")
	}
}

// Unregister shuts down and removes a device.
func (r *Registry) Unregister(ctx context.Context, id types.DeviceID) error {
	reply := make(chan error, 1)
	select {
	case r.inbox <- unregisterMsg{id: id, reply: reply}:
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "registry.Unregister")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "registry.Unregister")
	}
}

// List returns a status snapshot of every registered device.
func (r *Registry) List(ctx context.Context) ([]types.DeviceInfo, error) {
	reply := make(chan []types.DeviceInfo, 1)
	select {
	case r.inbox <- listMsg{reply: reply}:
	case <-ctx.Done():
		return nil, daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "registry.List")
	}
	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "registry.List")
	}
}

// Get returns the device actor handle for id, if registered.
func (r *Registry) Get(ctx context.Context, id types.DeviceID) (*device.Actor, error) {
	reply := make(chan *device.Actor, 1)
	select {
	case r.inbox <- getMsg{id: id, reply: reply}:
	case <-ctx.Done():
		return nil, daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "registry.Get")
	}
	select {
	case a := <-reply:
		if a == nil {
			return nil, daqerr.New(daqerr.ValidationError, "registry.Get", "no such device: "+string(id))
		}
		return a, nil
	case <-ctx.Done():
		return nil, daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "registry.Get")
	}
}
