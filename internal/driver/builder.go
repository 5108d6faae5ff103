package driver

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/registry"
	"github.com/labrun/photonrun/internal/types"
)

// Dialer opens the concrete transport for one device instance.
// Concrete serial/USB/PCI implementations live outside this module's
// core (spec §1 Non-goals); a daemon wires a real Dialer in, and
// StubDialer below lets the runtime boot (registry + engine + control
// surface all live) before any real hardware is attached.
type Dialer func(ctx context.Context, deviceID types.DeviceID) (Transport, error)

// StubDialer always fails to connect, for descriptor kinds with no
// transport wired up yet.
func StubDialer(ctx context.Context, deviceID types.DeviceID) (Transport, error) {
	return nil, daqerr.New(daqerr.IoFailure, "driver.StubDialer", "no transport dialer configured for device "+string(deviceID))
}

// Builder adapts one loaded Descriptor into a registry.Builder: each
// Build call constructs a fresh Runtime, whose Transport is dialed when
// the device's Connector connects, and reports the descriptor's
// capability/idempotency surface.
type Builder struct {
	Descriptor *Descriptor
	Dial       Dialer
}

// NewBuilder returns a registry.Builder for d. dial defaults to
// StubDialer if nil.
func NewBuilder(d *Descriptor, dial Dialer) *Builder {
	if dial == nil {
		dial = StubDialer
	}
	return &Builder{Descriptor: d, Dial: dial}
}

type dialerConnector struct {
	dial      Dialer
	deviceID  types.DeviceID
	runtime   *Runtime
	transport Transport
}

func (c *dialerConnector) Connect(ctx context.Context) error {
	t, err := c.dial(ctx, c.deviceID)
	if err != nil {
		return err
	}
	c.transport = t
	c.runtime.mu.Lock()
	c.runtime.transport = t
	c.runtime.reader = bufio.NewReader(t)
	c.runtime.mu.Unlock()
	return nil
}

func (c *dialerConnector) Disconnect() error {
	if closer, ok := c.transport.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (b *Builder) Build(ctx context.Context, id types.DeviceID, paramsJSON json.RawMessage) (registry.BuildOutput, error) {
	rt, err := NewRuntime(b.Descriptor, nil)
	if err != nil {
		return registry.BuildOutput{}, daqerr.Wrap(err, daqerr.ConfigError, "driver.Builder.Build")
	}

	conn := &dialerConnector{dial: b.Dial, deviceID: id, runtime: rt}

	return registry.BuildOutput{
		Connector:    conn,
		Runtime:      rt,
		Params:       rt,
		Capabilities: b.Descriptor.declaredCapabilities(),
		IdempotentFn: b.Descriptor.IsIdempotent,
	}, nil
}

// declaredCapabilities lists the capabilities this descriptor's trait
// mapping configures, in types.AllCapabilities order. Parameterized is
// reported whenever the descriptor declares at least one parameter,
// since that capability is governed by [parameters.*], not trait_mapping.
func (d *Descriptor) declaredCapabilities() []types.Capability {
	var caps []types.Capability
	for _, c := range types.AllCapabilities {
		if c == types.Parameterized {
			if len(d.Parameters) > 0 {
				caps = append(caps, c)
			}
			continue
		}
		if _, ok := d.TraitMapping[string(c)]; ok {
			caps = append(caps, c)
		}
	}
	return caps
}
