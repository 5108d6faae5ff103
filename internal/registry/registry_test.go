package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/labrun/photonrun/internal/capability"
	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/device"
	"github.com/labrun/photonrun/internal/frame"
	"github.com/labrun/photonrun/internal/types"
)

type noopConnector struct{}

func (noopConnector) Connect(ctx context.Context) error { return nil }
func (noopConnector) Disconnect() error                 { return nil }

type failConnector struct{}

func (failConnector) Connect(ctx context.Context) error {
	return daqerr.New(daqerr.DeviceUnavailable, "failConnector.Connect", "simulated connect failure")
}
func (failConnector) Disconnect() error { return nil }

type noopRuntime struct{}

func (noopRuntime) MoveAbsolute(context.Context, string, float64) error { return unsupported() }
func (noopRuntime) MoveRelative(context.Context, string, float64) error { return unsupported() }
func (noopRuntime) Position(context.Context, string) (float64, error)  { return 0, unsupported() }
func (noopRuntime) Stop(context.Context, string) error                 { return unsupported() }
func (noopRuntime) IsMoving(context.Context, string) (bool, error)      { return false, unsupported() }
func (noopRuntime) Limits(context.Context, string) (float64, float64, error) {
	return 0, 0, unsupported()
}
func (noopRuntime) Read(context.Context) (float64, error)                         { return 7, nil }
func (noopRuntime) SetWavelength(context.Context, float64) error                  { return unsupported() }
func (noopRuntime) Wavelength(context.Context) (float64, error)                   { return 0, unsupported() }
func (noopRuntime) WavelengthRange(context.Context) (float64, float64, error)     { return 0, 0, unsupported() }
func (noopRuntime) Open(context.Context) error                                    { return unsupported() }
func (noopRuntime) Close(context.Context) error                                   { return unsupported() }
func (noopRuntime) IsOpen(context.Context) (bool, error)                          { return false, unsupported() }
func (noopRuntime) Trigger(context.Context) error                                 { return unsupported() }
func (noopRuntime) Arm(context.Context, capability.TriggerMode) error             { return unsupported() }
func (noopRuntime) Configure(context.Context, float64, float64, *capability.ROI) error {
	return unsupported()
}
func (noopRuntime) StartExposure(context.Context) error { return unsupported() }
func (noopRuntime) StopExposure(context.Context) error  { return unsupported() }
func (noopRuntime) Frames() <-chan frame.Frame {
	ch := make(chan frame.Frame)
	close(ch)
	return ch
}

func unsupported() error {
	return daqerr.New(daqerr.CapabilityNotSupported, "noopRuntime", "not configured")
}

type fakeBuilder struct {
	failBuild   bool
	failConnect bool
}

func (f fakeBuilder) Build(ctx context.Context, id types.DeviceID, params json.RawMessage) (BuildOutput, error) {
	if f.failBuild {
		return BuildOutput{}, daqerr.New(daqerr.ConfigError, "fakeBuilder.Build", "simulated failure")
	}
	conn := device.Connector(noopConnector{})
	if f.failConnect {
		conn = failConnector{}
	}
	return BuildOutput{
		Connector:    conn,
		Runtime:      noopRuntime{},
		Capabilities: []types.Capability{types.Readable},
	}, nil
}

func registerTestBuilder(t *testing.T, kind string, b Builder) {
	t.Helper()
	RegisterBuilder(kind, b)
	t.Cleanup(func() {
		muBuilders.Lock()
		delete(builders, kind)
		muBuilders.Unlock()
	})
}

func TestRegisterThenList(t *testing.T) {
	registerTestBuilder(t, "fake-kind-ok", fakeBuilder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx)

	require.NoError(t, r.Register(context.Background(), Request{ID: "d1", Kind: "fake-kind-ok"}))

	// Register's initial Connect runs synchronously, so the device is
	// already present (and Ready) the instant Register returns.
	infos, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, types.DeviceID("d1"), infos[0].ID)
	require.Equal(t, types.Ready, infos[0].Status)
}

func TestRegisterDuplicateFails(t *testing.T) {
	registerTestBuilder(t, "fake-kind-dup", fakeBuilder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx)

	require.NoError(t, r.Register(context.Background(), Request{ID: "d1", Kind: "fake-kind-dup"}))
	err := r.Register(context.Background(), Request{ID: "d1", Kind: "fake-kind-dup"})
	require.Error(t, err)
}

func TestRegisterFailedBuildDoesNotMutateRegistry(t *testing.T) {
	registerTestBuilder(t, "fake-kind-fail", fakeBuilder{failBuild: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx)

	err := r.Register(context.Background(), Request{ID: "d1", Kind: "fake-kind-fail"})
	require.Error(t, err)

	infos, err := r.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestRegisterFailedConnectDoesNotMutateRegistry(t *testing.T) {
	registerTestBuilder(t, "fake-kind-connect-fail", fakeBuilder{failConnect: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx)

	err := r.Register(context.Background(), Request{ID: "d1", Kind: "fake-kind-connect-fail"})
	require.Error(t, err)
	require.Equal(t, daqerr.DeviceUnavailable, daqerr.KindOf(err))

	infos, err := r.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, infos)

	_, err = r.Get(context.Background(), "d1")
	require.Error(t, err)
}

func TestUnregisterRemovesDevice(t *testing.T) {
	registerTestBuilder(t, "fake-kind-unreg", fakeBuilder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(ctx)

	require.NoError(t, r.Register(context.Background(), Request{ID: "d1", Kind: "fake-kind-unreg"}))
	require.NoError(t, r.Unregister(context.Background(), "d1"))

	infos, err := r.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, infos)

	_, err = r.Get(context.Background(), "d1")
	require.Error(t, err)
}

var _ device.Capabilities = noopRuntime{}
