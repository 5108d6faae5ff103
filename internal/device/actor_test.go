package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labrun/photonrun/internal/capability"
	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/frame"
	"github.com/labrun/photonrun/internal/types"
)

type fakeConnector struct {
	failConnects int
	connected    bool
}

func (f *fakeConnector) Connect(ctx context.Context) error {
	if f.failConnects > 0 {
		f.failConnects--
		return daqerr.New(daqerr.IoFailure, "fakeConnector.Connect", "simulated failure")
	}
	f.connected = true
	return nil
}

func (f *fakeConnector) Disconnect() error {
	f.connected = false
	return nil
}

// fakeRuntime implements device.Capabilities; only Read and MoveAbsolute
// are exercised, everything else reports unsupported.
type fakeRuntime struct {
	readValue float64
	readErr   error
	moveErr   error
}

func (f *fakeRuntime) MoveAbsolute(ctx context.Context, axis string, position float64) error {
	return f.moveErr
}
func (f *fakeRuntime) MoveRelative(ctx context.Context, axis string, delta float64) error {
	return unsupported()
}
func (f *fakeRuntime) Position(ctx context.Context, axis string) (float64, error) { return 0, unsupported() }
func (f *fakeRuntime) Stop(ctx context.Context, axis string) error                { return unsupported() }
func (f *fakeRuntime) IsMoving(ctx context.Context, axis string) (bool, error)     { return false, unsupported() }
func (f *fakeRuntime) Limits(ctx context.Context, axis string) (float64, float64, error) {
	return 0, 0, unsupported()
}
func (f *fakeRuntime) Read(ctx context.Context) (float64, error) { return f.readValue, f.readErr }
func (f *fakeRuntime) SetWavelength(ctx context.Context, nm float64) error { return unsupported() }
func (f *fakeRuntime) Wavelength(ctx context.Context) (float64, error)     { return 0, unsupported() }
func (f *fakeRuntime) WavelengthRange(ctx context.Context) (float64, float64, error) {
	return 0, 0, unsupported()
}
func (f *fakeRuntime) Open(ctx context.Context) error                          { return unsupported() }
func (f *fakeRuntime) Close(ctx context.Context) error                        { return unsupported() }
func (f *fakeRuntime) IsOpen(ctx context.Context) (bool, error)                { return false, unsupported() }
func (f *fakeRuntime) Trigger(ctx context.Context) error                      { return unsupported() }
func (f *fakeRuntime) Arm(ctx context.Context, mode capability.TriggerMode) error { return unsupported() }
func (f *fakeRuntime) Configure(ctx context.Context, exposureMS, gain float64, roi *capability.ROI) error {
	return unsupported()
}
func (f *fakeRuntime) StartExposure(ctx context.Context) error { return unsupported() }
func (f *fakeRuntime) StopExposure(ctx context.Context) error  { return unsupported() }
func (f *fakeRuntime) Frames() <-chan frame.Frame {
	ch := make(chan frame.Frame)
	close(ch)
	return ch
}

func unsupported() error {
	return daqerr.New(daqerr.CapabilityNotSupported, "fakeRuntime", "not configured")
}

func newTestActor(t *testing.T, ctx context.Context, conn Connector, rt Capabilities) *Actor {
	t.Helper()
	return NewActor(ctx, Config{
		ID:             "dev-1",
		Kind:           "fake",
		Capabilities:   []types.Capability{types.Readable, types.Movable},
		Connector:      conn,
		Runtime:        rt,
		CommandTimeout: time.Second,
		Backoff:        BackoffPolicy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})
}

func waitForStatus(t *testing.T, a *Actor, want types.Status) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a.Status().Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status never reached %s, last was %s", want, a.Status().Status)
}

func TestActorConnectsAndExecutesRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestActor(t, ctx, &fakeConnector{}, &fakeRuntime{readValue: 42})
	waitForStatus(t, a, types.Ready)

	result, err := a.Execute(context.Background(), types.NewRead())
	require.NoError(t, err)
	require.Equal(t, 42.0, result.Value)
}

func TestActorExecuteWhileDisconnectedFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestActor(t, ctx, &fakeConnector{failConnects: 1000}, &fakeRuntime{})
	_, err := a.Execute(context.Background(), types.NewRead())
	require.Error(t, err)
	require.Equal(t, daqerr.DeviceUnavailable, daqerr.KindOf(err))
}

func TestActorRetriesConnectionWithBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestActor(t, ctx, &fakeConnector{failConnects: 2}, &fakeRuntime{readValue: 1})
	waitForStatus(t, a, types.Ready)
}

func TestActorFaultsAfterExhaustingConnectRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewActor(ctx, Config{
		ID:             "dev-1",
		Kind:           "fake",
		Capabilities:   []types.Capability{types.Readable},
		Connector:      &fakeConnector{failConnects: 1000},
		Runtime:        &fakeRuntime{},
		CommandTimeout: time.Second,
		Backoff:        BackoffPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3},
	})

	waitForStatus(t, a, types.Faulted)

	_, err := a.Execute(context.Background(), types.NewRead())
	require.Error(t, err)
	require.Equal(t, daqerr.DeviceUnavailable, daqerr.KindOf(err))
}

func TestStageRequiresReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestActor(t, ctx, &fakeConnector{failConnects: 1000}, &fakeRuntime{})
	err := a.Stage(context.Background())
	require.Error(t, err)
	require.Equal(t, daqerr.DeviceUnavailable, daqerr.KindOf(err))
}

func TestShutdownDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &fakeConnector{}
	a := newTestActor(t, ctx, conn, &fakeRuntime{})
	waitForStatus(t, a, types.Ready)

	require.NoError(t, a.Shutdown(context.Background()))
	require.False(t, conn.connected)
}
