package observable

import (
	"context"
	"errors"
	"testing"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/stretchr/testify/require"
)

func TestOutOfRangeWriteDoesNotAdvanceVersion(t *testing.T) {
	o := New(Metadata{Name: "wavelength_nm", Units: "nm"}, Range(700.0, 1000.0), 780.0, nil)

	err := o.Set(context.Background(), 1200.0)
	require.Error(t, err)
	var e *daqerr.E
	require.True(t, errors.As(err, &e))
	require.Equal(t, daqerr.DomainViolation, e.K)

	snap := o.Get()
	require.Equal(t, 780.0, snap.Value)
	require.Equal(t, uint64(0), snap.Version)
}

func TestHardwareWriteFailureLeavesValueUnchanged(t *testing.T) {
	boom := errors.New("device offline")
	o := New(Metadata{Name: "position"}, Free[float64](), 0.0, func(ctx context.Context, v float64) error {
		return boom
	})

	err := o.Set(context.Background(), 10.0)
	require.Error(t, err)
	require.Equal(t, daqerr.IoFailure, daqerr.KindOf(err))
	require.Equal(t, 0.0, o.Get().Value)
}

func TestSubscribersSeeMonotoneVersions(t *testing.T) {
	o := New(Metadata{Name: "x"}, Free[int](), 0, nil)
	sub := o.Subscribe()

	// Late-subscribe invariant: first delivery is the current snapshot.
	first, err := sub.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Snapshot.Version)

	for i := 1; i <= 5; i++ {
		require.NoError(t, o.Set(context.Background(), i))
	}

	var last uint64
	for i := 0; i < 5; i++ {
		u, err := sub.Recv(context.Background())
		require.NoError(t, err)
		require.Greater(t, u.Snapshot.Version, last)
		last = u.Snapshot.Version
	}
	require.Equal(t, uint64(5), last)
}

func TestLossySubscriberReportsLagged(t *testing.T) {
	o := New(Metadata{Name: "fast"}, Free[int](), 0, nil)
	sub := o.Subscribe()
	// Drain the initial delivery.
	_, err := sub.Recv(context.Background())
	require.NoError(t, err)

	// Publish more versions than the channel's capacity so the
	// subscriber falls behind.
	for i := 1; i <= defaultSubscriberCapacity+4; i++ {
		require.NoError(t, o.Set(context.Background(), i))
	}

	sawLagged := false
	var prevVersion uint64
	for {
		select {
		case u := <-sub.Channel():
			if u.Lagged > 0 {
				sawLagged = true
			}
			require.Greater(t, u.Snapshot.Version, prevVersion, "no out-of-order delivery")
			prevVersion = u.Snapshot.Version
		default:
			require.True(t, sawLagged, "expected at least one Lagged(n) indicator")
			return
		}
	}
}

func TestErasedSetJSONValidatesByTypedDecode(t *testing.T) {
	o := New(Metadata{Name: "gain"}, Range[int32](0, 10), int32(1), nil)
	e := Erase(o)

	require.NoError(t, e.SetJSON(context.Background(), []byte("5")))
	b, err := e.GetJSON()
	require.NoError(t, err)
	require.Equal(t, "5", string(b))

	err = e.SetJSON(context.Background(), []byte(`"not a number"`))
	require.Error(t, err)
}
