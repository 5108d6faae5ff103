package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExactTopicDelivery(t *testing.T) {
	b := NewBus[string]("test", 4)
	sub := b.Subscribe(Topic{"status", "dev-1"})
	defer sub.Close()

	b.Publish(Topic{"status", "dev-1"}, "ready")
	b.Publish(Topic{"status", "dev-2"}, "busy")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "ready", u.Payload)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err = sub.Recv(ctx2)
	require.Error(t, err)
}

func TestSingleWildcardMatchesAnyOneToken(t *testing.T) {
	b := NewBus[string]("test", 4)
	sub := b.Subscribe(Topic{"status", "+"})
	defer sub.Close()

	b.Publish(Topic{"status", "dev-1"}, "ready")
	b.Publish(Topic{"status", "dev-2"}, "busy")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		u, err := sub.Recv(ctx)
		require.NoError(t, err)
		seen[u.Payload] = true
	}
	require.True(t, seen["ready"])
	require.True(t, seen["busy"])
}

func TestMultiWildcardMatchesRemainder(t *testing.T) {
	b := NewBus[string]("test", 4)
	sub := b.Subscribe(Topic{"parameter", "#"})
	defer sub.Close()

	b.Publish(Topic{"parameter", "dev-1", "wavelength"}, "1550")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "1550", u.Payload)
}

func TestFullChannelReportsLaggedInsteadOfBlocking(t *testing.T) {
	b := NewBus[int]("test", 2)
	sub := b.Subscribe(Topic{"x"})
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(Topic{"x"}, i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, first.Lagged)

	second, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, second.Lagged)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus[string]("test", 4)
	sub := b.Subscribe(Topic{"status", "dev-1"})
	sub.Close()

	b.Publish(Topic{"status", "dev-1"}, "ready")

	select {
	case <-sub.Channel():
		t.Fatal("expected no delivery after Close")
	default:
	}
}
