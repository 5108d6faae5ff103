package mathx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClampBoundsValue(t *testing.T) {
	require.Equal(t, 1.0, Clamp(-5.0, 1.0, 10.0))
	require.Equal(t, 10.0, Clamp(50.0, 1.0, 10.0))
	require.Equal(t, 5.0, Clamp(5.0, 1.0, 10.0))
}

func TestClampSwapsInvertedBounds(t *testing.T) {
	require.Equal(t, time.Second, Clamp(2*time.Second, time.Second, 0))
}

func TestAbs(t *testing.T) {
	require.Equal(t, 3.0, Abs(-3.0))
	require.Equal(t, 3.0, Abs(3.0))
}
