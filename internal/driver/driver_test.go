package driver

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labrun/photonrun/internal/daqerr"
)

func TestRenderFailsClosedOnUnboundPlaceholder(t *testing.T) {
	_, err := Render("MOVE {axis} {position}", map[string]string{"axis": "X"})
	require.Error(t, err)
	require.Equal(t, daqerr.ConfigError, daqerr.KindOf(err))
}

func TestRenderBindsAllPlaceholders(t *testing.T) {
	out, err := Render("MOVE {axis} {position}", map[string]string{"axis": "X", "position": "12.5"})
	require.NoError(t, err)
	require.Equal(t, "MOVE X 12.5", out)
}

func TestValidateRejectsRetryOnNonIdempotentCommand(t *testing.T) {
	d := &Descriptor{
		Connection: Connection{Baud: 9600},
		Commands: map[string]CommandSpec{
			"move": {Name: "move", Template: "MOVE {x}", Idempotent: false, Retry: &Retry{MaxAttempts: 3}},
		},
	}
	err := Validate(d)
	require.Error(t, err)
	require.Equal(t, daqerr.ConfigError, daqerr.KindOf(err))
}

func TestValidateRejectsUnknownCapabilityInTraitMapping(t *testing.T) {
	d := &Descriptor{
		Connection: Connection{Baud: 9600},
		Commands:   map[string]CommandSpec{"stop": {Name: "stop", Template: "STOP"}},
		TraitMapping: map[string]map[string]TraitBinding{
			"Flyable": {"fly": {Command: "stop"}},
		},
	}
	require.Error(t, Validate(d))
}

func TestResponseSpecParseExtractsScaledField(t *testing.T) {
	rs := ResponseSpec{
		Pattern: `^POS=(?P<pos>-?\d+(\.\d+)?)$`,
		Fields:  map[string]Field{"pos": {Name: "pos", Type: FieldFloat, Scale: 0.001}},
	}
	out, err := rs.Parse([]byte("POS=12500"))
	require.NoError(t, err)
	require.InDelta(t, 12.5, out["pos"].(float64), 1e-9)
}

func TestResponseSpecParseNonMatchIsProtocolMismatch(t *testing.T) {
	rs := ResponseSpec{Pattern: `^POS=\d+$`}
	_, err := rs.Parse([]byte("garbage"))
	require.Error(t, err)
	require.Equal(t, daqerr.ProtocolMismatch, daqerr.KindOf(err))
}

func TestDecodeHexTwosComplementNegative(t *testing.T) {
	rs := ResponseSpec{
		Pattern: `^T=(?P<t>[0-9A-Fa-f]+)$`,
		Fields:  map[string]Field{"t": {Name: "t", Type: "hex_16"}},
	}
	out, err := rs.Parse([]byte("T=FFFF"))
	require.NoError(t, err)
	require.Equal(t, int64(-1), out["t"])
}

func TestDecodeHexTwosComplementOutOfRangeFails(t *testing.T) {
	_, err := decodeHexTwosComplement("FFFFFF", 16)
	require.Error(t, err)
}

// fakeTransport is an in-memory Transport: writes are discarded, reads
// replay canned lines.
type fakeTransport struct {
	toRead *bytes.Buffer
}

func (f *fakeTransport) Read(p []byte) (int, error)       { return f.toRead.Read(p) }
func (f *fakeTransport) Write(p []byte) (int, error)      { return len(p), nil }
func (f *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func TestRuntimeMoveAbsoluteRoundTrip(t *testing.T) {
	d := &Descriptor{
		Connection: Connection{Baud: 9600, TxTerminator: "\r\n", RxTerminator: "\n", DefaultTimeoutMS: 1000},
		Commands: map[string]CommandSpec{
			"move_abs": {Name: "move_abs", Template: "MOVE {position}", Response: "ack"},
		},
		Responses: map[string]ResponseSpec{
			"ack": {Name: "ack", Pattern: `^OK$`},
		},
		TraitMapping: map[string]map[string]TraitBinding{
			"Movable": {"move_absolute": {Command: "move_abs", InputParam: "position"}},
		},
		Parameters: map[string]Parameter{},
	}
	rt, err := NewRuntime(d, &fakeTransport{toRead: bytes.NewBufferString("OK\n")})
	require.NoError(t, err)

	err = rt.MoveAbsolute(context.Background(), "", 12.5)
	require.NoError(t, err)
}

func TestRuntimeUnconfiguredCapabilityReturnsCapabilityNotSupported(t *testing.T) {
	d := &Descriptor{
		Connection:   Connection{Baud: 9600},
		Commands:     map[string]CommandSpec{},
		TraitMapping: map[string]map[string]TraitBinding{},
	}
	rt, err := NewRuntime(d, &fakeTransport{toRead: bytes.NewBufferString("")})
	require.NoError(t, err)

	_, err = rt.Read(context.Background())
	require.Error(t, err)
	require.Equal(t, daqerr.CapabilityNotSupported, daqerr.KindOf(err))
}
