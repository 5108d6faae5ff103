package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labrun/photonrun/internal/types"
)

func simpleCatalog() Catalog {
	return Catalog{
		"stage-1": CatalogEntry{Capabilities: []types.Capability{types.Movable}},
		"cam-1":   CatalogEntry{Capabilities: []types.Capability{types.FrameProducer}},
		"laser-1": CatalogEntry{Capabilities: []types.Capability{types.Parameterized}, Parameters: []string{"power_mw"}},
	}
}

func TestValidateAndTranslateCheckpointPlan(t *testing.T) {
	nodes := map[NodeID]Node{
		"entry":      NewEntryNode("entry", "move"),
		"move":       NewMoveNode("move", "checkpoint", "stage-1", "", 10, SettlePolicy{Kind: SettleFixedDelay, FixedDelay: 10 * time.Millisecond}),
		"checkpoint": NewCheckpointNode("checkpoint", "acquire", "c1"),
		"acquire":    NewAcquireNode("acquire", "", "cam-1", 100*time.Millisecond, "run1"),
	}
	p := New("entry", nodes)

	diags := Validate(p, simpleCatalog())
	require.Empty(t, diags)

	events, err := Translate(p)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, EventSetActuator, events[0].Kind)
	require.Equal(t, EventCheckpoint, events[1].Kind)
	require.Equal(t, EventAcquire, events[2].Kind)
}

func TestValidateRejectsUnknownCapability(t *testing.T) {
	nodes := map[NodeID]Node{
		"entry": NewEntryNode("entry", "move"),
		"move":  NewMoveNode("move", "", "cam-1", "", 10, SettlePolicy{}),
	}
	p := New("entry", nodes)

	diags := Validate(p, simpleCatalog())
	require.NotEmpty(t, diags)
}

func TestValidateRejectsMultipleEntryNodes(t *testing.T) {
	nodes := map[NodeID]Node{
		"entry1": NewEntryNode("entry1", ""),
		"entry2": NewEntryNode("entry2", ""),
	}
	p := New("entry1", nodes)

	diags := Validate(p, simpleCatalog())
	require.NotEmpty(t, diags)
}

func TestValidateRejectsEmptyLoopBody(t *testing.T) {
	nodes := map[NodeID]Node{
		"entry": NewEntryNode("entry", "loop"),
		"loop":  NewLoopNode("loop", "", "l1", 3, nil),
	}
	p := New("entry", nodes)

	diags := Validate(p, simpleCatalog())
	require.NotEmpty(t, diags)
}

func TestValidateRejectsUnknownParameterWrite(t *testing.T) {
	nodes := map[NodeID]Node{
		"entry": NewEntryNode("entry", "setp"),
		"setp":  NewSetParameterNode("setp", "", "laser-1", "not_a_real_param", []byte("1")),
	}
	p := New("entry", nodes)

	diags := Validate(p, simpleCatalog())
	require.NotEmpty(t, diags)
}

func TestTranslateLoopEmitsBeginEndOnce(t *testing.T) {
	nodes := map[NodeID]Node{
		"entry": NewEntryNode("entry", "loop"),
		"loop":  NewLoopNode("loop", "", "l1", 5, []NodeID{"wait"}),
		"wait":  NewWaitNode("wait", "", 50*time.Millisecond),
	}
	p := New("entry", nodes)

	events, err := Translate(p)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, EventLoopBegin, events[0].Kind)
	require.Equal(t, 5, events[0].LoopIterations)
	require.Equal(t, EventWait, events[1].Kind)
	require.Equal(t, EventLoopEnd, events[2].Kind)
}

func TestTranslateScanExpandsPerPoint(t *testing.T) {
	nodes := map[NodeID]Node{
		"entry": NewEntryNode("entry", "scan"),
		"scan":  NewScanNode("scan", "", "stage-1", "x", []float64{0, 1, 2}, SettlePolicy{}, nil),
	}
	nodes["scan"] = func() Node {
		n := nodes["scan"]
		n.AcquireDuration = 10 * time.Millisecond
		return n
	}()
	p := New("entry", nodes)

	events, err := Translate(p)
	require.NoError(t, err)
	require.Len(t, events, 6) // 3 points x (SetActuator + Acquire)
}

func TestNewLinearScanNodeSpansEvenly(t *testing.T) {
	n := NewLinearScanNode("scan", "", "stage-1", "x", 0, 10, 5, SettlePolicy{}, nil)
	require.Equal(t, []float64{0, 2.5, 5, 7.5, 10}, n.ScanPoints)
}
