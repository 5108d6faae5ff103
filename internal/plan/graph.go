// Package plan models the node-graph experiment plan and lowers it to
// a linear event sequence (spec §4.F). Node is deliberately a single
// struct carrying every variant's fields, built through the New*Node
// functions below — the same tagged-union-via-constructor idiom as
// types.Command, so a node built by a constructor always has fields
// matching its Kind. The fields are exported, so nothing stops a caller
// (or JSON decoding) from setting them directly.
package plan

import (
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/labrun/photonrun/internal/types"
)

type NodeID string

type NodeKind string

const (
	KindEntry        NodeKind = "entry"
	KindMove         NodeKind = "move"
	KindAcquire      NodeKind = "acquire"
	KindWait         NodeKind = "wait"
	KindSetParameter NodeKind = "set_parameter"
	KindScan         NodeKind = "scan"
	KindLoop         NodeKind = "loop"
	KindCheckpoint   NodeKind = "checkpoint"
)

// SettlePolicyKind is the closed set of ways the engine may decide an
// actuator has settled after a move (Glossary).
type SettlePolicyKind string

const (
	SettleFixedDelay        SettlePolicyKind = "fixed_delay"
	SettlePositionTolerance SettlePolicyKind = "position_tolerance"
	SettleIsMovingPoll      SettlePolicyKind = "is_moving_poll"
)

// SettlePolicy selects and parameterizes one settle strategy.
type SettlePolicy struct {
	Kind         SettlePolicyKind
	FixedDelay   time.Duration
	Tolerance    float64
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Node is one vertex of a Plan graph. Fields are grouped by which
// Kind populates them; Next is the sequential successor shared by
// every non-terminal kind ("" marks a terminal node).
type Node struct {
	ID   NodeID
	Kind NodeKind
	Next NodeID

	// Move, Acquire, SetParameter, Scan all target a device.
	Device types.DeviceID

	Axis     string
	Position float64
	Settle   SettlePolicy

	AcquireDuration time.Duration
	DestinationTag  string

	WaitDuration time.Duration

	ParamName      string
	ParamValueJSON []byte

	ScanAxis   string
	ScanPoints []float64
	ScanBody   []NodeID

	LoopID         string
	LoopIterations int
	LoopBody       []NodeID

	Label string

	// Policy governs how the engine reacts to this node's command
	// failing once lowered to an Event (spec §4.G). The zero value is
	// PolicyAbort.
	Policy FailurePolicy
}

// WithPolicy returns n with its failure policy replaced, for call-site
// chaining after a New*Node constructor.
func (n Node) WithPolicy(p FailurePolicy) Node {
	n.Policy = p
	return n
}

// Plan is a graph of Nodes reachable from exactly one Entry node.
type Plan struct {
	Entry NodeID
	Nodes map[NodeID]Node
}

// New constructs a Plan from its entry node id and node set.
func New(entry NodeID, nodes map[NodeID]Node) *Plan {
	return &Plan{Entry: entry, Nodes: nodes}
}

func NewEntryNode(id, next NodeID) Node {
	return Node{ID: id, Kind: KindEntry, Next: next}
}

func NewMoveNode(id, next NodeID, device types.DeviceID, axis string, position float64, settle SettlePolicy) Node {
	return Node{ID: id, Kind: KindMove, Next: next, Device: device, Axis: axis, Position: position, Settle: settle}
}

func NewAcquireNode(id, next NodeID, device types.DeviceID, duration time.Duration, destinationTag string) Node {
	return Node{ID: id, Kind: KindAcquire, Next: next, Device: device, AcquireDuration: duration, DestinationTag: destinationTag}
}

func NewWaitNode(id, next NodeID, duration time.Duration) Node {
	return Node{ID: id, Kind: KindWait, Next: next, WaitDuration: duration}
}

func NewSetParameterNode(id, next NodeID, device types.DeviceID, name string, valueJSON []byte) Node {
	return Node{ID: id, Kind: KindSetParameter, Next: next, Device: device, ParamName: name, ParamValueJSON: valueJSON}
}

func NewScanNode(id, next NodeID, device types.DeviceID, axis string, points []float64, settle SettlePolicy, body []NodeID) Node {
	return Node{ID: id, Kind: KindScan, Next: next, Device: device, ScanAxis: axis, ScanPoints: points, Settle: settle, ScanBody: body}
}

// NewLinearScanNode builds a Scan node over n points evenly spaced from
// start to stop inclusive (gonum/floats.Span), the common case for a
// sweep across an actuator's travel range.
func NewLinearScanNode(id, next NodeID, device types.DeviceID, axis string, start, stop float64, n int, settle SettlePolicy, body []NodeID) Node {
	points := make([]float64, n)
	floats.Span(points, start, stop)
	return NewScanNode(id, next, device, axis, points, settle, body)
}

func NewLoopNode(id, next NodeID, loopID string, iterations int, body []NodeID) Node {
	return Node{ID: id, Kind: KindLoop, Next: next, LoopID: loopID, LoopIterations: iterations, LoopBody: body}
}

func NewCheckpointNode(id, next NodeID, label string) Node {
	return Node{ID: id, Kind: KindCheckpoint, Next: next, Label: label}
}
