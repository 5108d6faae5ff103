package plan

import (
	"time"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/types"
)

// EventKind discriminates the lowered Event tagged union (spec §4.F/
// Glossary).
type EventKind string

const (
	EventSetActuator EventKind = "set_actuator"
	EventAcquire     EventKind = "acquire"
	EventWait        EventKind = "wait"
	EventSetParam    EventKind = "set_parameter"
	EventCheckpoint  EventKind = "checkpoint"
	EventLoopBegin   EventKind = "loop_begin"
	EventLoopEnd     EventKind = "loop_end"
)

// FailurePolicyKind is the closed set of ways the engine may react to
// an Event's command failing (spec §4.G).
type FailurePolicyKind string

const (
	// PolicyAbort is the zero value/default: the run stops and every
	// staged device is unstaged.
	PolicyAbort FailurePolicyKind = ""
	PolicySkip  FailurePolicyKind = "skip"
	PolicyRetry FailurePolicyKind = "retry"
)

// FailurePolicy parameterizes PolicyRetry's backoff schedule. Retry is
// only ever honored for a command the device's driver descriptor
// declares idempotent (spec §8 Testable Property 6); a non-idempotent
// command under PolicyRetry fails on first error as if it were
// PolicyAbort.
type FailurePolicy struct {
	Kind           FailurePolicyKind
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffCeiling time.Duration
}

// Event is the atomic, totally ordered unit the engine executes.
type Event struct {
	Kind EventKind

	Device types.DeviceID
	Axis   string

	Position float64
	Settle   SettlePolicy

	Duration       time.Duration
	DestinationTag string

	ParamName      string
	ParamValueJSON []byte

	Label string

	LoopID         string
	LoopIterations int

	CommandKind types.CommandKind
	Policy      FailurePolicy
}

// Translate lowers a validated Plan to a linear event sequence
// (spec §4.F). It is a pure function: given the same Plan it always
// produces the same Events, with no I/O. Callers must run Validate
// first; Translate does not re-validate.
func Translate(p *Plan) ([]Event, error) {
	var events []Event
	visited := map[NodeID]bool{}

	id := p.Entry
	for id != "" {
		n, ok := p.Nodes[id]
		if !ok {
			return nil, daqerr.New(daqerr.ValidationError, "plan.Translate", "dangling node reference: "+string(id))
		}
		if visited[id] {
			return nil, daqerr.New(daqerr.ValidationError, "plan.Translate", "cycle encountered at node: "+string(id))
		}
		visited[id] = true

		lowered, err := lowerNode(p, n)
		if err != nil {
			return nil, err
		}
		events = append(events, lowered...)

		id = n.Next
	}
	return events, nil
}

func lowerNode(p *Plan, n Node) ([]Event, error) {
	switch n.Kind {
	case KindEntry:
		return nil, nil

	case KindMove:
		return []Event{{Kind: EventSetActuator, Device: n.Device, Axis: n.Axis, Position: n.Position, Settle: n.Settle, CommandKind: types.CmdMoveAbsolute, Policy: n.Policy}}, nil

	case KindAcquire:
		return []Event{{Kind: EventAcquire, Device: n.Device, Duration: n.AcquireDuration, DestinationTag: n.DestinationTag, CommandKind: types.CmdStartExposure, Policy: n.Policy}}, nil

	case KindWait:
		return []Event{{Kind: EventWait, Duration: n.WaitDuration}}, nil

	case KindSetParameter:
		return []Event{{Kind: EventSetParam, Device: n.Device, ParamName: n.ParamName, ParamValueJSON: n.ParamValueJSON, CommandKind: types.CmdSetParameter, Policy: n.Policy}}, nil

	case KindCheckpoint:
		return []Event{{Kind: EventCheckpoint, Label: n.Label}}, nil

	case KindScan:
		return lowerScan(p, n)

	case KindLoop:
		return lowerLoop(p, n)

	default:
		return nil, daqerr.New(daqerr.ValidationError, "plan.lowerNode", "unknown node kind: "+string(n.Kind))
	}
}

// lowerScan expands N repetitions at lowering time (spec §4.F: "A
// Scan node with N points over one actuator expands to N repetitions
// of {SetActuator, settle, (inner sequence, if any), Acquire or
// continue}").
func lowerScan(p *Plan, n Node) ([]Event, error) {
	var events []Event
	for _, point := range n.ScanPoints {
		events = append(events, Event{Kind: EventSetActuator, Device: n.Device, Axis: n.ScanAxis, Position: point, Settle: n.Settle, CommandKind: types.CmdMoveAbsolute, Policy: n.Policy})

		if len(n.ScanBody) == 0 {
			events = append(events, Event{Kind: EventAcquire, Device: n.Device, Duration: n.AcquireDuration, DestinationTag: n.DestinationTag, CommandKind: types.CmdStartExposure, Policy: n.Policy})
			continue
		}
		for _, bodyID := range n.ScanBody {
			bodyNode, ok := p.Nodes[bodyID]
			if !ok {
				return nil, daqerr.New(daqerr.ValidationError, "plan.lowerScan", "dangling scan body reference: "+string(bodyID))
			}
			lowered, err := lowerNode(p, bodyNode)
			if err != nil {
				return nil, err
			}
			events = append(events, lowered...)
		}
	}
	return events, nil
}

// lowerLoop emits paired LoopBegin/LoopEnd markers around one copy of
// the body sequence (spec §4.F: "Nested Loop nodes expand to paired
// LoopBegin{id, n}/LoopEnd{id} markers; the engine maintains a stack
// of loop counters") — the N-fold repetition happens at run time via
// the engine's loop-counter stack, not at lowering time.
func lowerLoop(p *Plan, n Node) ([]Event, error) {
	events := []Event{{Kind: EventLoopBegin, LoopID: n.LoopID, LoopIterations: n.LoopIterations}}
	for _, bodyID := range n.LoopBody {
		bodyNode, ok := p.Nodes[bodyID]
		if !ok {
			return nil, daqerr.New(daqerr.ValidationError, "plan.lowerLoop", "dangling loop body reference: "+string(bodyID))
		}
		lowered, err := lowerNode(p, bodyNode)
		if err != nil {
			return nil, err
		}
		events = append(events, lowered...)
	}
	events = append(events, Event{Kind: EventLoopEnd, LoopID: n.LoopID})
	return events, nil
}
