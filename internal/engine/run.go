package engine

import (
	"context"
	"time"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/mathx"
	"github.com/labrun/photonrun/internal/plan"
	"github.com/labrun/photonrun/internal/types"
)

type loopFrame struct {
	loopID     string
	remaining  int
	beginIndex int
}

// runState is the mutable bookkeeping for one in-flight plan; it lives
// entirely on the engine goroutine, so it needs no locking.
type runState struct {
	events []plan.Event
	cursor int

	loopStack []loopFrame
	staged    map[types.DeviceID]bool

	pauseRequested bool
	abortRequested bool
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	var rs *runState

	for {
		// While a run is actively progressing, step it between inbox
		// checks so Pause/Resume/Abort/SetParameterDuringPause take
		// effect at the next event boundary instead of waiting for
		// the whole plan.
		if rs != nil && e.Status() == Running {
			select {
			case <-ctx.Done():
				return
			case msg := <-e.inbox:
				e.handleControl(ctx, rs, msg)
			default:
				e.stepOnce(ctx, rs)
				if rs.cursor >= len(rs.events) && e.Status() == Running {
					e.finishRun(ctx, rs, Completed, "")
					rs = nil
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case msg := <-e.inbox:
			switch m := msg.(type) {
			case runMsg:
				started, err := e.handleRun(m)
				m.reply <- err
				if err == nil {
					rs = started
				}
			default:
				e.handleControl(ctx, rs, msg)
			}
		}
	}
}

func (e *Engine) handleControl(ctx context.Context, rs *runState, msg any) {
	switch m := msg.(type) {
	case runMsg:
		m.reply <- daqerr.New(daqerr.EngineStateError, "engine.Engine.Run", "a run is already in progress")

	case pauseMsg:
		if e.Status() != Running {
			m.reply <- daqerr.New(daqerr.EngineStateError, "engine.Engine.Pause", "engine is not running")
			return
		}
		e.setState(Paused)
		m.reply <- nil

	case resumeMsg:
		if e.Status() != Paused {
			m.reply <- daqerr.New(daqerr.EngineStateError, "engine.Engine.Resume", "engine is not paused")
			return
		}
		e.setState(Running)
		m.reply <- nil

	case abortMsg:
		if rs == nil || (e.Status() != Running && e.Status() != Paused) {
			m.reply <- daqerr.New(daqerr.EngineStateError, "engine.Engine.Abort", "no run in progress")
			return
		}
		e.finishRun(ctx, rs, Aborted, "")
		m.reply <- nil

	case setParamMsg:
		if e.Status() != Paused {
			m.reply <- daqerr.New(daqerr.EngineStateError, "engine.Engine.SetParameterDuringPause", "engine is not paused")
			return
		}
		handle, err := e.devices.Get(ctx, m.device)
		if err != nil {
			m.reply <- err
			return
		}
		_, err = handle.Execute(ctx, types.NewSetParameter(m.name, m.value))
		m.reply <- err
	}
}

func (e *Engine) handleRun(m runMsg) (*runState, error) {
	if e.Status() == Running || e.Status() == Paused {
		return nil, daqerr.New(daqerr.EngineStateError, "engine.Engine.Run", "a run is already in progress")
	}

	e.setState(Translating)
	diags := plan.Validate(m.plan, m.catalog)
	if len(diags) > 0 {
		e.setState(Failed)
		e.setProgress(Progress{State: Failed, LastErr: diags[0].Message})
		return nil, daqerr.New(daqerr.ValidationError, "engine.Engine.Run", diags[0].Message)
	}

	events, err := plan.Translate(m.plan)
	if err != nil {
		e.setState(Failed)
		e.setProgress(Progress{State: Failed, LastErr: err.Error()})
		return nil, err
	}

	e.setState(Validated)
	rs := &runState{events: events, staged: map[types.DeviceID]bool{}}
	e.setState(Running)
	e.setProgress(Progress{State: Running, Step: 0, Total: len(events)})
	return rs, nil
}

// stepOnce executes exactly one Event, advancing rs.cursor (including
// loop-stack jumps). It changes the engine's state itself on terminal
// outcomes (Failed/Aborted); the caller is responsible for noticing a
// Completed outcome once the cursor runs off the end.
func (e *Engine) stepOnce(ctx context.Context, rs *runState) {
	ev := rs.events[rs.cursor]

	var err error
	switch ev.Kind {
	case plan.EventLoopBegin:
		rs.loopStack = append(rs.loopStack, loopFrame{loopID: ev.LoopID, remaining: ev.LoopIterations - 1, beginIndex: rs.cursor})
		rs.cursor++

	case plan.EventLoopEnd:
		n := len(rs.loopStack)
		if n == 0 {
			err = daqerr.New(daqerr.EngineStateError, "engine.Engine.stepOnce", "loop_end with no matching loop_begin")
			break
		}
		top := &rs.loopStack[n-1]
		if top.remaining > 0 {
			top.remaining--
			rs.cursor = top.beginIndex + 1
		} else {
			rs.loopStack = rs.loopStack[:n-1]
			rs.cursor++
		}

	case plan.EventWait:
		select {
		case <-time.After(ev.Duration):
		case <-ctx.Done():
			err = daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "engine.Engine.stepOnce")
		}
		rs.cursor++

	case plan.EventCheckpoint:
		rs.cursor++

	default:
		err = e.dispatchDeviceEvent(ctx, rs, ev)
		rs.cursor++
	}

	e.setProgress(Progress{State: e.Status(), Step: rs.cursor, Total: len(rs.events), LastEvent: ev.Kind, LastErr: errString(err)})

	if err != nil {
		e.finishRun(ctx, rs, Failed, err.Error())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// dispatchDeviceEvent issues one device-addressed Event and applies its
// failure policy on error (spec §4.G).
func (e *Engine) dispatchDeviceEvent(ctx context.Context, rs *runState, ev plan.Event) error {
	handle, err := e.ensureStaged(ctx, rs, ev.Device)
	if err != nil {
		return err
	}

	cmd, err := commandFor(ev)
	if err != nil {
		return err
	}

	attempt := 0
	for {
		cctx, cancel := context.WithTimeout(ctx, e.eventTimeout)
		_, execErr := handle.Execute(cctx, cmd)
		cancel()
		if execErr == nil {
			return e.settle(ctx, handle, ev)
		}

		if ev.Policy.Kind == plan.PolicySkip {
			return nil
		}
		if ev.Policy.Kind == plan.PolicyRetry && handle.IsIdempotent(ev.CommandKind) {
			maxAttempts := ev.Policy.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = 3
			}
			attempt++
			if attempt < maxAttempts {
				wait := fullJitterBackoff(attempt, ev.Policy.BackoffInitial, ev.Policy.BackoffCeiling)
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "engine.Engine.dispatchDeviceEvent")
				}
			}
		}
		// PolicyAbort (default), exhausted retries, or a non-idempotent
		// command under PolicyRetry: fail on first error.
		return execErr
	}
}

func commandFor(ev plan.Event) (types.Command, error) {
	switch ev.Kind {
	case plan.EventSetActuator:
		return types.NewMoveAbsolute(ev.Axis, ev.Position), nil
	case plan.EventAcquire:
		return types.NewStartExposure(float64(ev.Duration.Milliseconds())), nil
	case plan.EventSetParam:
		return types.NewSetParameter(ev.ParamName, ev.ParamValueJSON), nil
	default:
		return types.Command{}, daqerr.New(daqerr.EngineStateError, "engine.commandFor", "event kind has no device command: "+string(ev.Kind))
	}
}

// settle waits out ev.Settle after a successful SetActuator dispatch
// (spec Glossary: SettlePolicy). Non-Move events are a no-op.
func (e *Engine) settle(ctx context.Context, handle DeviceHandle, ev plan.Event) error {
	if ev.Kind != plan.EventSetActuator || ev.Settle.Kind == "" {
		return nil
	}

	switch ev.Settle.Kind {
	case plan.SettleFixedDelay:
		select {
		case <-time.After(ev.Settle.FixedDelay):
			return nil
		case <-ctx.Done():
			return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "engine.Engine.settle")
		}

	case plan.SettlePositionTolerance:
		deadline := time.Now().Add(pollTimeoutOrDefault(ev.Settle.PollTimeout))
		for time.Now().Before(deadline) {
			res, err := handle.Execute(ctx, types.NewPosition(ev.Axis))
			if err == nil && mathx.Abs(res.Value-ev.Position) <= ev.Settle.Tolerance {
				return nil
			}
			select {
			case <-time.After(pollIntervalOrDefault(ev.Settle.PollInterval)):
			case <-ctx.Done():
				return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "engine.Engine.settle")
			}
		}
		return daqerr.New(daqerr.Timeout, "engine.Engine.settle", "actuator did not settle within tolerance before timeout")

	case plan.SettleIsMovingPoll:
		deadline := time.Now().Add(pollTimeoutOrDefault(ev.Settle.PollTimeout))
		for time.Now().Before(deadline) {
			res, err := handle.Execute(ctx, types.NewIsMoving(ev.Axis))
			if err == nil && !res.BoolVal {
				return nil
			}
			select {
			case <-time.After(pollIntervalOrDefault(ev.Settle.PollInterval)):
			case <-ctx.Done():
				return daqerr.Wrap(ctx.Err(), daqerr.Cancelled, "engine.Engine.settle")
			}
		}
		return daqerr.New(daqerr.Timeout, "engine.Engine.settle", "actuator still moving after poll timeout")

	default:
		return nil
	}
}

func pollIntervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 20 * time.Millisecond
	}
	return d
}

func pollTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (e *Engine) ensureStaged(ctx context.Context, rs *runState, id types.DeviceID) (DeviceHandle, error) {
	handle, err := e.devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rs.staged[id] {
		if err := handle.Stage(ctx); err != nil {
			return nil, err
		}
		rs.staged[id] = true
	}
	return handle, nil
}

// finishRun transitions the engine to a terminal state and unstages
// every device the run touched, bounded by the engine's unstage
// timeout per device. A device that does not respond in time is left
// for the device actor's own Unstage timeout handling; the engine does
// not force device state from outside the actor, and unstage errors
// are discarded rather than reported in Progress.
func (e *Engine) finishRun(ctx context.Context, rs *runState, final State, lastErr string) {
	for id := range rs.staged {
		handle, err := e.devices.Get(ctx, id)
		if err != nil {
			continue
		}
		uctx, cancel := context.WithTimeout(ctx, e.unstageTimeout)
		_ = handle.Unstage(uctx)
		cancel()
	}

	e.setState(final)
	e.setProgress(Progress{State: final, Step: rs.cursor, Total: len(rs.events), LastErr: lastErr})
}
