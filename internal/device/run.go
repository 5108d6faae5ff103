package device

import (
	"context"
	"encoding/json"
	"time"

	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/types"
)

func (a *Actor) setStatus(s types.Status) {
	_ = a.status.Set(context.Background(), s)
}

func (a *Actor) run(ctx context.Context) {
	var shutdownReply chan error
	defer func() {
		err := a.conn.Disconnect()
		close(a.done)
		if shutdownReply != nil {
			shutdownReply <- err
		}
	}()

	staged := false
	var backoff time.Duration
	var attempts int
	var firstAttempt time.Time
	connectTimer := time.NewTimer(0)
	defer connectTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-connectTimer.C:
			switch a.status.Get().Value {
			case types.Disconnected:
				if attempts == 0 {
					firstAttempt = time.Now()
				}
				a.setStatus(types.Connecting)
				cctx, cancel := context.WithTimeout(ctx, a.cmdTimeout)
				err := a.conn.Connect(cctx)
				cancel()
				if err != nil {
					attempts++
					if attempts >= a.backoff.MaxAttempts || time.Since(firstAttempt) >= a.backoff.MaxElapsed {
						a.setStatus(types.Faulted)
						continue
					}
					backoff = a.backoff.next(backoff)
					a.setStatus(types.Disconnected)
					connectTimer.Reset(backoff)
					continue
				}
				attempts = 0
				backoff = 0
				a.setStatus(types.Ready)
			}

		case msg := <-a.inbox:
			switch m := msg.(type) {
			case executeMsg:
				m.reply <- a.handleExecute(ctx, m.cmd)
			case stageMsg:
				m.reply <- a.handleStage(&staged)
			case unstageMsg:
				m.reply <- a.handleUnstage(&staged)
			case shutdownMsg:
				shutdownReply = m.reply
				return
			}
		}
	}
}

func (a *Actor) handleStage(staged *bool) error {
	if a.status.Get().Value != types.Ready {
		return daqerr.New(daqerr.DeviceUnavailable, "device.Actor.handleStage", "device not Ready")
	}
	*staged = true
	return nil
}

func (a *Actor) handleUnstage(staged *bool) error {
	*staged = false
	if a.status.Get().Value == types.Busy {
		a.setStatus(types.Ready)
	}
	return nil
}

// handleExecute dispatches cmd against the attached runtime, guarding
// device availability and enforcing the per-command timeout. It runs
// on the actor goroutine, so the Busy status is visible to any
// concurrent Status() caller for its whole duration.
func (a *Actor) handleExecute(ctx context.Context, cmd types.Command) executeReply {
	switch a.status.Get().Value {
	case types.Ready:
	case types.Busy:
		return executeReply{err: daqerr.New(daqerr.EngineStateError, "device.Actor.handleExecute", "device already executing a command")}
	default:
		return executeReply{err: daqerr.New(daqerr.DeviceUnavailable, "device.Actor.handleExecute", "device is "+string(a.status.Get().Value))}
	}

	a.setStatus(types.Busy)
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, a.cmdTimeout)
	result, err := a.dispatch(cctx, cmd)
	cancel()
	commandLatency.WithLabelValues(string(a.id), string(cmd.Kind)).Observe(time.Since(start).Seconds())

	if err != nil && daqerr.KindOf(err) == daqerr.Timeout {
		// Best-effort stop of the timed-out operation; only a failed
		// stop leaves the device Faulted.
		sctx, scancel := context.WithTimeout(ctx, a.cmdTimeout)
		stopErr := a.rt.Stop(sctx, cmd.Axis)
		scancel()
		if stopErr != nil {
			a.setStatus(types.Faulted)
		} else {
			a.setStatus(types.Ready)
		}
		return executeReply{err: err}
	}
	a.setStatus(types.Ready)
	return executeReply{result: result, err: err}
}

func (a *Actor) dispatch(ctx context.Context, cmd types.Command) (types.CommandResult, error) {
	switch cmd.Kind {
	case types.CmdMoveAbsolute:
		if err := a.rt.MoveAbsolute(ctx, cmd.Axis, cmd.Position); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdMoveRelative:
		if err := a.rt.MoveRelative(ctx, cmd.Axis, cmd.Delta); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdStop:
		if err := a.rt.Stop(ctx, cmd.Axis); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdIsMoving:
		moving, err := a.rt.IsMoving(ctx, cmd.Axis)
		if err != nil {
			return types.CommandResult{}, err
		}
		return types.Bool(moving), nil

	case types.CmdPosition:
		pos, err := a.rt.Position(ctx, cmd.Axis)
		if err != nil {
			return types.CommandResult{}, err
		}
		return types.Position(pos), nil

	case types.CmdRead:
		v, err := a.rt.Read(ctx)
		if err != nil {
			return types.CommandResult{}, err
		}
		return types.Scalar(v, ""), nil

	case types.CmdSetWavelength:
		if err := a.rt.SetWavelength(ctx, cmd.WavelengthNM); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdOpenShutter:
		if err := a.rt.Open(ctx); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdCloseShutter:
		if err := a.rt.Close(ctx); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdStartExposure:
		if err := a.rt.Configure(ctx, cmd.ExposureMS, 0, nil); err != nil {
			return types.CommandResult{}, err
		}
		if err := a.rt.StartExposure(ctx); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdStopExposure:
		if err := a.rt.StopExposure(ctx); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdTrigger:
		if err := a.rt.Trigger(ctx); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdSetParameter:
		if a.params == nil {
			return types.CommandResult{}, daqerr.New(daqerr.CapabilityNotSupported, "device.Actor.dispatch", "device has no parameter set")
		}
		if err := a.params.Parameters().SetJSON(ctx, cmd.ParamName, cmd.ParamValue); err != nil {
			return types.CommandResult{}, err
		}
		return types.Ack(), nil

	case types.CmdGetParameter:
		if a.params == nil {
			return types.CommandResult{}, daqerr.New(daqerr.CapabilityNotSupported, "device.Actor.dispatch", "device has no parameter set")
		}
		raw, err := a.params.Parameters().GetJSON(cmd.ParamName)
		if err != nil {
			return types.CommandResult{}, err
		}
		var v float64
		if jsonErr := json.Unmarshal(raw, &v); jsonErr == nil {
			return types.Scalar(v, ""), nil
		}
		return types.Scalar(0, ""), nil

	default:
		return types.CommandResult{}, daqerr.New(daqerr.ValidationError, "device.Actor.dispatch", "unknown command kind: "+string(cmd.Kind))
	}
}
