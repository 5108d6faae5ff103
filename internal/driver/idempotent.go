package driver

import "github.com/labrun/photonrun/internal/types"

// commandKindBinding maps a types.CommandKind onto the (capability,
// method) pair the trait mapping indexes by — the same pairs the
// Runtime's capability methods pass to invoke in runtime.go.
func commandKindBinding(kind types.CommandKind) (capName, method string, ok bool) {
	switch kind {
	case types.CmdMoveAbsolute:
		return capMovable, "move_absolute", true
	case types.CmdMoveRelative:
		return capMovable, "move_relative", true
	case types.CmdStop:
		return capMovable, "stop", true
	case types.CmdIsMoving:
		return capMovable, "is_moving", true
	case types.CmdPosition:
		return capMovable, "position", true
	case types.CmdRead:
		return capReadable, "read", true
	case types.CmdSetWavelength:
		return capWavelengthTunable, "set_wavelength", true
	case types.CmdOpenShutter:
		return capShutterControl, "open", true
	case types.CmdCloseShutter:
		return capShutterControl, "close", true
	case types.CmdTrigger:
		return capTriggerable, "trigger", true
	default:
		return "", "", false
	}
}

// IsIdempotent reports whether kind is declared idempotent in the
// descriptor's trait-mapped command (spec §8 Testable Property 6).
// CmdStartExposure/CmdStopExposure/CmdSetParameter/CmdGetParameter
// have no trait-mapping binding (exposure is FrameSource-driven,
// parameters go through the ParameterSet) and are always reported
// non-idempotent here.
func (d *Descriptor) IsIdempotent(kind types.CommandKind) bool {
	capName, method, ok := commandKindBinding(kind)
	if !ok {
		return false
	}
	binding, ok := d.TraitMapping[capName][method]
	if !ok {
		return false
	}
	cmd, ok := d.Commands[binding.Command]
	if !ok {
		return false
	}
	return cmd.Idempotent
}
