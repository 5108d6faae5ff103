package types

// CommandKind discriminates the Command tagged union (spec §3).
type CommandKind string

const (
	CmdMoveAbsolute  CommandKind = "move_absolute"
	CmdMoveRelative  CommandKind = "move_relative"
	CmdStop          CommandKind = "stop"
	CmdIsMoving      CommandKind = "is_moving"
	CmdPosition      CommandKind = "position"
	CmdRead          CommandKind = "read"
	CmdSetWavelength CommandKind = "set_wavelength"
	CmdOpenShutter   CommandKind = "open_shutter"
	CmdCloseShutter  CommandKind = "close_shutter"
	CmdStartExposure CommandKind = "start_exposure"
	CmdStopExposure  CommandKind = "stop_exposure"
	CmdTrigger       CommandKind = "trigger"
	CmdSetParameter  CommandKind = "set_parameter"
	CmdGetParameter  CommandKind = "get_parameter"
)

// Command is a tagged union over the capability operations. Each
// variant carries only the payload fields its capability needs; the
// constructor functions below are the supported way to build one so a
// Command is never assembled with a payload that doesn't match Kind.
type Command struct {
	Kind CommandKind

	Axis     string // optional; empty means "the device's default axis"
	Position float64
	Delta    float64

	WavelengthNM float64

	ExposureMS float64

	ParamName  string
	ParamValue []byte // JSON-encoded
}

func NewMoveAbsolute(axis string, position float64) Command {
	return Command{Kind: CmdMoveAbsolute, Axis: axis, Position: position}
}

func NewMoveRelative(axis string, delta float64) Command {
	return Command{Kind: CmdMoveRelative, Axis: axis, Delta: delta}
}

func NewStop(axis string) Command { return Command{Kind: CmdStop, Axis: axis} }

func NewIsMoving(axis string) Command { return Command{Kind: CmdIsMoving, Axis: axis} }

func NewPosition(axis string) Command { return Command{Kind: CmdPosition, Axis: axis} }

func NewRead() Command { return Command{Kind: CmdRead} }

func NewSetWavelength(nm float64) Command {
	return Command{Kind: CmdSetWavelength, WavelengthNM: nm}
}

func NewOpenShutter() Command  { return Command{Kind: CmdOpenShutter} }
func NewCloseShutter() Command { return Command{Kind: CmdCloseShutter} }

func NewStartExposure(ms float64) Command {
	return Command{Kind: CmdStartExposure, ExposureMS: ms}
}

func NewStopExposure() Command { return Command{Kind: CmdStopExposure} }
func NewTrigger() Command      { return Command{Kind: CmdTrigger} }

func NewSetParameter(name string, jsonValue []byte) Command {
	return Command{Kind: CmdSetParameter, ParamName: name, ParamValue: jsonValue}
}

func NewGetParameter(name string) Command {
	return Command{Kind: CmdGetParameter, ParamName: name}
}

// ResultKind discriminates the CommandResult tagged union.
type ResultKind string

const (
	ResAck      ResultKind = "ack"
	ResScalar   ResultKind = "scalar"
	ResPosition ResultKind = "position"
	ResBool     ResultKind = "bool"
	ResFrameID  ResultKind = "frame_id"
)

// CommandResult is the tagged union of values a Command can produce.
type CommandResult struct {
	Kind ResultKind

	Value   float64
	Units   string
	BoolVal bool
	FrameID uint64
}

func Ack() CommandResult { return CommandResult{Kind: ResAck} }

func Scalar(value float64, units string) CommandResult {
	return CommandResult{Kind: ResScalar, Value: value, Units: units}
}

func Position(value float64) CommandResult {
	return CommandResult{Kind: ResPosition, Value: value}
}

func Bool(v bool) CommandResult { return CommandResult{Kind: ResBool, BoolVal: v} }

func FrameID(id uint64) CommandResult { return CommandResult{Kind: ResFrameID, FrameID: id} }
