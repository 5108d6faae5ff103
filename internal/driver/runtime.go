package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labrun/photonrun/internal/capability"
	"github.com/labrun/photonrun/internal/daqerr"
	"github.com/labrun/photonrun/internal/frame"
	"github.com/labrun/photonrun/internal/observable"
)

// Transport is the minimal surface the declarative runtime needs from
// a concrete serial/USB/PCI link. Its implementation lives outside
// this module's core (spec §1 Non-goals: "concrete serial/USB/PCI
// driver I/O"); this package only depends on the shape.
type Transport interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Runtime implements the capability.* interfaces by dispatching
// through a Descriptor's trait mapping against a Transport. A Runtime
// is owned exclusively by one device.Actor; nothing else may call it
// concurrently (spec §4.D/§9 "actor topology vs single lock").
type Runtime struct {
	descriptor *Descriptor
	transport  Transport
	reader     *bufio.Reader
	params     *observable.ParameterSet

	mu          sync.Mutex // serializes transport use defensively; the owning actor already does this, but tests construct Runtimes directly
	frameSource FrameSource
}

// FrameSource is implemented by the out-of-band frame acquisition path
// of a camera-like device. Frame capture is not expressed as a
// request/response command (spec §1 Non-goals: concrete imaging-sensor
// I/O is out of scope) so it is injected rather than resolved through
// the trait mapping.
type FrameSource interface {
	Configure(ctx context.Context, exposureMS, gain float64, roi *capability.ROI) error
	StartExposure(ctx context.Context) error
	StopExposure(ctx context.Context) error
	Frames() <-chan frame.Frame
}

// WithFrameSource attaches a FrameSource, enabling the FrameProducer
// capability methods below.
func (r *Runtime) WithFrameSource(fs FrameSource) *Runtime {
	r.frameSource = fs
	return r
}

// NewRuntime builds a Runtime and its ParameterSet from a Descriptor.
func NewRuntime(d *Descriptor, transport Transport) (*Runtime, error) {
	params, err := buildParameterSet(d)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		descriptor: d,
		transport:  transport,
		reader:     bufio.NewReader(transport),
		params:     params,
	}, nil
}

// Parameters exposes the constructed ParameterSet (spec §4.B Parameterized).
func (r *Runtime) Parameters() *observable.ParameterSet { return r.params }

func buildParameterSet(d *Descriptor) (*observable.ParameterSet, error) {
	ps := observable.NewParameterSet()
	for name, p := range d.Parameters {
		e, err := buildParameter(p)
		if err != nil {
			return nil, daqerr.Wrap(err, daqerr.ConfigError, "driver.buildParameterSet."+name)
		}
		ps.Register(name, e)
	}
	return ps, nil
}

func buildParameter(p Parameter) (observable.Erased, error) {
	meta := observable.Metadata{Name: p.Name}
	switch p.Type {
	case "float":
		domain := domainFor(p)
		def, _ := p.Default.(float64)
		return observable.Erase(observable.New(meta, domain, def, nil)), nil
	case "int":
		var domain observable.Domain[int64]
		if len(p.Choices) > 0 {
			choices := make([]int64, 0, len(p.Choices))
			for _, c := range p.Choices {
				n, err := strconv.ParseInt(c, 10, 64)
				if err == nil {
					choices = append(choices, n)
				}
			}
			domain = observable.Enum(choices...)
		} else if p.Min != nil && p.Max != nil {
			domain = observable.Range(int64(*p.Min), int64(*p.Max))
		} else {
			domain = observable.Free[int64]()
		}
		def := asInt64(p.Default)
		return observable.Erase(observable.New(meta, domain, def, nil)), nil
	case "bool":
		def, _ := p.Default.(bool)
		return observable.Erase(observable.New(meta, observable.Free[bool](), def, nil)), nil
	case "string":
		var domain observable.Domain[string]
		if len(p.Choices) > 0 {
			domain = observable.Enum(p.Choices...)
		} else {
			domain = observable.Free[string]()
		}
		def, _ := p.Default.(string)
		return observable.Erase(observable.New(meta, domain, def, nil)), nil
	default:
		return nil, daqerr.New(daqerr.ConfigError, "driver.buildParameter", "unknown parameter type: "+p.Type)
	}
}

func domainFor(p Parameter) observable.Domain[float64] {
	if p.Min != nil && p.Max != nil {
		return observable.Range(*p.Min, *p.Max)
	}
	return observable.Free[float64]()
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

// invoke resolves (capabilityName, method) to exactly one command
// template and dispatches it, returning the raw parsed response fields
// (or nil if the command declares no response).
func (r *Runtime) invoke(ctx context.Context, capabilityName, method string, arg any) (map[string]any, error) {
	methods, ok := r.descriptor.TraitMapping[capabilityName]
	if !ok {
		return nil, daqerr.New(daqerr.CapabilityNotSupported, "driver.invoke", "device kind "+r.descriptor.Kind+" does not configure capability "+capabilityName)
	}
	binding, ok := methods[method]
	if !ok {
		return nil, daqerr.New(daqerr.CapabilityNotSupported, "driver.invoke", "capability "+capabilityName+" does not configure method "+method)
	}
	cmd, ok := r.descriptor.Commands[binding.Command]
	if !ok {
		return nil, daqerr.New(daqerr.ConfigError, "driver.invoke", "unresolved command "+binding.Command)
	}

	args, err := r.bindArgs(cmd, binding, arg)
	if err != nil {
		return nil, err
	}
	rendered, err := Render(cmd.Template, args)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cmd.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(r.descriptor.Connection.DefaultTimeoutMS) * time.Millisecond
	}
	if dl, ok := ctx.Deadline(); ok {
		if remain := time.Until(dl); remain > 0 && remain < timeout {
			timeout = remain
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.roundTrip(rendered, timeout)
	if err != nil {
		return nil, err
	}

	if cmd.Response == "" {
		return nil, nil
	}
	rs, ok := r.descriptor.Responses[cmd.Response]
	if !ok {
		return nil, daqerr.New(daqerr.ConfigError, "driver.invoke", "unresolved response "+cmd.Response)
	}
	return rs.Parse(raw)
}

// bindArgs builds the total substitution map for a command template:
// every placeholder must resolve from either the single capability
// argument (bound to InputParam) or the current parameter-store value.
func (r *Runtime) bindArgs(cmd CommandSpec, binding TraitBinding, arg any) (map[string]string, error) {
	args := make(map[string]string, len(cmd.Parameters)+1)
	if binding.InputParam != "" {
		args[binding.InputParam] = formatArg(arg)
	}
	for _, name := range Placeholders(cmd.Template) {
		if _, bound := args[name]; bound {
			continue
		}
		e, ok := r.params.Get(name)
		if !ok {
			return nil, daqerr.New(daqerr.ConfigError, "driver.bindArgs", "unbound template parameter: "+name)
		}
		b, err := e.GetJSON()
		if err != nil {
			return nil, err
		}
		args[name] = string(b)
	}
	return args, nil
}

func formatArg(arg any) string {
	switch v := arg.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (r *Runtime) roundTrip(rendered string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if err := r.transport.SetWriteDeadline(deadline); err != nil {
		return nil, daqerr.Wrap(err, daqerr.IoFailure, "driver.roundTrip.setWriteDeadline")
	}
	payload := rendered + r.descriptor.Connection.TxTerminator
	if _, err := r.transport.Write([]byte(payload)); err != nil {
		return nil, classifyIOErr(err, "driver.roundTrip.write")
	}

	if err := r.transport.SetReadDeadline(deadline); err != nil {
		return nil, daqerr.Wrap(err, daqerr.IoFailure, "driver.roundTrip.setReadDeadline")
	}
	term := r.descriptor.Connection.RxTerminator
	if term == "" {
		term = "\n"
	}
	line, err := r.reader.ReadString(term[len(term)-1])
	if err != nil {
		return nil, classifyIOErr(err, "driver.roundTrip.read")
	}
	return []byte(strings.TrimSuffix(line, term)), nil
}

func classifyIOErr(err error, op string) error {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok && t.Timeout() {
		return daqerr.Wrap(err, daqerr.Timeout, op)
	}
	return daqerr.Wrap(err, daqerr.IoFailure, op)
}

// ---- capability.* implementations ----

const (
	capMovable           = "Movable"
	capReadable          = "Readable"
	capWavelengthTunable = "WavelengthTunable"
	capShutterControl    = "ShutterControl"
	capTriggerable       = "Triggerable"
)

func (r *Runtime) MoveAbsolute(ctx context.Context, axis string, position float64) error {
	_, err := r.invoke(ctx, capMovable, "move_absolute", position)
	return err
}

func (r *Runtime) MoveRelative(ctx context.Context, axis string, delta float64) error {
	_, err := r.invoke(ctx, capMovable, "move_relative", delta)
	return err
}

func (r *Runtime) Position(ctx context.Context, axis string) (float64, error) {
	fields, err := r.invoke(ctx, capMovable, "position", nil)
	if err != nil {
		return 0, err
	}
	return outputFloat(r.descriptor, capMovable, "position", fields)
}

func (r *Runtime) Stop(ctx context.Context, axis string) error {
	_, err := r.invoke(ctx, capMovable, "stop", nil)
	return err
}

func (r *Runtime) IsMoving(ctx context.Context, axis string) (bool, error) {
	fields, err := r.invoke(ctx, capMovable, "is_moving", nil)
	if err != nil {
		return false, err
	}
	v, err := outputFloat(r.descriptor, capMovable, "is_moving", fields)
	return v != 0, err
}

func (r *Runtime) Limits(ctx context.Context, axis string) (float64, float64, error) {
	fields, err := r.invoke(ctx, capMovable, "limits", nil)
	if err != nil {
		return 0, 0, err
	}
	min, _ := fields["min"].(float64)
	max, _ := fields["max"].(float64)
	return min, max, nil
}

func (r *Runtime) Read(ctx context.Context) (float64, error) {
	fields, err := r.invoke(ctx, capReadable, "read", nil)
	if err != nil {
		return 0, err
	}
	return outputFloat(r.descriptor, capReadable, "read", fields)
}

func (r *Runtime) SetWavelength(ctx context.Context, nm float64) error {
	_, err := r.invoke(ctx, capWavelengthTunable, "set_wavelength", nm)
	return err
}

func (r *Runtime) Wavelength(ctx context.Context) (float64, error) {
	fields, err := r.invoke(ctx, capWavelengthTunable, "wavelength", nil)
	if err != nil {
		return 0, err
	}
	return outputFloat(r.descriptor, capWavelengthTunable, "wavelength", fields)
}

func (r *Runtime) WavelengthRange(ctx context.Context) (float64, float64, error) {
	fields, err := r.invoke(ctx, capWavelengthTunable, "wavelength_range", nil)
	if err != nil {
		return 0, 0, err
	}
	min, _ := fields["min"].(float64)
	max, _ := fields["max"].(float64)
	return min, max, nil
}

func (r *Runtime) Open(ctx context.Context) error {
	_, err := r.invoke(ctx, capShutterControl, "open", nil)
	return err
}

func (r *Runtime) Close(ctx context.Context) error {
	_, err := r.invoke(ctx, capShutterControl, "close", nil)
	return err
}

func (r *Runtime) IsOpen(ctx context.Context) (bool, error) {
	fields, err := r.invoke(ctx, capShutterControl, "is_open", nil)
	if err != nil {
		return false, err
	}
	v, err := outputFloat(r.descriptor, capShutterControl, "is_open", fields)
	return v != 0, err
}

func (r *Runtime) Trigger(ctx context.Context) error {
	_, err := r.invoke(ctx, capTriggerable, "trigger", nil)
	return err
}

func (r *Runtime) Arm(ctx context.Context, mode capability.TriggerMode) error {
	_, err := r.invoke(ctx, capTriggerable, "arm", string(mode))
	return err
}

// Configure, StartExposure, StopExposure and Frames implement
// capability.FrameProducer by delegating to an attached FrameSource;
// a Runtime with none configured reports CapabilityNotSupported.
func (r *Runtime) Configure(ctx context.Context, exposureMS, gain float64, roi *capability.ROI) error {
	if r.frameSource == nil {
		return daqerr.New(daqerr.CapabilityNotSupported, "driver.Configure", "device kind "+r.descriptor.Kind+" has no frame source")
	}
	return r.frameSource.Configure(ctx, exposureMS, gain, roi)
}

func (r *Runtime) StartExposure(ctx context.Context) error {
	if r.frameSource == nil {
		return daqerr.New(daqerr.CapabilityNotSupported, "driver.StartExposure", "device kind "+r.descriptor.Kind+" has no frame source")
	}
	return r.frameSource.StartExposure(ctx)
}

func (r *Runtime) StopExposure(ctx context.Context) error {
	if r.frameSource == nil {
		return daqerr.New(daqerr.CapabilityNotSupported, "driver.StopExposure", "device kind "+r.descriptor.Kind+" has no frame source")
	}
	return r.frameSource.StopExposure(ctx)
}

func (r *Runtime) Frames() <-chan frame.Frame {
	if r.frameSource == nil {
		ch := make(chan frame.Frame)
		close(ch)
		return ch
	}
	return r.frameSource.Frames()
}

func outputFloat(d *Descriptor, capName string, method string, fields map[string]any) (float64, error) {
	binding := d.TraitMapping[capName][method]
	if binding.OutputField == "" {
		return 0, nil
	}
	v, ok := fields[binding.OutputField]
	if !ok {
		return 0, daqerr.New(daqerr.ProtocolMismatch, "driver.outputFloat", "response missing field "+binding.OutputField)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, daqerr.New(daqerr.ProtocolMismatch, "driver.outputFloat", "field "+binding.OutputField+" is not numeric")
	}
	return f, nil
}
