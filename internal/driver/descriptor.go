// Package driver implements the declarative driver runtime (spec §4.C,
// §6): a device kind is described by a human-editable descriptor
// (transport binding, command templates, response patterns, trait
// mapping, parameter declarations) rather than by hand-written Go per
// instrument. Loading is grounded on the teacher's use of viper for
// configuration (adapted here from the teacher's JSON device config to
// viper's native TOML support, matching spec §6's descriptor format).
// The runtime itself performs no retry or backoff.
package driver

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/labrun/photonrun/internal/daqerr"
)

// FlowControl enumerates the descriptor's [connection] flow-control modes.
type FlowControl string

const (
	FlowNone     FlowControl = "None"
	FlowSoftware FlowControl = "Software"
	FlowHardware FlowControl = "Hardware"
)

// Connection is the [connection] section of a driver descriptor.
type Connection struct {
	Baud            int
	DataBits        int
	Parity          string
	StopBits        int
	FlowControl     FlowControl
	TxTerminator    string
	RxTerminator    string
	DefaultTimeoutMS int
}

// Retry is the optional retry table attached to a command. Validate
// rejects it on a command without Idempotent == true (spec §8, Testable
// Property 6); neither the runtime nor the engine reads it — engine
// retries follow each plan event's FailurePolicy.
type Retry struct {
	MaxAttempts int
	BackoffMS   int
	CeilingMS   int
}

// CommandSpec is one [commands.<name>] section.
type CommandSpec struct {
	Name       string
	Template   string
	Parameters []string // declared placeholder names, for validation
	Response   string   // name of a ResponseSpec, or "" for none expected
	TimeoutMS  int
	Retry      *Retry
	Idempotent bool
}

// FieldType enumerates the conversions a ResponseSpec field may apply.
type FieldType string

const (
	FieldInt    FieldType = "int"
	FieldUint   FieldType = "uint"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldString FieldType = "string"
	// Hex<w> fields are written as "hex_16", "hex_32", etc. ParseFieldType
	// splits the width out; see IsHex/HexWidth below.
)

// IsHex reports whether t is a hex_<width> field type, returning the
// bit width when true.
func (t FieldType) IsHex() (width int, ok bool) {
	s := string(t)
	if !strings.HasPrefix(s, "hex_") {
		return 0, false
	}
	w := 0
	for _, r := range s[4:] {
		if r < '0' || r > '9' {
			return 0, false
		}
		w = w*10 + int(r-'0')
	}
	if w <= 0 {
		return 0, false
	}
	return w, true
}

// Field describes one named capture group's post-processing.
type Field struct {
	Name   string
	Type   FieldType
	Scale  float64 // 0 means 1 (no scaling) — see ResponseSpec.normalize
	Offset float64
}

// ResponseSpec is one [responses.<name>] section: an anchored regular
// expression plus per-capture-group typed transforms.
type ResponseSpec struct {
	Name    string
	Pattern string
	Fields  map[string]Field
}

// TraitBinding is one [trait_mapping.<Capability>.<method>] section.
type TraitBinding struct {
	Command     string
	InputParam  string // template placeholder bound from the capability's argument
	OutputField string // response field providing the return value
}

// Parameter is one [parameters.<name>] section.
type Parameter struct {
	Name    string
	Type    string // "float" | "int" | "bool" | "string"
	Default any
	Min     *float64
	Max     *float64
	Choices []string
}

// Descriptor is the fully parsed, validated driver definition for one
// device kind.
type Descriptor struct {
	Kind         string
	Connection   Connection
	Commands     map[string]CommandSpec
	Responses    map[string]ResponseSpec
	TraitMapping map[string]map[string]TraitBinding // capability -> method -> binding
	Parameters   map[string]Parameter
}

// Load parses a TOML descriptor file for device kind `kind` using
// viper (the same config library the dastard reference codebase uses
// for its own runtime configuration) and validates it.
func Load(kind, path string) (*Descriptor, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		err = wrapf(err, "reading descriptor %q for kind %q", path, kind)
		return nil, daqerr.Wrap(err, daqerr.ConfigError, "driver.Load.readConfig")
	}

	d := &Descriptor{
		Kind:         kind,
		Commands:     map[string]CommandSpec{},
		Responses:    map[string]ResponseSpec{},
		TraitMapping: map[string]map[string]TraitBinding{},
		Parameters:   map[string]Parameter{},
	}

	conn := Connection{
		Baud:             v.GetInt("connection.baud"),
		DataBits:         v.GetInt("connection.data_bits"),
		Parity:           v.GetString("connection.parity"),
		StopBits:         v.GetInt("connection.stop_bits"),
		FlowControl:      FlowControl(orDefault(v.GetString("connection.flow_control"), string(FlowNone))),
		TxTerminator:     v.GetString("connection.tx_terminator"),
		RxTerminator:     v.GetString("connection.rx_terminator"),
		DefaultTimeoutMS: v.GetInt("connection.default_timeout_ms"),
	}
	d.Connection = conn

	cmds, _ := v.Get("commands").(map[string]any)
	for name, raw := range cmds {
		sub, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		cs := CommandSpec{Name: name}
		cs.Template, _ = sub["template"].(string)
		cs.Response, _ = sub["response"].(string)
		cs.TimeoutMS = asInt(sub["timeout_ms"])
		cs.Idempotent = asBool(sub["idempotent"])
		if params, ok := sub["parameters"].([]any); ok {
			for _, p := range params {
				if s, ok := p.(string); ok {
					cs.Parameters = append(cs.Parameters, s)
				}
			}
		}
		if rt, ok := sub["retry"].(map[string]any); ok {
			cs.Retry = &Retry{
				MaxAttempts: asInt(rt["max_attempts"]),
				BackoffMS:   asInt(rt["backoff_ms"]),
				CeilingMS:   asInt(rt["ceiling_ms"]),
			}
		}
		d.Commands[name] = cs
	}

	resps, _ := v.Get("responses").(map[string]any)
	for name, raw := range resps {
		sub, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rs := ResponseSpec{Name: name, Fields: map[string]Field{}}
		rs.Pattern, _ = sub["pattern"].(string)
		if fields, ok := sub["fields"].(map[string]any); ok {
			for fname, fraw := range fields {
				fsub, ok := fraw.(map[string]any)
				if !ok {
					continue
				}
				f := Field{Name: fname, Type: FieldType(fsub["type"].(string))}
				f.Scale = asFloat(fsub["scale"])
				f.Offset = asFloat(fsub["offset"])
				rs.Fields[fname] = f
			}
		}
		d.Responses[name] = rs
	}

	tm, _ := v.Get("trait_mapping").(map[string]any)
	for capName, raw := range tm {
		methods, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		d.TraitMapping[capName] = map[string]TraitBinding{}
		for method, mraw := range methods {
			msub, ok := mraw.(map[string]any)
			if !ok {
				continue
			}
			tb := TraitBinding{}
			tb.Command, _ = msub["command"].(string)
			tb.InputParam, _ = msub["input_param"].(string)
			tb.OutputField, _ = msub["output_field"].(string)
			d.TraitMapping[capName][method] = tb
		}
	}

	params, _ := v.Get("parameters").(map[string]any)
	for name, raw := range params {
		sub, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		p := Parameter{Name: name}
		p.Type, _ = sub["type"].(string)
		p.Default = sub["default"]
		if mn, ok := sub["min"]; ok {
			f := asFloat(mn)
			p.Min = &f
		}
		if mx, ok := sub["max"]; ok {
			f := asFloat(mx)
			p.Max = &f
		}
		if ch, ok := sub["choices"].([]any); ok {
			for _, c := range ch {
				if s, ok := c.(string); ok {
					p.Choices = append(p.Choices, s)
				}
			}
		}
		d.Parameters[name] = p
	}

	if err := Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate schema-checks a Descriptor (spec §6: "validated against a
// schema at load; malformed descriptors prevent registration of that
// device kind"). It collects every violation rather than stopping at
// the first, the same aggregate-diagnostics idiom the teacher's
// drivers/ltc4015 validation uses.
func Validate(d *Descriptor) error {
	var problems []string

	if d.Connection.Baud <= 0 {
		problems = append(problems, "connection.baud must be positive")
	}
	for name, cs := range d.Commands {
		if cs.Template == "" {
			problems = append(problems, "command "+name+": empty template")
		}
		if cs.Response != "" {
			if _, ok := d.Responses[cs.Response]; !ok {
				problems = append(problems, "command "+name+": unknown response "+cs.Response)
			}
		}
		if cs.Retry != nil && !cs.Idempotent {
			problems = append(problems, "command "+name+": retry table on a non-idempotent command")
		}
	}
	for name, rs := range d.Responses {
		if rs.Pattern == "" {
			problems = append(problems, "response "+name+": empty pattern")
		}
		for fname, f := range rs.Fields {
			if _, ok := f.IsHex(); !ok && f.Type != FieldInt && f.Type != FieldUint &&
				f.Type != FieldFloat && f.Type != FieldBool && f.Type != FieldString {
				problems = append(problems, "response "+name+" field "+fname+": unknown type "+string(f.Type))
			}
		}
	}
	for capName, methods := range d.TraitMapping {
		if !isKnownCapability(capName) {
			problems = append(problems, "trait_mapping: unknown capability "+capName)
			continue
		}
		for method, tb := range methods {
			cs, ok := d.Commands[tb.Command]
			if !ok {
				problems = append(problems, "trait_mapping "+capName+"."+method+": unknown command "+tb.Command)
				continue
			}
			if tb.OutputField != "" {
				rs, ok := d.Responses[cs.Response]
				if !ok {
					problems = append(problems, "trait_mapping "+capName+"."+method+": command has no response to source output_field from")
					continue
				}
				if _, ok := rs.Fields[tb.OutputField]; !ok {
					problems = append(problems, "trait_mapping "+capName+"."+method+": unknown output_field "+tb.OutputField)
				}
			}
		}
	}
	for name, p := range d.Parameters {
		if p.Type == "" {
			problems = append(problems, "parameter "+name+": missing type")
		}
	}

	if len(problems) > 0 {
		return daqerr.New(daqerr.ConfigError, "driver.Validate", strings.Join(problems, "; "))
	}
	return nil
}

func isKnownCapability(name string) bool {
	switch name {
	case "Movable", "Readable", "WavelengthTunable", "ShutterControl",
		"FrameProducer", "Triggerable", "Parameterized":
		return true
	default:
		return false
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func asInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return 0
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// wrapf adds formatted pkg/errors context (e.g. which file, which
// kind) on top of an error before it gets tagged with a daqerr.Kind.
func wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
