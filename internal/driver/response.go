package driver

import (
	"encoding/hex"
	"regexp"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/labrun/photonrun/internal/daqerr"
)

// MaxErrorBytes bounds how much of a non-matching response is kept in
// a ProtocolMismatch error (spec §4.C: "raw bytes elided to a bounded
// length").
const MaxErrorBytes = 256

// compiledCache memoizes regexp.Compile by pattern string, so each
// distinct response pattern is compiled on its first Parse and reused
// by every later Parse, across devices of the same kind. Grounded on
// estuary-flow's use of hashicorp/golang-lru for hot-path memoization.
var compiledCache, _ = lru.New[string, *regexp.Regexp](256)

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := compiledCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, daqerr.Wrap(err, daqerr.ConfigError, "driver.compile")
	}
	compiledCache.Add(pattern, re)
	return re, nil
}

// Parse matches raw against the response spec's anchored pattern and
// applies each named capture group's type conversion and scale/offset
// transform. A non-matching response produces ProtocolMismatch with
// the raw bytes truncated to MaxErrorBytes.
func (rs ResponseSpec) Parse(raw []byte) (map[string]any, error) {
	re, err := compile(rs.Pattern)
	if err != nil {
		return nil, err
	}
	m := re.FindSubmatch(raw)
	if m == nil {
		return nil, daqerr.New(daqerr.ProtocolMismatch, "driver.ResponseSpec.Parse", "response did not match pattern: "+truncate(raw))
	}

	out := make(map[string]any, len(rs.Fields))
	names := re.SubexpNames()
	for i, name := range names {
		if i == 0 || name == "" {
			continue
		}
		field, ok := rs.Fields[name]
		if !ok {
			continue
		}
		v, err := field.convert(string(m[i]))
		if err != nil {
			return nil, daqerr.Wrap(err, daqerr.ProtocolMismatch, "driver.ResponseSpec.Parse.field."+name)
		}
		out[name] = v
	}
	return out, nil
}

func truncate(raw []byte) string {
	if len(raw) > MaxErrorBytes {
		raw = raw[:MaxErrorBytes]
	}
	return string(raw)
}

func (f Field) convert(s string) (any, error) {
	if w, ok := f.Type.IsHex(); ok {
		return decodeHexTwosComplement(s, w)
	}
	switch f.Type {
	case FieldInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return f.applyScale(float64(n)), nil
	case FieldUint:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		return f.applyScale(float64(n)), nil
	case FieldFloat:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return f.applyScale(n), nil
	case FieldBool:
		return strconv.ParseBool(s)
	case FieldString:
		return s, nil
	default:
		return nil, daqerr.New(daqerr.ConfigError, "driver.Field.convert", "unknown field type: "+string(f.Type))
	}
}

func (f Field) applyScale(v float64) float64 {
	scale := f.Scale
	if scale == 0 {
		scale = 1
	}
	return v*scale + f.Offset
}

// decodeHexTwosComplement decodes a hex string of whole bytes covering at
// least width bits (longer input is accepted when its value still fits)
// and interprets it as a two's-complement signed integer
// of the declared bit width; out-of-range values (wider than width bits
// once decoded) fail rather than silently truncate, per spec §4.C.
func decodeHexTwosComplement(s string, width int) (int64, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(b)*8 < width {
		return 0, daqerr.New(daqerr.ProtocolMismatch, "driver.decodeHexTwosComplement", "hex payload shorter than declared width")
	}
	var u uint64
	for _, by := range b {
		u = (u << 8) | uint64(by)
	}
	maxMagnitude := uint64(1) << uint(width)
	if u >= maxMagnitude {
		return 0, daqerr.New(daqerr.ProtocolMismatch, "driver.decodeHexTwosComplement", "value exceeds declared width")
	}
	signBit := uint64(1) << uint(width-1)
	if u&signBit != 0 {
		return int64(u) - int64(maxMagnitude), nil
	}
	return int64(u), nil
}
