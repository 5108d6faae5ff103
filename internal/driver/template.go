package driver

import (
	"strings"

	"github.com/labrun/photonrun/internal/daqerr"
)

// Render expands a command template's `{name}` placeholders against
// args, failing closed if any placeholder is unbound. This is
// deliberately not text/template: the spec requires that "template
// rendering is total... unbound names fail before any I/O" — checking
// that up front (rather than discovering a missing key mid-execute, as
// text/template would via a runtime panic/zero-value) is the whole
// point of this tiny hand-written scanner. See DESIGN.md for the full
// justification of this one stdlib-only piece.
func Render(template string, args map[string]string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		b.WriteString(template[i : i+open])
		start := i + open + 1
		close := strings.IndexByte(template[start:], '}')
		if close < 0 {
			return "", daqerr.New(daqerr.ConfigError, "driver.Render", "unterminated placeholder in template")
		}
		name := template[start : start+close]
		val, ok := args[name]
		if !ok {
			return "", daqerr.New(daqerr.ConfigError, "driver.Render", "unbound template parameter: "+name)
		}
		b.WriteString(val)
		i = start + close + 1
	}
	return b.String(), nil
}

// Placeholders returns the set of `{name}` tokens referenced by a
// template, used by Runtime.bindArgs on every invocation to check that
// each name is bindable before any I/O for that command.
func Placeholders(template string) []string {
	var names []string
	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			break
		}
		start := i + open + 1
		close := strings.IndexByte(template[start:], '}')
		if close < 0 {
			break
		}
		names = append(names, template[start:start+close])
		i = start + close + 1
	}
	return names
}
