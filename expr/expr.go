// Package expr evaluates branch conditions and renders {{variable}}
// templates against a variable bag.
//
// The operator set is closed and enumerated; there is deliberately no
// generic expression evaluation anywhere in this package. Undefined
// variables resolve to the empty string.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/petal-labs/chatflow/core"
)

// EvalCondition evaluates a single condition triple against vars.
// Comparison is string-based with numeric normalization, so a variable
// holding the number 21 equals the authored value "21". Unknown operators
// evaluate to false.
func EvalCondition(c core.Condition, vars map[string]any) bool {
	left := Stringify(vars[c.Variable])
	right := c.Value

	switch c.Operator {
	case core.OpEquals:
		return looseEqual(left, right)
	case core.OpNotEquals:
		return !looseEqual(left, right)
	case core.OpContains:
		return strings.Contains(left, right)
	case core.OpNotContains:
		return !strings.Contains(left, right)
	case core.OpStartsWith:
		return strings.HasPrefix(left, right)
	case core.OpEndsWith:
		return strings.HasSuffix(left, right)
	case core.OpIsEmpty:
		return left == ""
	case core.OpIsNotEmpty:
		return left != ""
	}
	return false
}

// looseEqual compares two stringified values, normalizing numerics so
// "21" == "21.0".
func looseEqual(a, b string) bool {
	if a == b {
		return true
	}
	af, aErr := strconv.ParseFloat(strings.TrimSpace(a), 64)
	bf, bErr := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if aErr == nil && bErr == nil {
		return af == bf
	}
	return false
}

var templateToken = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render replaces every {{name}} token in s with the stringified value of
// vars[name]. Unknown variables substitute as the empty string, never the
// literal token.
func Render(s string, vars map[string]any) string {
	return templateToken.ReplaceAllStringFunc(s, func(tok string) string {
		name := templateToken.FindStringSubmatch(tok)[1]
		v, ok := vars[name]
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// Stringify converts a variable value to its template/display form.
// nil becomes "", floats drop trailing zeros, everything else goes
// through fmt.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Millisecond conversion factors per delay unit.
const (
	millisPerSecond = int64(1000)
	millisPerMinute = 60 * millisPerSecond
	millisPerHour   = 60 * millisPerMinute
	millisPerDay    = 24 * millisPerHour
)

// DelayMillis converts a delay spec to milliseconds. A raw Millis value
// passes through; otherwise Value is scaled by the unit (s, m, h, d).
// Unknown units are treated as milliseconds already.
func DelayMillis(spec core.DelaySpec) int64 {
	if spec.Millis > 0 {
		return spec.Millis
	}
	switch spec.Unit {
	case "s":
		return int64(spec.Value * float64(millisPerSecond))
	case "m":
		return int64(spec.Value * float64(millisPerMinute))
	case "h":
		return int64(spec.Value * float64(millisPerHour))
	case "d":
		return int64(spec.Value * float64(millisPerDay))
	default:
		return int64(spec.Value)
	}
}
