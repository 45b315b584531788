// Package flatten converts nested JSON-like records into single-level
// field maps with a fixed key-joining convention.
//
// Nested object keys join with "_", array elements get indexed keys
// ("addresses_0_city"), scalars render as strings. The convention is
// independent of any particular response shape.
package flatten

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Flatten converts a nested record into a single-level map of field name
// to scalar string. Numbers decoded as json.Number keep their source
// rendering. JSON null becomes the empty string. Empty objects and arrays
// contribute no keys. When two paths collapse to the same flattened key,
// the one visited last wins.
func Flatten(record map[string]any) map[string]string {
	out := make(map[string]string, len(record))
	for k, v := range record {
		walk(out, k, v)
	}
	return out
}

func walk(out map[string]string, key string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, sub := range t {
			walk(out, key+"_"+k, sub)
		}
	case []any:
		for i, sub := range t {
			walk(out, key+"_"+strconv.Itoa(i), sub)
		}
	default:
		out[key] = renderScalar(v)
	}
}

func renderScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
