// Package transformer turns raw upstream records into typed destination rows.
//
// Values pass through unchanged apart from sentinel cleanup. Unicode NFC
// normalisation of strings is opt-in (Options.NormalizeUnicode); it only
// rewrites canonically equivalent forms, e.g. "e\u0301" becomes "\u00e9".
package transformer

import (
	"math"

	"golang.org/x/text/unicode/norm"

	"rawgetl/internal/rawg"
)

// Clean returns a copy of v with upstream sentinels replaced by nil, at any
// depth: NaN floats and the literal string "NaT" (the not-a-time marker some
// producers emit for empty dates). Other values are kept as they are. Maps
// and slices are copied, never modified in place.
func Clean(v any) any { return clean(v, false) }

// CleanNFC is Clean plus NFC normalisation of every string, so the same
// title always compares equal in the database.
func CleanNFC(v any) any { return clean(v, true) }

func clean(v any, nfc bool) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(t) {
			return nil
		}
		return t
	case float32:
		if math.IsNaN(float64(t)) {
			return nil
		}
		return t
	case string:
		if t == "NaT" {
			return nil
		}
		if nfc {
			return norm.NFC.String(t)
		}
		return t
	case map[string]any:
		return cleanMap(t, nfc)
	case rawg.RawRecord:
		return cleanMap(t, nfc)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = clean(x, nfc)
		}
		return out
	default:
		return v
	}
}

func cleanMap(m map[string]any, nfc bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, x := range m {
		out[k] = clean(x, nfc)
	}
	return out
}
