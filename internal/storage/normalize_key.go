package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey converts a primary key value to a canonical string form,
// suitable for in-memory dedupe maps (e.g. 101, int32(101) and "101" all
// become "101").
//
// Rows reach the sink from typed structs, but callers may also hand in
// decoded JSON, so the helper does not assume one underlying type.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
