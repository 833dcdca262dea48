package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Key derives a stable cache key of the form
// {logical_query_name}:{param1}:{param2}:... so identical logical queries
// map to identical keys regardless of call site. Floats are rendered with
// the shortest exact representation to keep 0.7 and 0.70 distinct from
// 0.75 but identical to each other.
func Key(name string, params ...any) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, name)
	for _, p := range params {
		parts = append(parts, formatParam(p))
	}
	return strings.Join(parts, ":")
}

func formatParam(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
