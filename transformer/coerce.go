package transformer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultErrorCode is reported when a device sends no usable error code
const DefaultErrorCode = "0000"

// Number coerces a raw field to float64. Anything that does not parse to a
// finite number becomes 0.
func Number(v interface{}) float64 {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case uint:
		f = float64(val)
	case uint32:
		f = float64(val)
	case uint64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		f = parsed
	case bool:
		if val {
			f = 1
		}
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// field returns the first alias present in body, coerced with Number
func field(body map[string]interface{}, aliases ...string) float64 {
	for _, key := range aliases {
		if v, ok := body[key]; ok {
			return Number(v)
		}
	}
	return 0
}

// ErrorCode normalizes a device error code to four digits
func ErrorCode(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return DefaultErrorCode
	case string:
		s := strings.TrimSpace(val)
		if s == "" || len(s) > 4 {
			return DefaultErrorCode
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return DefaultErrorCode
			}
		}
		return strings.Repeat("0", 4-len(s)) + s
	default:
		n := Number(val)
		if n < 0 || n > 9999 || n != math.Trunc(n) {
			return DefaultErrorCode
		}
		return fmt.Sprintf("%04d", int(n))
	}
}

func errorCode(body map[string]interface{}) string {
	for _, key := range []string{"error", "err", "e"} {
		if v, ok := body[key]; ok {
			return ErrorCode(v)
		}
	}
	return DefaultErrorCode
}
