package transformer

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Epoch values at or above this are milliseconds, below it seconds
const millisecondThreshold = 1e12

// MinPlausibleYear is the earliest year a device clock is trusted for
const MinPlausibleYear = 2020

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var deviceTimeKeys = []string{"ts", "timestamp", "time", "date", "dt"}

// ParseTime accepts ISO-8601 strings and epoch seconds or milliseconds,
// either as numbers or numeric strings.
func ParseTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return val.UTC(), !val.IsZero()
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(n)
	default:
		n := Number(val)
		return fromEpoch(n)
	}
}

func fromEpoch(n float64) (time.Time, bool) {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}, false
	}
	if n >= millisecondThreshold {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// Plausible reports whether t is a usable reading time
func Plausible(t time.Time) bool {
	return !t.IsZero() && t.Year() >= MinPlausibleYear
}

// ResolveTime picks the reading time: the device clock when plausible, else
// the transport arrival time, else now. deviceTime is zero when the device
// clock was rejected.
func ResolveTime(body map[string]interface{}, transport, now time.Time) (deviceTime, resolved time.Time) {
	for _, key := range deviceTimeKeys {
		v, ok := body[key]
		if !ok {
			continue
		}
		if t, ok := ParseTime(v); ok && Plausible(t) {
			return t, t
		}
		break
	}
	if Plausible(transport) {
		return time.Time{}, transport.UTC()
	}
	return time.Time{}, now.UTC()
}
