package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Payload is a sample as submitted by a device. Values stay raw so that a
// missing key, an explicit null and a zero reading can be told apart.
type Payload struct {
	Timestamp   json.RawMessage `json:"timestamp"`
	Voltage     json.RawMessage `json:"voltage"`
	SOC         json.RawMessage `json:"soc"`
	Temperature json.RawMessage `json:"temperature"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

var errEmptyValue = errors.New("empty value")

// Instants outside years 0 through 9999 cannot be encoded as RFC 3339.
var (
	minTimestamp = time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC)
)

// Present reports whether the key was sent with a non-null value.
func Present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Blank reports whether raw is absent, null or an empty string.
func Blank(raw json.RawMessage) bool {
	if !Present(raw) {
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return strings.TrimSpace(s) == ""
}

// ParseNumber accepts a JSON number or a numeric string.
func ParseNumber(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if !Present(raw) {
		return 0, errEmptyValue
	}

	var v float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, errEmptyValue
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		v = parsed
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %s", raw)
	}
	return v, nil
}

// ParseOptionalNumber returns nil for an absent, null or empty value.
func ParseOptionalNumber(raw json.RawMessage) (*float64, error) {
	if Blank(raw) {
		return nil, nil
	}
	v, err := ParseNumber(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ParseTimestamp accepts an RFC 3339 string, a zone-less date-time (read as
// UTC) or a number of Unix milliseconds.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if Blank(raw) {
		return time.Time{}, errEmptyValue
	}

	if raw[0] != '"' {
		var ms float64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return time.Time{}, fmt.Errorf("not a timestamp: %s", raw)
		}
		if math.IsNaN(ms) || math.IsInf(ms, 0) ||
			ms < float64(minTimestamp.UnixMilli()) || ms > float64(maxTimestamp.UnixMilli()) {
			return time.Time{}, fmt.Errorf("timestamp out of range: %s", raw)
		}
		return checkRange(time.UnixMilli(int64(ms)).UTC())
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return checkRange(ts.UTC())
		}
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %q", s)
}

func checkRange(ts time.Time) (time.Time, error) {
	if ts.Before(minTimestamp) || ts.After(maxTimestamp) {
		return time.Time{}, fmt.Errorf("timestamp out of range: %s", ts.Format(time.RFC3339))
	}
	return ts, nil
}
