package openmeteo

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// ErrMalformedResponse means the payload does not match the hourly contract.
var ErrMalformedResponse = errors.New("malformed weather API response")

// Timestamps come back as local wall time in the requested zone (UTC).
const hourLayout = "2006-01-02T15:04"

// Open-Meteo API response types.

type archiveResponse struct {
	Hourly map[string]json.RawMessage `json:"hourly"`
}

type errorResponse struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// series is one parsed hourly response: a time index plus nullable columns.
type series struct {
	index   map[int64]int
	columns map[string][]*float64
}

func (s *series) sample(param string, h time.Time) domain.Sample {
	i, ok := s.index[h.Unix()]
	if !ok {
		return domain.Sample{}
	}
	col := s.columns[param]
	if col == nil || col[i] == nil {
		return domain.Sample{}
	}
	return domain.Present(*col[i])
}

// parseSeries validates the payload at the boundary: the time array must
// exist, every requested column must match its length, and timestamps must
// be hour-aligned and strictly ascending. Requested columns the API omitted
// are treated as all-null.
func parseSeries(body []byte, params []string) (*series, error) {
	var resp archiveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	rawTimes, ok := resp.Hourly["time"]
	if !ok {
		return nil, fmt.Errorf("%w: hourly.time missing", ErrMalformedResponse)
	}
	var times []string
	if err := json.Unmarshal(rawTimes, &times); err != nil {
		return nil, fmt.Errorf("%w: hourly.time: %v", ErrMalformedResponse, err)
	}

	s := &series{
		index:   make(map[int64]int, len(times)),
		columns: make(map[string][]*float64, len(params)),
	}
	var prev time.Time
	for i, raw := range times {
		t, err := parseHour(raw)
		if err != nil {
			return nil, &domain.MalformedTimestampError{Index: i, Value: raw, Reason: err.Error()}
		}
		if !t.Truncate(time.Hour).Equal(t) {
			return nil, &domain.MalformedTimestampError{Index: i, Value: raw, Reason: "not aligned to the hour"}
		}
		if i > 0 && !t.After(prev) {
			return nil, &domain.MalformedTimestampError{Index: i, Value: raw, Reason: "not strictly ascending"}
		}
		prev = t
		s.index[t.Unix()] = i
	}

	for _, p := range params {
		raw, ok := resp.Hourly[p]
		if !ok {
			continue
		}
		var col []*float64
		if err := json.Unmarshal(raw, &col); err != nil {
			return nil, fmt.Errorf("%w: hourly.%s: %v", ErrMalformedResponse, p, err)
		}
		if len(col) != len(times) {
			return nil, fmt.Errorf("%w: hourly.%s has %d values for %d timestamps",
				ErrMalformedResponse, p, len(col), len(times))
		}
		s.columns[p] = col
	}
	return s, nil
}

func parseHour(raw string) (time.Time, error) {
	if t, err := time.Parse(hourLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("unparseable timestamp")
	}
	return t.UTC(), nil
}

// apiReason extracts the API's error reason, falling back to the raw body.
func apiReason(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Reason != "" {
		return e.Reason
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}
