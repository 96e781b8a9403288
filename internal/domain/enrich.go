package domain

import "time"

// DeriveCalendar computes the calendar attributes of an hourly timestamp.
// Day of week is Monday = 0 through Sunday = 6.
func DeriveCalendar(t time.Time) Calendar {
	t = t.UTC()
	dow := (int(t.Weekday()) + 6) % 7
	return Calendar{
		Hour:      t.Hour(),
		DayOfWeek: dow,
		IsWeekend: dow >= 5,
		MonthName: t.Month().String(),
	}
}

// DateKey is the calendar dimension key of t, e.g. 20230101.
func DateKey(t time.Time) int {
	t = t.UTC()
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// Enrich attaches calendar attributes to each row. Timestamps must be set,
// hour-aligned, and strictly ascending.
func Enrich(rows []RepairedObservation) ([]EnrichedRecord, error) {
	out := make([]EnrichedRecord, len(rows))
	var prev time.Time
	for i, r := range rows {
		if err := checkTimestamp(i, r.Time, prev); err != nil {
			return nil, err
		}
		prev = r.Time
		out[i] = EnrichedRecord{
			RepairedObservation: RepairedObservation{Time: r.Time.UTC(), Values: r.Values},
			Calendar:            DeriveCalendar(r.Time),
		}
	}
	return out, nil
}

func checkTimestamp(i int, t, prev time.Time) error {
	value := t.Format(time.RFC3339)
	switch {
	case t.IsZero():
		return &MalformedTimestampError{Index: i, Value: value, Reason: "zero timestamp"}
	case !t.Truncate(time.Hour).Equal(t):
		return &MalformedTimestampError{Index: i, Value: value, Reason: "not aligned to the hour"}
	case i > 0 && !t.After(prev):
		return &MalformedTimestampError{Index: i, Value: value, Reason: "not strictly ascending"}
	}
	return nil
}
