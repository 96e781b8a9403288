package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DateLayout is the calendar-date format used by configuration and the
// upstream API.
const DateLayout = "2006-01-02"

// Location is the fixed site being ingested. The marine coordinate is the
// offshore companion point for the marine feed; zero values mean "same as
// the site".
type Location struct {
	Name            string  `json:"name"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	MarineLatitude  float64 `json:"marine_latitude,omitempty"`
	MarineLongitude float64 `json:"marine_longitude,omitempty"`
}

// Validate checks that both coordinates are on the globe.
func (l Location) Validate() error {
	if math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("invalid latitude %v", l.Latitude)
	}
	if math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("invalid longitude %v", l.Longitude)
	}
	mlat, mlon := l.MarinePoint()
	if mlat < -90 || mlat > 90 || mlon < -180 || mlon > 180 {
		return fmt.Errorf("invalid marine point %v,%v", mlat, mlon)
	}
	return nil
}

// MarinePoint returns the coordinate the marine feed is requested at.
func (l Location) MarinePoint() (lat, lon float64) {
	if l.MarineLatitude == 0 && l.MarineLongitude == 0 {
		return l.Latitude, l.Longitude
	}
	return l.MarineLatitude, l.MarineLongitude
}

// HasSeparateMarinePoint reports whether the marine feed needs its own request.
func (l Location) HasSeparateMarinePoint() bool {
	lat, lon := l.MarinePoint()
	return lat != l.Latitude || lon != l.Longitude
}

// SameSite reports whether l and o are requested at the same coordinates.
// Names are labels and do not take part.
func (l Location) SameSite(o Location) bool {
	lmLat, lmLon := l.MarinePoint()
	omLat, omLon := o.MarinePoint()
	return l.Latitude == o.Latitude && l.Longitude == o.Longitude &&
		lmLat == omLat && lmLon == omLon
}

func (l Location) String() string {
	return fmt.Sprintf("%s(%.4f,%.4f)", l.Name, l.Latitude, l.Longitude)
}

// DateRange is an inclusive range of UTC calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange truncates both bounds to UTC midnight and checks ordering.
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: truncateDay(start), End: truncateDay(end)}
	if r.Start.IsZero() || r.End.IsZero() {
		return DateRange{}, errors.New("date range bounds must be set")
	}
	if r.End.Before(r.Start) {
		return DateRange{}, fmt.Errorf("start date %s is after end date %s",
			r.Start.Format(DateLayout), r.End.Format(DateLayout))
	}
	return r, nil
}

// ParseDateRange parses YYYY-MM-DD bounds.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse start date: %w", err)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse end date: %w", err)
	}
	return NewDateRange(s, e)
}

// Days returns the number of calendar days in the range.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start)/(24*time.Hour)) + 1
}

// HourCount returns the number of hourly rows the range must produce.
func (r DateRange) HourCount() int {
	return r.Days() * 24
}

// FirstHour and LastHour bound the hourly grid.
func (r DateRange) FirstHour() time.Time { return r.Start }
func (r DateRange) LastHour() time.Time  { return r.End.Add(23 * time.Hour) }

// Hours returns every hour in the range in ascending order.
func (r DateRange) Hours() []time.Time {
	hours := make([]time.Time, r.HourCount())
	for i := range hours {
		hours[i] = r.Start.Add(time.Duration(i) * time.Hour)
	}
	return hours
}

// Chunks splits the range into consecutive sub-ranges of at most maxDays days.
func (r DateRange) Chunks(maxDays int) []DateRange {
	if maxDays <= 0 || r.Days() <= maxDays {
		return []DateRange{r}
	}
	var chunks []DateRange
	for start := r.Start; !start.After(r.End); start = start.AddDate(0, 0, maxDays) {
		end := start.AddDate(0, 0, maxDays-1)
		if end.After(r.End) {
			end = r.End
		}
		chunks = append(chunks, DateRange{Start: start, End: end})
	}
	return chunks
}

// Overlaps reports whether r and o share at least one day.
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.End.Before(o.Start) && !o.End.Before(r.Start)
}

// Contains reports whether every day of o lies within r.
func (r DateRange) Contains(o DateRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Sample is one variable's reading for one hour. Valid is false when the
// upstream value was null or the hour was missing from the response.
type Sample struct {
	Value float64 `json:"v"`
	Valid bool    `json:"ok"`
}

// Present wraps an observed value.
func Present(v float64) Sample { return Sample{Value: v, Valid: true} }

// RawObservation is one hour as fetched, before repair.
type RawObservation struct {
	Time   time.Time         `json:"time"`
	Values map[string]Sample `json:"values"`
}

// RepairedObservation has every declared variable filled.
type RepairedObservation struct {
	Time   time.Time          `json:"time"`
	Values map[string]float64 `json:"values"`
}

// EnrichedRecord is a repaired row plus its calendar attributes.
type EnrichedRecord struct {
	RepairedObservation
	Calendar Calendar `json:"calendar"`
}

// Calendar holds attributes derived purely from the timestamp.
type Calendar struct {
	Hour      int    `json:"hour" bson:"hour" gorm:"column:hour;not null"`
	DayOfWeek int    `json:"day_of_week" bson:"day_of_week" gorm:"column:day_of_week;not null"`
	IsWeekend bool   `json:"is_weekend" bson:"is_weekend" gorm:"column:is_weekend;not null"`
	MonthName string `json:"month_name" bson:"month_name" gorm:"column:month_name;not null"`
}
