package relational

import (
	"time"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// Physical table names.
const (
	tableCalendar     = "dim_calendar"
	tableFact         = "fact_weather"
	tableSolar        = "view_solar"
	tableAgricultural = "view_agricultural"
	tableMarineWind   = "view_marine_wind"
)

// TableNames maps logical partition tables to physical relational tables.
var TableNames = map[string]string{
	domain.TableFact:         tableFact,
	domain.TableSolar:        tableSolar,
	domain.TableAgricultural: tableAgricultural,
	domain.TableMarineWind:   tableMarineWind,
}

// calendarRow is one day of the calendar dimension.
type calendarRow struct {
	DateKey   int       `gorm:"column:date_key;primaryKey;autoIncrement:false"`
	Date      time.Time `gorm:"column:date;not null"`
	Year      int       `gorm:"column:year;not null"`
	Month     int       `gorm:"column:month;not null"`
	Day       int       `gorm:"column:day;not null"`
	DayOfWeek int       `gorm:"column:day_of_week;not null"`
	IsWeekend bool      `gorm:"column:is_weekend;not null"`
	MonthName string    `gorm:"column:month_name;not null"`
}

func (calendarRow) TableName() string { return tableCalendar }

type factRow struct {
	domain.FactRecord
	CalendarKey int         `gorm:"column:calendar_key;not null;index"`
	CalendarDay calendarRow `gorm:"foreignKey:CalendarKey;references:DateKey;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (factRow) TableName() string { return tableFact }

type solarRow struct{ domain.SolarView }

func (solarRow) TableName() string { return tableSolar }

type agriculturalRow struct{ domain.AgriculturalView }

func (agriculturalRow) TableName() string { return tableAgricultural }

type marineWindRow struct{ domain.MarineWindView }

func (marineWindRow) TableName() string { return tableMarineWind }

// models lists every table in dependency order.
func models() []any {
	return []any{&calendarRow{}, &factRow{}, &solarRow{}, &agriculturalRow{}, &marineWindRow{}}
}

// expectedColumns is what the schema check requires of each table.
var expectedColumns = map[string][]string{
	tableCalendar:     {"date_key", "date", "day_of_week", "is_weekend", "month_name"},
	tableFact:         withKey(append([]string{"calendar_key"}, domain.FactColumns...)),
	tableSolar:        withKey(domain.SolarColumns),
	tableAgricultural: withKey(domain.AgriculturalColumns),
	tableMarineWind:   withKey(domain.MarineWindColumns),
}

func withKey(cols []string) []string {
	out := make([]string, 0, len(cols)+1+len(domain.CalendarColumns))
	out = append(out, domain.ColTime)
	out = append(out, domain.CalendarColumns...)
	return append(out, cols...)
}

func calendarRows(facts []domain.FactRecord) []calendarRow {
	seen := make(map[int]bool)
	var rows []calendarRow
	for _, f := range facts {
		key := domain.DateKey(f.Time)
		if seen[key] {
			continue
		}
		seen[key] = true
		t := f.Time.UTC()
		rows = append(rows, calendarRow{
			DateKey:   key,
			Date:      time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC),
			Year:      t.Year(),
			Month:     int(t.Month()),
			Day:       t.Day(),
			DayOfWeek: f.DayOfWeek,
			IsWeekend: f.IsWeekend,
			MonthName: f.MonthName,
		})
	}
	return rows
}

func factRows(facts []domain.FactRecord) []factRow {
	rows := make([]factRow, len(facts))
	for i, f := range facts {
		rows[i] = factRow{FactRecord: f, CalendarKey: domain.DateKey(f.Time)}
	}
	return rows
}

func solarRows(views []domain.SolarView) []solarRow {
	rows := make([]solarRow, len(views))
	for i, v := range views {
		rows[i] = solarRow{v}
	}
	return rows
}

func agriculturalRows(views []domain.AgriculturalView) []agriculturalRow {
	rows := make([]agriculturalRow, len(views))
	for i, v := range views {
		rows[i] = agriculturalRow{v}
	}
	return rows
}

func marineWindRows(views []domain.MarineWindView) []marineWindRow {
	rows := make([]marineWindRow, len(views))
	for i, v := range views {
		rows[i] = marineWindRow{v}
	}
	return rows
}
