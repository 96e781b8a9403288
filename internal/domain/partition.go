package domain

import (
	"errors"
	"fmt"
	"time"
)

// FactRecord is the unified hourly record. It is the only input both stores
// are written from.
type FactRecord struct {
	Time     time.Time `json:"time" bson:"time" gorm:"column:time;primaryKey"`
	Calendar `bson:",inline"`

	Temperature2m            float64 `json:"temperature_2m" bson:"temperature_2m" gorm:"column:temperature_2m"`
	Precipitation            float64 `json:"precipitation" bson:"precipitation" gorm:"column:precipitation"`
	Rain                     float64 `json:"rain" bson:"rain" gorm:"column:rain"`
	CloudCover               float64 `json:"cloud_cover" bson:"cloud_cover" gorm:"column:cloud_cover"`
	CloudCoverLow            float64 `json:"cloud_cover_low" bson:"cloud_cover_low" gorm:"column:cloud_cover_low"`
	CloudCoverMid            float64 `json:"cloud_cover_mid" bson:"cloud_cover_mid" gorm:"column:cloud_cover_mid"`
	CloudCoverHigh           float64 `json:"cloud_cover_high" bson:"cloud_cover_high" gorm:"column:cloud_cover_high"`
	ShortwaveRadiation       float64 `json:"shortwave_radiation" bson:"shortwave_radiation" gorm:"column:shortwave_radiation"`
	DirectRadiation          float64 `json:"direct_radiation" bson:"direct_radiation" gorm:"column:direct_radiation"`
	DiffuseRadiation         float64 `json:"diffuse_radiation" bson:"diffuse_radiation" gorm:"column:diffuse_radiation"`
	DirectNormalIrradiance   float64 `json:"direct_normal_irradiance" bson:"direct_normal_irradiance" gorm:"column:direct_normal_irradiance"`
	WindSpeed10m             float64 `json:"wind_speed_10m" bson:"wind_speed_10m" gorm:"column:wind_speed_10m"`
	WindSpeed100m            float64 `json:"wind_speed_100m" bson:"wind_speed_100m" gorm:"column:wind_speed_100m"`
	WindDirection10m         float64 `json:"wind_direction_10m" bson:"wind_direction_10m" gorm:"column:wind_direction_10m"`
	WindDirection100m        float64 `json:"wind_direction_100m" bson:"wind_direction_100m" gorm:"column:wind_direction_100m"`
	WindGusts10m             float64 `json:"wind_gusts_10m" bson:"wind_gusts_10m" gorm:"column:wind_gusts_10m"`
	PressureMSL              float64 `json:"pressure_msl" bson:"pressure_msl" gorm:"column:pressure_msl"`
	SurfacePressure          float64 `json:"surface_pressure" bson:"surface_pressure" gorm:"column:surface_pressure"`
	ET0FAOEvapotranspiration float64 `json:"et0_fao_evapotranspiration" bson:"et0_fao_evapotranspiration" gorm:"column:et0_fao_evapotranspiration"`
	VaporPressureDeficit     float64 `json:"vapor_pressure_deficit" bson:"vapor_pressure_deficit" gorm:"column:vapor_pressure_deficit"`
	Temperature2mMarine      float64 `json:"temperature_2m_marine" bson:"temperature_2m_marine" gorm:"column:temperature_2m_marine"`
	WindSpeed10mMarine       float64 `json:"wind_speed_10m_marine" bson:"wind_speed_10m_marine" gorm:"column:wind_speed_10m_marine"`
}

// SolarView is the solar projection of FactRecord.
type SolarView struct {
	Time     time.Time `json:"time" bson:"time" gorm:"column:time;primaryKey"`
	Calendar `bson:",inline"`

	ShortwaveRadiation float64 `json:"shortwave_radiation" bson:"shortwave_radiation" gorm:"column:shortwave_radiation"`
	DirectRadiation    float64 `json:"direct_radiation" bson:"direct_radiation" gorm:"column:direct_radiation"`
	DiffuseRadiation   float64 `json:"diffuse_radiation" bson:"diffuse_radiation" gorm:"column:diffuse_radiation"`
	CloudCover         float64 `json:"cloud_cover" bson:"cloud_cover" gorm:"column:cloud_cover"`
	CloudCoverLow      float64 `json:"cloud_cover_low" bson:"cloud_cover_low" gorm:"column:cloud_cover_low"`
	Temperature2m      float64 `json:"temperature_2m" bson:"temperature_2m" gorm:"column:temperature_2m"`
}

// AgriculturalView is the agricultural projection of FactRecord.
type AgriculturalView struct {
	Time     time.Time `json:"time" bson:"time" gorm:"column:time;primaryKey"`
	Calendar `bson:",inline"`

	ET0FAOEvapotranspiration float64 `json:"et0_fao_evapotranspiration" bson:"et0_fao_evapotranspiration" gorm:"column:et0_fao_evapotranspiration"`
	VaporPressureDeficit     float64 `json:"vapor_pressure_deficit" bson:"vapor_pressure_deficit" gorm:"column:vapor_pressure_deficit"`
	Temperature2m            float64 `json:"temperature_2m" bson:"temperature_2m" gorm:"column:temperature_2m"`
	Precipitation            float64 `json:"precipitation" bson:"precipitation" gorm:"column:precipitation"`
	Rain                     float64 `json:"rain" bson:"rain" gorm:"column:rain"`
}

// MarineWindView is the marine and wind projection of FactRecord.
type MarineWindView struct {
	Time     time.Time `json:"time" bson:"time" gorm:"column:time;primaryKey"`
	Calendar `bson:",inline"`

	WindSpeed10m        float64 `json:"wind_speed_10m" bson:"wind_speed_10m" gorm:"column:wind_speed_10m"`
	WindSpeed100m       float64 `json:"wind_speed_100m" bson:"wind_speed_100m" gorm:"column:wind_speed_100m"`
	WindDirection100m   float64 `json:"wind_direction_100m" bson:"wind_direction_100m" gorm:"column:wind_direction_100m"`
	WindGusts10m        float64 `json:"wind_gusts_10m" bson:"wind_gusts_10m" gorm:"column:wind_gusts_10m"`
	Temperature2mMarine float64 `json:"temperature_2m_marine" bson:"temperature_2m_marine" gorm:"column:temperature_2m_marine"`
	WindSpeed10mMarine  float64 `json:"wind_speed_10m_marine" bson:"wind_speed_10m_marine" gorm:"column:wind_speed_10m_marine"`
	PressureMSL         float64 `json:"pressure_msl" bson:"pressure_msl" gorm:"column:pressure_msl"`
	SurfacePressure     float64 `json:"surface_pressure" bson:"surface_pressure" gorm:"column:surface_pressure"`
}

// NewFactRecord builds the unified record from an enriched row. Variables
// absent from the row read as zero; repair guarantees they are present.
func NewFactRecord(rec EnrichedRecord) FactRecord {
	v := rec.Values
	return FactRecord{
		Time:                     rec.Time,
		Calendar:                 rec.Calendar,
		Temperature2m:            v[VarTemperature2m],
		Precipitation:            v[VarPrecipitation],
		Rain:                     v[VarRain],
		CloudCover:               v[VarCloudCover],
		CloudCoverLow:            v[VarCloudCoverLow],
		CloudCoverMid:            v[VarCloudCoverMid],
		CloudCoverHigh:           v[VarCloudCoverHigh],
		ShortwaveRadiation:       v[VarShortwaveRadiation],
		DirectRadiation:          v[VarDirectRadiation],
		DiffuseRadiation:         v[VarDiffuseRadiation],
		DirectNormalIrradiance:   v[VarDirectNormalIrradiance],
		WindSpeed10m:             v[VarWindSpeed10m],
		WindSpeed100m:            v[VarWindSpeed100m],
		WindDirection10m:         v[VarWindDirection10m],
		WindDirection100m:        v[VarWindDirection100m],
		WindGusts10m:             v[VarWindGusts10m],
		PressureMSL:              v[VarPressureMSL],
		SurfacePressure:          v[VarSurfacePressure],
		ET0FAOEvapotranspiration: v[VarET0FAOEvapotranspiration],
		VaporPressureDeficit:     v[VarVaporPressureDeficit],
		Temperature2mMarine:      v[VarTemperature2mMarine],
		WindSpeed10mMarine:       v[VarWindSpeed10mMarine],
	}
}

// Solar projects the record onto the solar view.
func (f FactRecord) Solar() SolarView {
	return SolarView{
		Time:               f.Time,
		Calendar:           f.Calendar,
		ShortwaveRadiation: f.ShortwaveRadiation,
		DirectRadiation:    f.DirectRadiation,
		DiffuseRadiation:   f.DiffuseRadiation,
		CloudCover:         f.CloudCover,
		CloudCoverLow:      f.CloudCoverLow,
		Temperature2m:      f.Temperature2m,
	}
}

// Agricultural projects the record onto the agricultural view.
func (f FactRecord) Agricultural() AgriculturalView {
	return AgriculturalView{
		Time:                     f.Time,
		Calendar:                 f.Calendar,
		ET0FAOEvapotranspiration: f.ET0FAOEvapotranspiration,
		VaporPressureDeficit:     f.VaporPressureDeficit,
		Temperature2m:            f.Temperature2m,
		Precipitation:            f.Precipitation,
		Rain:                     f.Rain,
	}
}

// MarineWind projects the record onto the marine/wind view.
func (f FactRecord) MarineWind() MarineWindView {
	return MarineWindView{
		Time:                f.Time,
		Calendar:            f.Calendar,
		WindSpeed10m:        f.WindSpeed10m,
		WindSpeed100m:       f.WindSpeed100m,
		WindDirection100m:   f.WindDirection100m,
		WindGusts10m:        f.WindGusts10m,
		Temperature2mMarine: f.Temperature2mMarine,
		WindSpeed10mMarine:  f.WindSpeed10mMarine,
		PressureMSL:         f.PressureMSL,
		SurfacePressure:     f.SurfacePressure,
	}
}

// Table names shared by both stores' outputs.
const (
	TableFact         = "fact"
	TableSolar        = "solar"
	TableAgricultural = "agricultural"
	TableMarineWind   = "marine_wind"
)

// Partition is the four-way output of the partitioner. All slices have the
// same length and the same key at every index.
type Partition struct {
	Fact         []FactRecord       `json:"fact"`
	Solar        []SolarView        `json:"solar"`
	Agricultural []AgriculturalView `json:"agricultural"`
	MarineWind   []MarineWindView   `json:"marine_wind"`
}

// PartitionRecords projects enriched rows into the fact table and the views.
func PartitionRecords(records []EnrichedRecord) Partition {
	p := Partition{
		Fact:         make([]FactRecord, len(records)),
		Solar:        make([]SolarView, len(records)),
		Agricultural: make([]AgriculturalView, len(records)),
		MarineWind:   make([]MarineWindView, len(records)),
	}
	for i, rec := range records {
		f := NewFactRecord(rec)
		p.Fact[i] = f
		p.Solar[i] = f.Solar()
		p.Agricultural[i] = f.Agricultural()
		p.MarineWind[i] = f.MarineWind()
	}
	return p
}

// Len returns the row count shared by all four outputs.
func (p Partition) Len() int { return len(p.Fact) }

// Validate checks the invariants stores rely on: equal row counts, matching
// keys across outputs, and unique ascending hourly keys.
func (p Partition) Validate() error {
	n := len(p.Fact)
	if len(p.Solar) != n || len(p.Agricultural) != n || len(p.MarineWind) != n {
		return fmt.Errorf("row counts differ: fact=%d solar=%d agricultural=%d marine_wind=%d",
			n, len(p.Solar), len(p.Agricultural), len(p.MarineWind))
	}
	var prev time.Time
	for i, f := range p.Fact {
		if f.Time.IsZero() {
			return fmt.Errorf("row %d: zero key", i)
		}
		if i > 0 && !f.Time.After(prev) {
			return fmt.Errorf("row %d: key %s not ascending", i, f.Time.Format(time.RFC3339))
		}
		prev = f.Time
		if !p.Solar[i].Time.Equal(f.Time) || !p.Agricultural[i].Time.Equal(f.Time) || !p.MarineWind[i].Time.Equal(f.Time) {
			return fmt.Errorf("row %d: view keys diverge from fact key %s", i, f.Time.Format(time.RFC3339))
		}
	}
	return nil
}

// Span returns the first and last key, or an error for an empty partition.
func (p Partition) Span() (first, last time.Time, err error) {
	if len(p.Fact) == 0 {
		return time.Time{}, time.Time{}, errors.New("empty partition")
	}
	return p.Fact[0].Time, p.Fact[len(p.Fact)-1].Time, nil
}
