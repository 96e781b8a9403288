package domain

// Column names shared by every persisted table and collection. Downstream
// dashboards query by these names, so they must not change.
const (
	VarTemperature2m            = "temperature_2m"
	VarPrecipitation            = "precipitation"
	VarRain                     = "rain"
	VarCloudCover               = "cloud_cover"
	VarCloudCoverLow            = "cloud_cover_low"
	VarCloudCoverMid            = "cloud_cover_mid"
	VarCloudCoverHigh           = "cloud_cover_high"
	VarShortwaveRadiation       = "shortwave_radiation"
	VarDirectRadiation          = "direct_radiation"
	VarDiffuseRadiation         = "diffuse_radiation"
	VarDirectNormalIrradiance   = "direct_normal_irradiance"
	VarWindSpeed10m             = "wind_speed_10m"
	VarWindSpeed100m            = "wind_speed_100m"
	VarWindDirection10m         = "wind_direction_10m"
	VarWindDirection100m        = "wind_direction_100m"
	VarWindGusts10m             = "wind_gusts_10m"
	VarPressureMSL              = "pressure_msl"
	VarSurfacePressure          = "surface_pressure"
	VarET0FAOEvapotranspiration = "et0_fao_evapotranspiration"
	VarVaporPressureDeficit     = "vapor_pressure_deficit"
	VarTemperature2mMarine      = "temperature_2m_marine"
	VarWindSpeed10mMarine       = "wind_speed_10m_marine"
)

// Feed identifies which upstream request supplies a variable.
type Feed string

const (
	FeedLand   Feed = "land"
	FeedMarine Feed = "marine"
)

// Variable describes one measured column: its stored name, the upstream
// parameter that supplies it, and the physical range values are clamped to.
type Variable struct {
	Name     string
	Param    string
	Feed     Feed
	Unit     string
	Min      float64
	Max      float64
	Circular bool // angular values; the outlier fence does not apply
}

// Variables is the full enumerated schema in stored column order.
var Variables = []Variable{
	{Name: VarTemperature2m, Param: "temperature_2m", Feed: FeedLand, Unit: "°C", Min: -90, Max: 60},
	{Name: VarPrecipitation, Param: "precipitation", Feed: FeedLand, Unit: "mm", Min: 0, Max: 500},
	{Name: VarRain, Param: "rain", Feed: FeedLand, Unit: "mm", Min: 0, Max: 500},
	{Name: VarCloudCover, Param: "cloud_cover", Feed: FeedLand, Unit: "%", Min: 0, Max: 100},
	{Name: VarCloudCoverLow, Param: "cloud_cover_low", Feed: FeedLand, Unit: "%", Min: 0, Max: 100},
	{Name: VarCloudCoverMid, Param: "cloud_cover_mid", Feed: FeedLand, Unit: "%", Min: 0, Max: 100},
	{Name: VarCloudCoverHigh, Param: "cloud_cover_high", Feed: FeedLand, Unit: "%", Min: 0, Max: 100},
	{Name: VarShortwaveRadiation, Param: "shortwave_radiation", Feed: FeedLand, Unit: "W/m²", Min: 0, Max: 1500},
	{Name: VarDirectRadiation, Param: "direct_radiation", Feed: FeedLand, Unit: "W/m²", Min: 0, Max: 1500},
	{Name: VarDiffuseRadiation, Param: "diffuse_radiation", Feed: FeedLand, Unit: "W/m²", Min: 0, Max: 1500},
	{Name: VarDirectNormalIrradiance, Param: "direct_normal_irradiance", Feed: FeedLand, Unit: "W/m²", Min: 0, Max: 1500},
	{Name: VarWindSpeed10m, Param: "wind_speed_10m", Feed: FeedLand, Unit: "km/h", Min: 0, Max: 400},
	{Name: VarWindSpeed100m, Param: "wind_speed_100m", Feed: FeedLand, Unit: "km/h", Min: 0, Max: 400},
	{Name: VarWindDirection10m, Param: "wind_direction_10m", Feed: FeedLand, Unit: "°", Min: 0, Max: 360, Circular: true},
	{Name: VarWindDirection100m, Param: "wind_direction_100m", Feed: FeedLand, Unit: "°", Min: 0, Max: 360, Circular: true},
	{Name: VarWindGusts10m, Param: "wind_gusts_10m", Feed: FeedLand, Unit: "km/h", Min: 0, Max: 500},
	{Name: VarPressureMSL, Param: "pressure_msl", Feed: FeedLand, Unit: "hPa", Min: 850, Max: 1100},
	{Name: VarSurfacePressure, Param: "surface_pressure", Feed: FeedLand, Unit: "hPa", Min: 500, Max: 1100},
	{Name: VarET0FAOEvapotranspiration, Param: "et0_fao_evapotranspiration", Feed: FeedLand, Unit: "mm", Min: 0, Max: 30},
	{Name: VarVaporPressureDeficit, Param: "vapour_pressure_deficit", Feed: FeedLand, Unit: "kPa", Min: 0, Max: 15},
	{Name: VarTemperature2mMarine, Param: "temperature_2m", Feed: FeedMarine, Unit: "°C", Min: -90, Max: 60},
	{Name: VarWindSpeed10mMarine, Param: "wind_speed_10m", Feed: FeedMarine, Unit: "km/h", Min: 0, Max: 400},
}

// Calendar column names.
const (
	ColTime      = "time"
	ColHour      = "hour"
	ColDayOfWeek = "day_of_week"
	ColIsWeekend = "is_weekend"
	ColMonthName = "month_name"
)

// CalendarColumns are carried by every table alongside the key.
var CalendarColumns = []string{ColHour, ColDayOfWeek, ColIsWeekend, ColMonthName}

// FactColumns lists the measured columns of the unified fact table.
var FactColumns = variableNames(Variables)

// View column selections. Each must be a subset of FactColumns.
var (
	SolarColumns = []string{
		VarShortwaveRadiation, VarDirectRadiation, VarDiffuseRadiation,
		VarCloudCover, VarCloudCoverLow, VarTemperature2m,
	}
	AgriculturalColumns = []string{
		VarET0FAOEvapotranspiration, VarVaporPressureDeficit,
		VarTemperature2m, VarPrecipitation, VarRain,
	}
	MarineWindColumns = []string{
		VarWindSpeed10m, VarWindSpeed100m, VarWindDirection100m, VarWindGusts10m,
		VarTemperature2mMarine, VarWindSpeed10mMarine, VarPressureMSL, VarSurfacePressure,
	}
)

// LookupVariable returns the schema entry for a column name.
func LookupVariable(name string) (Variable, bool) {
	for _, v := range Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// VariablesForFeed returns the variables supplied by one upstream feed.
func VariablesForFeed(feed Feed) []Variable {
	var out []Variable
	for _, v := range Variables {
		if v.Feed == feed {
			out = append(out, v)
		}
	}
	return out
}

func variableNames(vars []Variable) []string {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	return names
}
