// Package domain models hourly weather observations for a single site and the
// analytic tables derived from them.
//
// # Data Source
//
// Observations come from the Open-Meteo historical archive API. A request
// names a coordinate, an inclusive date range, and a list of hourly variables;
// the response carries a time array plus one parallel value array per
// variable. Absent values arrive as JSON null.
//
// The marine variables (temperature_2m_marine, wind_speed_10m_marine) are the
// same upstream parameters requested at the site's offshore companion point.
// When no companion point is configured the land values are reused.
//
// # Stages
//
// Raw rows ([RawObservation]) keep absent cells explicit as invalid [Sample]
// values. [RepairPolicy.Repair] produces [RepairedObservation] rows with every
// declared variable filled:
//
//	1. clamp to the variable's physical range (see [Variables])
//	2. clip to the Tukey fence [Q1 - k*IQR, Q3 + k*IQR], k = [DefaultFenceK]
//	3. linearly interpolate gaps in time; carry values across range edges
//	4. fill fully-missing columns with [MissingSentinel] and flag them degraded
//
// The fence is computed from observed values only. Columns whose IQR is zero
// (precipitation during a dry spell, for example) and circular columns (wind
// direction) skip step 2.
//
// [Enrich] adds calendar attributes. Day of week counts from Monday = 0, so
// Saturday and Sunday are 5 and 6.
//
// [PartitionRecords] projects enriched rows into the unified [FactRecord]
// table and the [SolarView], [AgriculturalView] and [MarineWindView]
// tables. Projection never filters rows.
//
// # Keys
//
// Every persisted table is keyed by the hourly UTC timestamp ("time"). The
// relational calendar dimension is keyed by [DateKey], an integer of the form
// YYYYMMDD.
package domain
