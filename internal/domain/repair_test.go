package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

func hour(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }

func tempPolicy() RepairPolicy {
	v, _ := LookupVariable(VarTemperature2m)
	return RepairPolicy{FenceK: DefaultFenceK, Variables: []Variable{v}}
}

func rawTemps(vals ...*float64) []RawObservation {
	rows := make([]RawObservation, len(vals))
	for i, v := range vals {
		s := Sample{}
		if v != nil {
			s = Present(*v)
		}
		rows[i] = RawObservation{Time: hour(i), Values: map[string]Sample{VarTemperature2m: s}}
	}
	return rows
}

func f(v float64) *float64 { return &v }

func TestRepair_InterpolatesBetweenNeighbours(t *testing.T) {
	raw := []RawObservation{
		{Time: hour(4), Values: map[string]Sample{VarTemperature2m: Present(10.0)}},
		{Time: hour(5), Values: map[string]Sample{VarTemperature2m: {}}},
		{Time: hour(6), Values: map[string]Sample{VarTemperature2m: Present(12.0)}},
	}

	out, report := tempPolicy().Repair(raw)

	require.Len(t, out, 3)
	assert.Equal(t, 11.0, out[1].Values[VarTemperature2m])
	assert.Equal(t, hour(5), out[1].Time)
	assert.Equal(t, 1, report.Variables[0].Missing)
	assert.Equal(t, 1, report.Variables[0].Imputed)
	assert.Empty(t, report.Degraded())
}

func TestRepair_InterpolatesByElapsedTime(t *testing.T) {
	raw := []RawObservation{
		{Time: hour(0), Values: map[string]Sample{VarTemperature2m: Present(0)}},
		{Time: hour(3), Values: map[string]Sample{}},
		{Time: hour(4), Values: map[string]Sample{VarTemperature2m: Present(8)}},
	}

	out, _ := tempPolicy().Repair(raw)

	assert.InDelta(t, 6.0, out[1].Values[VarTemperature2m], 1e-9)
}

func TestRepair_CarriesValuesAcrossEdges(t *testing.T) {
	out, _ := tempPolicy().Repair(rawTemps(nil, nil, f(5), f(6), nil))

	got := []float64{}
	for _, o := range out {
		got = append(got, o.Values[VarTemperature2m])
	}
	assert.Equal(t, []float64{5, 5, 5, 6, 6}, got)
}

func TestRepair_ClipsToFence(t *testing.T) {
	out, report := tempPolicy().Repair(rawTemps(f(10), f(11), f(12), f(13), f(14), f(55)))

	vr := report.Variables[0]
	require.True(t, vr.FenceApplied)
	assert.Equal(t, 1, vr.Clipped)
	assert.Equal(t, vr.FenceUpper, out[5].Values[VarTemperature2m])
	assert.Less(t, out[5].Values[VarTemperature2m], 55.0)
	assert.Equal(t, 10.0, out[0].Values[VarTemperature2m])
	assert.Len(t, out, 6)
}

func TestRepair_ClampsToPhysicalRange(t *testing.T) {
	v, _ := LookupVariable(VarCloudCover)
	p := RepairPolicy{FenceK: DefaultFenceK, Variables: []Variable{v}}
	raw := []RawObservation{
		{Time: hour(0), Values: map[string]Sample{VarCloudCover: Present(-5)}},
		{Time: hour(1), Values: map[string]Sample{VarCloudCover: Present(120)}},
	}

	out, report := p.Repair(raw)

	assert.Equal(t, 0.0, out[0].Values[VarCloudCover])
	assert.Equal(t, 100.0, out[1].Values[VarCloudCover])
	assert.Equal(t, 2, report.Variables[0].Clamped)
}

func TestRepair_DegenerateFenceSkipsClipping(t *testing.T) {
	v, _ := LookupVariable(VarPrecipitation)
	p := RepairPolicy{FenceK: DefaultFenceK, Variables: []Variable{v}}
	raw := make([]RawObservation, 10)
	for i := range raw {
		raw[i] = RawObservation{Time: hour(i), Values: map[string]Sample{VarPrecipitation: Present(0)}}
	}
	raw[7].Values[VarPrecipitation] = Present(12.5)

	out, report := p.Repair(raw)

	assert.False(t, report.Variables[0].FenceApplied)
	assert.Equal(t, 12.5, out[7].Values[VarPrecipitation])
}

func TestRepair_CircularVariableNotFenced(t *testing.T) {
	v, _ := LookupVariable(VarWindDirection100m)
	p := RepairPolicy{FenceK: DefaultFenceK, Variables: []Variable{v}}
	dirs := []float64{10, 12, 11, 13, 12, 350}
	raw := make([]RawObservation, len(dirs))
	for i, d := range dirs {
		raw[i] = RawObservation{Time: hour(i), Values: map[string]Sample{VarWindDirection100m: Present(d)}}
	}

	out, report := p.Repair(raw)

	assert.False(t, report.Variables[0].FenceApplied)
	assert.Equal(t, 350.0, out[5].Values[VarWindDirection100m])
}

func TestRepair_FullyMissingColumnIsDegraded(t *testing.T) {
	raw := make([]RawObservation, 24)
	for i := range raw {
		raw[i] = RawObservation{Time: hour(i), Values: map[string]Sample{VarTemperature2m: Present(float64(i))}}
	}

	out, report := DefaultRepairPolicy().Repair(raw)

	require.Len(t, out, 24)
	for _, o := range out {
		assert.Len(t, o.Values, len(Variables))
		assert.Equal(t, MissingSentinel, o.Values[VarRain])
	}
	assert.Contains(t, report.Degraded(), VarRain)
	assert.NotContains(t, report.Degraded(), VarTemperature2m)
	assert.Len(t, report.Warnings, len(Variables)-1)

	var insufficient *InsufficientDataError
	require.True(t, errors.As(report.Warnings[0], &insufficient))
	assert.Equal(t, hour(0), insufficient.Start)
	assert.Equal(t, hour(23), insufficient.End)
}

func TestRepair_IsDeterministic(t *testing.T) {
	raw := rawTemps(f(3.3), nil, f(7.1), f(-2), nil, nil, f(40), f(4.4), nil)

	first, _ := tempPolicy().Repair(raw)
	second, _ := tempPolicy().Repair(raw)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repair not deterministic (-first +second):\n%s", diff)
	}
}

func TestRepair_EmptyInput(t *testing.T) {
	out, report := DefaultRepairPolicy().Repair(nil)
	assert.Empty(t, out)
	assert.Empty(t, report.Warnings)
}

func TestFence(t *testing.T) {
	lo, hi, ok := Fence([]float64{1, 2, 3, 4, 5}, 1.5)
	require.True(t, ok)
	// Q1 = 2, Q3 = 4, IQR = 2
	assert.Equal(t, -1.0, lo)
	assert.Equal(t, 7.0, hi)

	_, _, ok = Fence([]float64{3, 3, 3}, 1.5)
	assert.False(t, ok)
}

func TestQuantile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	assert.Equal(t, 10.0, quantile(sorted, 0))
	assert.Equal(t, 17.5, quantile(sorted, 0.25))
	assert.Equal(t, 40.0, quantile(sorted, 1))
}
