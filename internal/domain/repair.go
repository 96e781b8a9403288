package domain

import (
	"math"
	"slices"
	"time"
)

const (
	// DefaultFenceK is the Tukey fence multiplier applied to the IQR.
	DefaultFenceK = 1.5
	// MissingSentinel fills a variable with no observed value in the range.
	MissingSentinel = 0.0
)

// RepairPolicy configures the quality repair engine.
type RepairPolicy struct {
	FenceK    float64
	Variables []Variable
}

// DefaultRepairPolicy repairs the full schema with the default fence.
func DefaultRepairPolicy() RepairPolicy {
	return RepairPolicy{FenceK: DefaultFenceK, Variables: Variables}
}

// VariableReport summarizes what repair did to one column.
type VariableReport struct {
	Variable     string  `json:"variable"`
	Missing      int     `json:"missing"`
	Imputed      int     `json:"imputed"`
	Clamped      int     `json:"clamped"`
	Clipped      int     `json:"clipped"`
	FenceApplied bool    `json:"fence_applied"`
	FenceLower   float64 `json:"fence_lower,omitempty"`
	FenceUpper   float64 `json:"fence_upper,omitempty"`
	Degraded     bool    `json:"degraded"`
}

// RepairReport is the per-run outcome of repair.
type RepairReport struct {
	Variables []VariableReport `json:"variables"`
	Warnings  []error          `json:"-"`
}

// Degraded returns the columns that were filled with MissingSentinel.
func (r RepairReport) Degraded() []string {
	var cols []string
	for _, v := range r.Variables {
		if v.Degraded {
			cols = append(cols, v.Variable)
		}
	}
	return cols
}

// Totals returns imputed and clipped value counts across all variables.
func (r RepairReport) Totals() (imputed, clipped int) {
	for _, v := range r.Variables {
		imputed += v.Imputed
		clipped += v.Clipped + v.Clamped
	}
	return imputed, clipped
}

// Repair fills and clips every declared variable. Output has the same length
// and order as raw and depends on nothing but raw and the policy.
func (p RepairPolicy) Repair(raw []RawObservation) ([]RepairedObservation, RepairReport) {
	out := make([]RepairedObservation, len(raw))
	times := make([]time.Time, len(raw))
	for i, o := range raw {
		times[i] = o.Time
		out[i] = RepairedObservation{Time: o.Time, Values: make(map[string]float64, len(p.Variables))}
	}

	var report RepairReport
	if len(raw) == 0 {
		return out, report
	}

	col := make([]Sample, len(raw))
	for _, v := range p.Variables {
		for i, o := range raw {
			col[i] = o.Values[v.Name]
		}
		filled, vr := p.repairColumn(v, times, col)
		for i := range out {
			out[i].Values[v.Name] = filled[i]
		}
		report.Variables = append(report.Variables, vr)
		if vr.Degraded {
			report.Warnings = append(report.Warnings, &InsufficientDataError{
				Variable: v.Name,
				Start:    times[0],
				End:      times[len(times)-1],
			})
		}
	}
	return out, report
}

func (p RepairPolicy) repairColumn(v Variable, times []time.Time, col []Sample) ([]float64, VariableReport) {
	rep := VariableReport{Variable: v.Name}
	vals := make([]float64, len(col))
	known := make([]bool, len(col))
	observed := make([]float64, 0, len(col))

	for i, s := range col {
		if !s.Valid || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			rep.Missing++
			continue
		}
		x := s.Value
		switch {
		case x < v.Min:
			x = v.Min
			rep.Clamped++
		case x > v.Max:
			x = v.Max
			rep.Clamped++
		}
		vals[i], known[i] = x, true
		observed = append(observed, x)
	}

	if len(observed) == 0 {
		for i := range vals {
			vals[i] = MissingSentinel
		}
		rep.Degraded = true
		return vals, rep
	}

	if !v.Circular {
		if lo, hi, ok := Fence(observed, p.FenceK); ok {
			rep.FenceApplied, rep.FenceLower, rep.FenceUpper = true, lo, hi
			for i := range vals {
				if !known[i] {
					continue
				}
				switch {
				case vals[i] < lo:
					vals[i] = lo
					rep.Clipped++
				case vals[i] > hi:
					vals[i] = hi
					rep.Clipped++
				}
			}
		}
	}

	interpolate(times, vals, known)
	rep.Imputed = rep.Missing
	return vals, rep
}

// Fence returns the Tukey bounds [Q1 - k*IQR, Q3 + k*IQR] of values. ok is
// false when the IQR is zero, in which case no clipping should happen.
func Fence(values []float64, k float64) (lower, upper float64, ok bool) {
	if len(values) == 0 {
		return 0, 0, false
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		return 0, 0, false
	}
	return q1 - k*iqr, q3 + k*iqr, true
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// interpolate fills unknown cells in place: linear in time between known
// neighbours, nearest known value at the edges. At least one cell must be known.
func interpolate(times []time.Time, vals []float64, known []bool) {
	prev := -1
	for i := range vals {
		if !known[i] {
			continue
		}
		switch {
		case prev == -1:
			for j := 0; j < i; j++ {
				vals[j] = vals[i]
			}
		case i-prev > 1:
			span := times[i].Sub(times[prev]).Seconds()
			for j := prev + 1; j < i; j++ {
				frac := float64(j-prev) / float64(i-prev)
				if span > 0 {
					frac = times[j].Sub(times[prev]).Seconds() / span
				}
				vals[j] = vals[prev] + (vals[i]-vals[prev])*frac
			}
		}
		prev = i
	}
	for j := prev + 1; j < len(vals); j++ {
		vals[j] = vals[prev]
	}
}
