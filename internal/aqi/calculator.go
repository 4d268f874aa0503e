// Package aqi converts raw pollutant and gas-sensor measurements into an Air
// Quality Index score and health category.
//
// Everything in this package is pure and deterministic: the same measurements
// under the same tables always produce the same index.
package aqi

import (
	"math"
)

// truncEpsilon absorbs binary representation error before truncating
// (2.3*10 is 22.999999999999996 in float64).
const truncEpsilon = 1e-9

// Compute returns the index for concentration c under table t.
//
// The concentration is first truncated to the table precision. Values below
// the first range yield the table's lowest index and values above the last
// range yield its highest index; Compute never fails.
func Compute(t Table, c float64) int {
	bps := t.Breakpoints
	if len(bps) == 0 {
		return 0
	}

	c = truncate(c, t.Precision)
	if c < bps[0].CLow {
		return bps[0].ILow
	}

	for _, bp := range bps {
		if c >= bp.CLow && c <= bp.CHigh {
			return interpolate(bp, c)
		}
	}

	return bps[len(bps)-1].IHigh
}

// CategoryFor returns the category whose range contains aqi. Values above the
// last range map to the most severe category.
func CategoryFor(aqi int) Category {
	if aqi < Categories[0].Low {
		return Categories[0]
	}
	for _, cat := range Categories {
		if aqi >= cat.Low && aqi <= cat.High {
			return cat
		}
	}
	return Categories[len(Categories)-1]
}

// MaxIndex is the upper bound of the category table.
func MaxIndex() int {
	return Categories[len(Categories)-1].High
}

func interpolate(bp Breakpoint, c float64) int {
	if bp.CHigh == bp.CLow {
		return bp.IHigh
	}
	slope := float64(bp.IHigh-bp.ILow) / (bp.CHigh - bp.CLow)
	return int(math.Round(slope*(c-bp.CLow) + float64(bp.ILow)))
}

func truncate(c float64, precision int) float64 {
	scale := math.Pow10(precision)
	return math.Trunc(c*scale+truncEpsilon) / scale
}
