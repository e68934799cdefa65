// Package training computes per-activity training metrics (heart-rate and
// pace reserve, TRIMP, VO2max estimate) and the daily ATL/CTL/TSB series.
// Everything here is pure; callers own I/O and logging.
package training

import (
	"math"

	"github.com/fitglue/stravasync/pkg/types"
)

// HRReserve is the fraction of heart-rate reserve used at avgHR.
func HRReserve(avgHR, restingHR, maxHR float64) (float64, bool) {
	if maxHR <= restingHR || avgHR <= 0 {
		return 0, false
	}
	return (avgHR - restingHR) / (maxHR - restingHR), true
}

// PaceReserve is average speed relative to threshold speed.
func PaceReserve(avgSpeed, thresholdSpeed float64) (float64, bool) {
	if thresholdSpeed <= 0 || avgSpeed <= 0 {
		return 0, false
	}
	return avgSpeed / thresholdSpeed, true
}

func genderCoefficient(g types.Gender) float64 {
	if g == types.GenderFemale {
		return 1.67
	}
	return 1.92
}

// TRIMP is Banister's training impulse. When durationInSeconds is set the
// duration is converted to minutes first.
func TRIMP(duration, reserve float64, gender types.Gender, durationInSeconds bool) float64 {
	minutes := duration
	if durationInSeconds {
		minutes = duration / 60
	}
	return minutes * reserve * 0.64 * math.Exp(genderCoefficient(gender)*reserve)
}

// Zone buckets a TRIMP score.
func Zone(trimp float64) string {
	switch {
	case trimp < 50:
		return "Recovery"
	case trimp < 100:
		return "Easy"
	case trimp < 150:
		return "Moderate"
	case trimp < 250:
		return "Hard"
	default:
		return "Very Hard"
	}
}

// VO2MaxPercentage maps a fraction of max heart rate to a fraction of VO2max.
// Results outside [0,1] are rejected.
func VO2MaxPercentage(hrMaxPercentage float64) (float64, bool) {
	pct := (hrMaxPercentage - 0.26) / 0.706
	if pct < 0 || pct > 1 {
		return 0, false
	}
	return pct, true
}

// durationAdjustment is the fraction of VO2max sustainable for the given
// number of minutes (Daniels/Gilbert).
func durationAdjustment(minutes float64) float64 {
	return 0.8 + 0.1894393*math.Exp(-0.012778*minutes) + 0.2989558*math.Exp(-0.1932605*minutes)
}

// VO2MaxEstimate estimates VO2max from a steady effort. ok is false when the
// heart-rate percentage maps outside the usable range or the inputs are empty.
func VO2MaxEstimate(distanceMeters, durationMinutes, hrMaxPercentage float64) (float64, bool) {
	if distanceMeters <= 0 || durationMinutes <= 0 {
		return 0, false
	}
	pct, ok := VO2MaxPercentage(hrMaxPercentage)
	if !ok || pct == 0 {
		return 0, false
	}
	v := distanceMeters / durationMinutes
	unadjusted := -4.6 + 0.182258*v + 0.000104*v*v
	return unadjusted / durationAdjustment(durationMinutes) / pct, true
}
