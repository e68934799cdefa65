package training

import "github.com/fitglue/stravasync/pkg/types"

// Metrics are the derived fields of one enriched activity. Nil means the
// inputs were insufficient.
type Metrics struct {
	HRReserve       *float64
	PaceReserve     *float64
	HRTrimp         *float64
	PaceTrimp       *float64
	HRMaxPercentage *float64
	VO2MaxEstimate  *float64
	Zone            string
	Laps            []types.Lap
	Gaps            []LapGap
}

// Compute derives every metric for an activity. stream may be nil, in which
// case laps are left as they are.
func Compute(a *types.Activity, stream *types.Stream, settings *types.UserSettings) Metrics {
	var m Metrics
	gender := types.GenderMale
	if settings != nil && settings.Gender != "" {
		gender = settings.Gender
	}
	duration := float64(a.MovingTime)
	if duration <= 0 {
		duration = float64(a.ElapsedTime)
	}

	if settings != nil && a.AverageHeartrate != nil {
		if r, ok := HRReserve(*a.AverageHeartrate, settings.RestingHeartrate, settings.MaxHeartrate); ok {
			m.HRReserve = types.Float(r)
			m.HRTrimp = types.Float(TRIMP(duration, r, gender, true))
		}
		if settings.MaxHeartrate > 0 {
			pct := *a.AverageHeartrate / settings.MaxHeartrate
			m.HRMaxPercentage = types.Float(pct)
			if v, ok := VO2MaxEstimate(a.Distance, duration/60, pct); ok {
				m.VO2MaxEstimate = types.Float(v)
			}
		}
	}
	if settings != nil {
		if r, ok := PaceReserve(a.AverageSpeed, settings.ThresholdPace); ok {
			m.PaceReserve = types.Float(r)
			m.PaceTrimp = types.Float(TRIMP(duration, r, gender, true))
		}
	}

	if m.HRTrimp != nil || m.PaceTrimp != nil {
		m.Zone = Zone(ActivityStress(&types.Activity{HRTrimp: m.HRTrimp, PaceTrimp: m.PaceTrimp}))
	}

	m.Laps = a.Laps
	if stream != nil && stream.Len() > 0 && len(a.Laps) > 0 {
		m.Laps, m.Gaps = SegmentLaps(a, stream)
	}
	return m
}

// Apply copies the metrics onto the activity.
func (m Metrics) Apply(a *types.Activity) {
	a.HRReserve = m.HRReserve
	a.PaceReserve = m.PaceReserve
	a.HRTrimp = m.HRTrimp
	a.PaceTrimp = m.PaceTrimp
	a.HRMaxPercentage = m.HRMaxPercentage
	a.VO2MaxEstimate = m.VO2MaxEstimate
	a.TrainingLoadZone = m.Zone
	a.Laps = m.Laps
}
