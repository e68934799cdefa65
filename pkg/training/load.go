package training

import (
	"time"

	"github.com/fitglue/stravasync/pkg/types"
)

const (
	AcuteDays   = 7
	ChronicDays = 42
)

var (
	acuteDecay   = 2.0 / (AcuteDays + 1)
	chronicDecay = 2.0 / (ChronicDays + 1)
)

// DailyTrainingLoad advances the acute and chronic loads by one day. Stress
// balance is today's chronic load minus yesterday's acute load.
func DailyTrainingLoad(tssToday, atlYesterday, ctlYesterday float64) (atl, ctl, tsb float64) {
	atl = tssToday*acuteDecay + (1-acuteDecay)*atlYesterday
	ctl = tssToday*chronicDecay + (1-chronicDecay)*ctlYesterday
	tsb = ctl - atlYesterday
	return atl, ctl, tsb
}

// Day is one calendar day (UTC) of training stress.
type Day struct {
	Date time.Time
	TSS  float64
}

// Load is the smoothed training state at the end of a day.
type Load struct {
	Date time.Time `json:"date"`
	TSS  float64   `json:"tss"`
	ATL  float64   `json:"atl"`
	CTL  float64   `json:"ctl"`
	TSB  float64   `json:"tsb"`
}

// TrainingLoadSeries smooths a gapless daily series. Series shorter than the
// chronic time constant are rejected with a nil result.
func TrainingLoadSeries(days []Day) []Load {
	if len(days) < ChronicDays {
		return nil
	}
	out := make([]Load, 0, len(days))
	var atl, ctl float64
	for _, d := range days {
		var tsb float64
		atl, ctl, tsb = DailyTrainingLoad(d.TSS, atl, ctl)
		out = append(out, Load{Date: d.Date, TSS: d.TSS, ATL: atl, CTL: ctl, TSB: tsb})
	}
	return out
}

// ActivityStress is the stress score an activity contributes to its day:
// heart-rate TRIMP, falling back to pace TRIMP.
func ActivityStress(a *types.Activity) float64 {
	switch {
	case a.HRTrimp != nil:
		return *a.HRTrimp
	case a.PaceTrimp != nil:
		return *a.PaceTrimp
	}
	return 0
}

// BuildDailySeries sums activity stress per UTC day over [from, to], filling
// rest days with zero.
func BuildDailySeries(activities []*types.Activity, from, to time.Time) []Day {
	from = truncateDay(from)
	to = truncateDay(to)
	if to.Before(from) {
		return nil
	}

	days := make([]Day, 0, int(to.Sub(from).Hours()/24)+1)
	index := make(map[time.Time]int)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		index[d] = len(days)
		days = append(days, Day{Date: d})
	}
	for _, a := range activities {
		if i, ok := index[truncateDay(a.StartTime)]; ok {
			days[i].TSS += ActivityStress(a)
		}
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
