package training

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitglue/stravasync/pkg/types"
)

func TestTRIMP(t *testing.T) {
	assert.InDelta(t, 50.14, TRIMP(60, 0.5, types.GenderMale, false), 0.01)
	assert.InDelta(t, 50.14, TRIMP(3600, 0.5, types.GenderMale, true), 0.01)

	female := TRIMP(60, 0.5, types.GenderFemale, false)
	assert.InDelta(t, 19.2*math.Exp(1.67*0.5), female, 1e-9)
}

func TestReserves(t *testing.T) {
	r, ok := HRReserve(150, 60, 190)
	require.True(t, ok)
	assert.InDelta(t, 0.6923, r, 1e-4)

	_, ok = HRReserve(150, 190, 190)
	assert.False(t, ok)

	p, ok := PaceReserve(3.0, 4.0)
	require.True(t, ok)
	assert.Equal(t, 0.75, p)

	_, ok = PaceReserve(3.0, 0)
	assert.False(t, ok)
}

func TestVO2MaxClamp(t *testing.T) {
	_, ok := VO2MaxPercentage(1.0)
	assert.False(t, ok)

	_, ok = VO2MaxEstimate(10000, 50, 1.0)
	assert.False(t, ok)

	pct, ok := VO2MaxPercentage(0.9)
	require.True(t, ok)
	assert.InDelta(t, 0.9065, pct, 1e-4)
}

func TestVO2MaxEstimate(t *testing.T) {
	// 10k in 50 minutes: v = 200 m/min.
	v, ok := VO2MaxEstimate(10000, 50, 0.9)
	require.True(t, ok)

	unadjusted := -4.6 + 0.182258*200 + 0.000104*200*200
	want := unadjusted / durationAdjustment(50) / ((0.9 - 0.26) / 0.706)
	assert.InDelta(t, want, v, 1e-9)
	assert.Greater(t, v, 40.0)
}

func TestZone(t *testing.T) {
	assert.Equal(t, "Recovery", Zone(10))
	assert.Equal(t, "Easy", Zone(50))
	assert.Equal(t, "Moderate", Zone(120))
	assert.Equal(t, "Hard", Zone(200))
	assert.Equal(t, "Very Hard", Zone(400))
}

func testStream() *types.Stream {
	return &types.Stream{Channels: map[string][]float64{
		types.ChannelTime:      {0, 10, 20, 30, 40},
		types.ChannelHeartrate: {100, 110, 120, 130, 140},
	}}
}

func TestLowerBound(t *testing.T) {
	series := []float64{0, 10, 20, 30, 40}
	assert.Equal(t, 0, LowerBound(series, 0))
	assert.Equal(t, 2, LowerBound(series, 20))
	assert.Equal(t, 2, LowerBound(series, 15))
	assert.Equal(t, 5, LowerBound(series, 41))
}

func TestBucketLapHeartRateBoundary(t *testing.T) {
	start, end, avg := BucketLapHeartRate(testStream(), 0, 20)
	assert.Equal(t, 0, start)
	assert.Equal(t, 2, end)
	require.NotNil(t, avg)
	assert.Equal(t, 105.0, *avg)
}

func TestBucketLapHeartRateWithoutHeartRate(t *testing.T) {
	s := &types.Stream{Channels: map[string][]float64{types.ChannelTime: {0, 10, 20}}}
	_, _, avg := BucketLapHeartRate(s, 0, 20)
	assert.Nil(t, avg)
}

func TestSegmentLapsAccumulatesOffsets(t *testing.T) {
	start := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	a := &types.Activity{
		StartTime: start,
		Laps: []types.Lap{
			{Index: 1, ElapsedTime: 20, StartDate: "2024-03-01T06:00:00Z"},
			{Index: 2, ElapsedTime: 30, StartDate: "2024-03-01T06:00:20Z"},
		},
	}

	laps, gaps := SegmentLaps(a, testStream())
	assert.Empty(t, gaps)
	require.Len(t, laps, 2)
	assert.Equal(t, 0, *laps[0].StartIndex)
	assert.Equal(t, 2, *laps[0].EndIndex)
	assert.Equal(t, 105.0, *laps[0].AverageHeartrate)
	assert.Equal(t, 2, *laps[1].StartIndex)
	assert.Equal(t, 5, *laps[1].EndIndex)
	assert.Equal(t, 130.0, *laps[1].AverageHeartrate)

	assert.Nil(t, a.Laps[0].StartIndex, "input laps are not modified")
}

func TestSegmentLapsReportsGaps(t *testing.T) {
	a := &types.Activity{
		StartTime: time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC),
		Laps: []types.Lap{
			{Index: 1, ElapsedTime: 10, StartDate: "2024-03-01T06:00:00Z"},
			{Index: 2, ElapsedTime: 10, StartDate: "2024-03-01T06:00:25Z"},
		},
	}

	_, gaps := SegmentLaps(a, testStream())
	require.Len(t, gaps, 1)
	assert.Equal(t, 2, gaps[0].LapIndex)
	assert.Equal(t, 10.0, gaps[0].ExpectedOffset)
	assert.Equal(t, 25.0, gaps[0].RecordedOffset)
}

func TestTrainingLoadSeriesRejectsShortSeries(t *testing.T) {
	days := make([]Day, ChronicDays-1)
	assert.Empty(t, TrainingLoadSeries(days))
}

func TestTrainingLoadSeries(t *testing.T) {
	days := make([]Day, ChronicDays)
	for i := range days {
		days[i].TSS = 100
	}

	series := TrainingLoadSeries(days)
	require.Len(t, series, ChronicDays)

	first := series[0]
	assert.InDelta(t, 25.0, first.ATL, 1e-9)
	assert.InDelta(t, 100*2.0/43, first.CTL, 1e-9)
	assert.InDelta(t, first.CTL, first.TSB, 1e-9)

	last := series[len(series)-1]
	assert.Greater(t, last.ATL, last.CTL)
	assert.Less(t, last.ATL, 100.0)
	assert.InDelta(t, last.CTL-series[len(series)-2].ATL, last.TSB, 1e-9)
}

func TestBuildDailySeriesZeroFills(t *testing.T) {
	from := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 4, 1, 0, 0, 0, time.UTC)
	activities := []*types.Activity{
		{StartTime: time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC), HRTrimp: types.Float(40)},
		{StartTime: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC), PaceTrimp: types.Float(10)},
		{StartTime: time.Date(2024, 3, 3, 7, 0, 0, 0, time.UTC), HRTrimp: types.Float(70), PaceTrimp: types.Float(5)},
		{StartTime: time.Date(2024, 3, 9, 7, 0, 0, 0, time.UTC), HRTrimp: types.Float(99)},
	}

	days := BuildDailySeries(activities, from, to)
	require.Len(t, days, 4)
	assert.Equal(t, []float64{50, 0, 70, 0}, []float64{days[0].TSS, days[1].TSS, days[2].TSS, days[3].TSS})
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), days[1].Date)
}

func TestCompute(t *testing.T) {
	hr := 150.0
	a := &types.Activity{
		StartTime:        time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC),
		MovingTime:       3600,
		Distance:         10000,
		AverageSpeed:     2.78,
		AverageHeartrate: &hr,
		Laps:             []types.Lap{{Index: 1, ElapsedTime: 40}},
	}
	settings := &types.UserSettings{MaxHeartrate: 190, RestingHeartrate: 60, ThresholdPace: 3.5, Gender: types.GenderMale}

	m := Compute(a, testStream(), settings)
	require.NotNil(t, m.HRReserve)
	require.NotNil(t, m.HRTrimp)
	require.NotNil(t, m.PaceTrimp)
	require.NotNil(t, m.HRMaxPercentage)
	assert.InDelta(t, 150.0/190, *m.HRMaxPercentage, 1e-9)
	assert.InDelta(t, TRIMP(60, *m.HRReserve, types.GenderMale, false), *m.HRTrimp, 1e-9)
	assert.Equal(t, Zone(*m.HRTrimp), m.Zone)
	require.Len(t, m.Laps, 1)
	assert.Equal(t, 4, *m.Laps[0].EndIndex)

	m.Apply(a)
	assert.Equal(t, m.HRTrimp, a.HRTrimp)
}

func TestComputeWithoutSettingsLeavesMetricsNil(t *testing.T) {
	m := Compute(&types.Activity{MovingTime: 600}, nil, nil)
	assert.Nil(t, m.HRTrimp)
	assert.Nil(t, m.PaceTrimp)
	assert.Empty(t, m.Zone)
}
