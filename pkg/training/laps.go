package training

import (
	"math"
	"sort"
	"time"

	"github.com/fitglue/stravasync/pkg/types"
)

// LowerBound returns the leftmost index at which target could be inserted
// into the ascending series while keeping it sorted.
func LowerBound(series []float64, target float64) int {
	return sort.SearchFloat64s(series, target)
}

// BucketLapHeartRate finds the samples whose time offset lies in
// [startTime, endTime) and averages their heart rate. avg is nil when the
// lap has no heart-rate samples.
func BucketLapHeartRate(stream *types.Stream, startTime, endTime float64) (start, end int, avg *float64) {
	times := stream.Channel(types.ChannelTime)
	start = LowerBound(times, startTime)
	end = LowerBound(times, endTime)
	if end < start {
		end = start
	}

	hr := stream.Channel(types.ChannelHeartrate)
	from, to := min(start, len(hr)), min(end, len(hr))
	if to <= from {
		return start, end, nil
	}
	var sum float64
	for _, v := range hr[from:to] {
		sum += v
	}
	return start, end, types.Float(sum / float64(to-from))
}

// LapGap reports a lap whose recorded start does not match the end of the
// previous lap.
type LapGap struct {
	LapIndex       int
	ExpectedOffset float64
	RecordedOffset float64
}

// gapTolerance absorbs the whole-second rounding of lap timestamps.
const gapTolerance = 1.5

// SegmentLaps assigns each lap its sample range and average heart rate.
// Laps are walked in order, each starting where the previous one ended, so
// lap boundaries assume contiguous elapsed times. Laps whose recorded start
// disagrees with that assumption are returned as gaps and still segmented
// on the accumulated offsets.
func SegmentLaps(activity *types.Activity, stream *types.Stream) ([]types.Lap, []LapGap) {
	laps := make([]types.Lap, len(activity.Laps))
	copy(laps, activity.Laps)

	var gaps []LapGap
	var offset float64
	for i := range laps {
		lap := &laps[i]
		if !activity.StartTime.IsZero() && lap.StartDate != "" {
			if recorded, ok := lapOffset(activity, lap.StartDate); ok && math.Abs(recorded-offset) > gapTolerance {
				gaps = append(gaps, LapGap{LapIndex: lap.Index, ExpectedOffset: offset, RecordedOffset: recorded})
			}
		}

		end := offset + float64(lap.ElapsedTime)
		start, stop, avg := BucketLapHeartRate(stream, offset, end)
		n := stream.Len()
		lap.StartIndex = types.Int(min(start, n))
		lap.EndIndex = types.Int(min(stop, n))
		lap.AverageHeartrate = avg
		offset = end
	}
	return laps, gaps
}

func lapOffset(activity *types.Activity, startDate string) (float64, bool) {
	t, err := time.Parse(time.RFC3339, startDate)
	if err != nil {
		return 0, false
	}
	return t.Sub(activity.StartTime).Seconds(), true
}
