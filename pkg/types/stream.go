package types

// Stream channel keys requested from the activity API.
const (
	ChannelTime      = "time"
	ChannelHeartrate = "heartrate"
	ChannelDistance  = "distance"
	ChannelVelocity  = "velocity_smooth"
	ChannelAltitude  = "altitude"
	ChannelCadence   = "cadence"
	ChannelLatLng    = "latlng"
)

// StreamKeys is the channel list requested for every enriched activity.
var StreamKeys = []string{
	ChannelTime,
	ChannelHeartrate,
	ChannelDistance,
	ChannelVelocity,
	ChannelAltitude,
	ChannelCadence,
	ChannelLatLng,
}

// Stream holds the parallel time series of one activity. All channels are
// aligned by index to the same offsets in the time channel.
type Stream struct {
	ActivityID   string               `json:"activityId"`
	UserID       string               `json:"userId"`
	Channels     map[string][]float64 `json:"channels"`
	LatLng       [][2]float64         `json:"latlng,omitempty"`
	OriginalSize int                  `json:"original_size"`
	ArchiveURI   string               `json:"archive_uri,omitempty"`
}

// Channel returns the named scalar channel, or nil when absent.
func (s *Stream) Channel(name string) []float64 {
	if s == nil || s.Channels == nil {
		return nil
	}
	return s.Channels[name]
}

// Len is the sample count of the time channel.
func (s *Stream) Len() int {
	return len(s.Channel(ChannelTime))
}
