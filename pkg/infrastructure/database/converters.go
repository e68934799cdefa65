package database

import (
	"time"

	"github.com/fitglue/stravasync/pkg/storage"
	"github.com/fitglue/stravasync/pkg/types"
)

// Helper to safely get string from map
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Helper to safely get bool from map
func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// toFloat accepts every numeric type a backend may hand back: Firestore
// decodes integers as int64, JSON backends decode all numbers as float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func getFloat(m map[string]interface{}, key string) float64 {
	f, _ := toFloat(m[key])
	return f
}

// getFloatPtr returns nil for absent or null fields.
func getFloatPtr(m map[string]interface{}, key string) *float64 {
	if f, ok := toFloat(m[key]); ok {
		return &f
	}
	return nil
}

func getInt(m map[string]interface{}, key string) int {
	f, _ := toFloat(m[key])
	return int(f)
}

func getIntPtr(m map[string]interface{}, key string) *int {
	if f, ok := toFloat(m[key]); ok {
		n := int(f)
		return &n
	}
	return nil
}

// Helper to safely get time from map (handles time.Time from Firestore and
// RFC 3339 strings from JSON backends)
func getTime(m map[string]interface{}, key string) time.Time {
	switch v := m[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func getTimePtr(m map[string]interface{}, key string) *time.Time {
	t := getTime(m, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

func getFloatSlice(m map[string]interface{}, key string) []float64 {
	switch v := m[key].(type) {
	case []float64:
		return append([]float64(nil), v...)
	case []interface{}:
		out := make([]float64, 0, len(v))
		for _, e := range v {
			f, _ := toFloat(e)
			out = append(out, f)
		}
		return out
	}
	return nil
}

func getMaps(m map[string]interface{}, key string) []map[string]interface{} {
	switch v := m[key].(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, e := range v {
			if mm, ok := e.(map[string]interface{}); ok {
				out = append(out, mm)
			}
		}
		return out
	}
	return nil
}

func ptrValue[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// --- UserSettings Converters ---

func UserToDocument(u *types.UserSettings) storage.Document {
	m := storage.Document{
		"userId":         u.UserID,
		"max_hr":         u.MaxHeartrate,
		"resting_hr":     u.RestingHeartrate,
		"threshold_hr":   u.ThresholdHeartrate,
		"threshold_pace": u.ThresholdPace,
		"gender":         string(u.Gender),
	}
	if u.SyncCursor != nil {
		m["sync_cursor"] = CursorToDocument(*u.SyncCursor)
	}
	if u.Strava != nil {
		m["strava"] = map[string]interface{}{
			"athlete_id":    u.Strava.AthleteID,
			"access_token":  u.Strava.AccessToken,
			"refresh_token": u.Strava.RefreshToken,
			"expires_at":    u.Strava.ExpiresAt.UTC(),
		}
	}
	return m
}

func DocumentToUser(m storage.Document) *types.UserSettings {
	u := &types.UserSettings{
		UserID:             getString(m, "userId"),
		MaxHeartrate:       getFloat(m, "max_hr"),
		RestingHeartrate:   getFloat(m, "resting_hr"),
		ThresholdHeartrate: getFloat(m, "threshold_hr"),
		ThresholdPace:      getFloat(m, "threshold_pace"),
		Gender:             types.Gender(getString(m, "gender")),
	}
	if c, ok := m["sync_cursor"].(map[string]interface{}); ok {
		cursor := DocumentToCursor(c)
		u.SyncCursor = &cursor
	}
	if s, ok := m["strava"].(map[string]interface{}); ok {
		u.Strava = &types.StravaCredentials{
			AthleteID:    getString(s, "athlete_id"),
			AccessToken:  getString(s, "access_token"),
			RefreshToken: getString(s, "refresh_token"),
			ExpiresAt:    getTime(s, "expires_at"),
		}
	}
	return u
}

func CursorToDocument(c types.SyncCursor) map[string]interface{} {
	return map[string]interface{}{
		"all_synced": c.AllSynced,
		"page":       c.Page,
	}
}

func DocumentToCursor(m map[string]interface{}) types.SyncCursor {
	if getBool(m, "all_synced") {
		return types.AllSynced()
	}
	return types.Page(getInt(m, "page"))
}

// --- Activity Converters ---

// derivedActivityFields are owned by the enricher. Summary upserts never
// write them so an enriched record is not downgraded.
var derivedActivityFields = []string{
	"hr_reserve",
	"pace_reserve",
	"hr_trimp",
	"pace_trimp",
	"hr_max_percentage",
	"vo2max_estimate",
	"training_load_zone",
	"laps",
	"full_data",
	"enriched_at",
	"enrich_attempts",
	"enrich_error",
	"enrich_abandoned",
}

func ActivityToDocument(a *types.Activity) storage.Document {
	laps := make([]interface{}, len(a.Laps))
	for i := range a.Laps {
		laps[i] = LapToDocument(&a.Laps[i])
	}
	return storage.Document{
		"_id":                a.ID,
		"userId":             a.UserID,
		"name":               a.Name,
		"type":               a.Type,
		"sport_type":         a.SportType,
		"start_date":         a.StartDate,
		"moving_time":        a.MovingTime,
		"elapsed_time":       a.ElapsedTime,
		"distance":           a.Distance,
		"average_speed":      a.AverageSpeed,
		"average_heartrate":  ptrValue(a.AverageHeartrate),
		"max_heartrate":      ptrValue(a.MaxHeartrate),
		"has_heartrate":      a.HasHeartrate,
		"hr_reserve":         ptrValue(a.HRReserve),
		"pace_reserve":       ptrValue(a.PaceReserve),
		"hr_trimp":           ptrValue(a.HRTrimp),
		"pace_trimp":         ptrValue(a.PaceTrimp),
		"hr_max_percentage":  ptrValue(a.HRMaxPercentage),
		"vo2max_estimate":    ptrValue(a.VO2MaxEstimate),
		"training_load_zone": a.TrainingLoadZone,
		"laps":               laps,
		"full_data":          a.FullData,
		"synced_at":          a.SyncedAt.UTC(),
		"enriched_at":        timeOrNil(a.EnrichedAt),
		"enrich_attempts":    a.EnrichAttempts,
		"enrich_error":       a.EnrichError,
		"enrich_abandoned":   a.EnrichAbandoned,
	}
}

// ActivitySummaryDocument is the subset of ActivityToDocument written when a
// summary is merged into an existing record.
func ActivitySummaryDocument(a *types.Activity) storage.Document {
	m := ActivityToDocument(a)
	for _, k := range derivedActivityFields {
		delete(m, k)
	}
	return m
}

func DocumentToActivity(m storage.Document) *types.Activity {
	a := &types.Activity{
		ID:               getString(m, "_id"),
		UserID:           getString(m, "userId"),
		Name:             getString(m, "name"),
		Type:             getString(m, "type"),
		SportType:        getString(m, "sport_type"),
		StartDate:        getString(m, "start_date"),
		MovingTime:       getInt(m, "moving_time"),
		ElapsedTime:      getInt(m, "elapsed_time"),
		Distance:         getFloat(m, "distance"),
		AverageSpeed:     getFloat(m, "average_speed"),
		AverageHeartrate: getFloatPtr(m, "average_heartrate"),
		MaxHeartrate:     getFloatPtr(m, "max_heartrate"),
		HasHeartrate:     getBool(m, "has_heartrate"),
		HRReserve:        getFloatPtr(m, "hr_reserve"),
		PaceReserve:      getFloatPtr(m, "pace_reserve"),
		HRTrimp:          getFloatPtr(m, "hr_trimp"),
		PaceTrimp:        getFloatPtr(m, "pace_trimp"),
		HRMaxPercentage:  getFloatPtr(m, "hr_max_percentage"),
		VO2MaxEstimate:   getFloatPtr(m, "vo2max_estimate"),
		TrainingLoadZone: getString(m, "training_load_zone"),
		FullData:         getBool(m, "full_data"),
		SyncedAt:         getTime(m, "synced_at"),
		EnrichedAt:       getTimePtr(m, "enriched_at"),
		EnrichAttempts:   getInt(m, "enrich_attempts"),
		EnrichError:      getString(m, "enrich_error"),
		EnrichAbandoned:  getBool(m, "enrich_abandoned"),
	}
	if t, err := time.Parse(time.RFC3339, a.StartDate); err == nil {
		a.StartTime = t.UTC()
	}
	for _, lm := range getMaps(m, "laps") {
		a.Laps = append(a.Laps, *DocumentToLap(lm))
	}
	return a
}

func LapToDocument(l *types.Lap) map[string]interface{} {
	return map[string]interface{}{
		"lap_index":         l.Index,
		"name":              l.Name,
		"elapsed_time":      l.ElapsedTime,
		"moving_time":       l.MovingTime,
		"distance":          l.Distance,
		"average_speed":     l.AverageSpeed,
		"start_date":        l.StartDate,
		"start_index":       ptrValue(l.StartIndex),
		"end_index":         ptrValue(l.EndIndex),
		"average_heartrate": ptrValue(l.AverageHeartrate),
	}
}

func DocumentToLap(m map[string]interface{}) *types.Lap {
	return &types.Lap{
		Index:            getInt(m, "lap_index"),
		Name:             getString(m, "name"),
		ElapsedTime:      getInt(m, "elapsed_time"),
		MovingTime:       getInt(m, "moving_time"),
		Distance:         getFloat(m, "distance"),
		AverageSpeed:     getFloat(m, "average_speed"),
		StartDate:        getString(m, "start_date"),
		StartIndex:       getIntPtr(m, "start_index"),
		EndIndex:         getIntPtr(m, "end_index"),
		AverageHeartrate: getFloatPtr(m, "average_heartrate"),
	}
}

// --- Stream Converters ---

// StreamToDocument splits latlng into two scalar arrays because Firestore
// cannot store nested arrays.
func StreamToDocument(s *types.Stream) storage.Document {
	channels := make(map[string]interface{}, len(s.Channels))
	for k, v := range s.Channels {
		channels[k] = v
	}
	m := storage.Document{
		"activityId":    s.ActivityID,
		"userId":        s.UserID,
		"channels":      channels,
		"original_size": s.OriginalSize,
		"archive_uri":   s.ArchiveURI,
	}
	if len(s.LatLng) > 0 {
		lat := make([]float64, len(s.LatLng))
		lng := make([]float64, len(s.LatLng))
		for i, p := range s.LatLng {
			lat[i], lng[i] = p[0], p[1]
		}
		m["lat"] = lat
		m["lng"] = lng
	}
	return m
}

func DocumentToStream(m storage.Document) *types.Stream {
	s := &types.Stream{
		ActivityID:   getString(m, "activityId"),
		UserID:       getString(m, "userId"),
		Channels:     map[string][]float64{},
		OriginalSize: getInt(m, "original_size"),
		ArchiveURI:   getString(m, "archive_uri"),
	}
	if c, ok := m["channels"].(map[string]interface{}); ok {
		for k := range c {
			s.Channels[k] = getFloatSlice(c, k)
		}
	}
	lat, lng := getFloatSlice(m, "lat"), getFloatSlice(m, "lng")
	for i := 0; i < len(lat) && i < len(lng); i++ {
		s.LatLng = append(s.LatLng, [2]float64{lat[i], lng[i]})
	}
	return s
}

// --- RateLimitStatus Converters ---

func RateLimitToDocument(r *types.RateLimitStatus) storage.Document {
	return storage.Document{
		"serviceName":        r.ServiceName,
		"shortWindowCount":   r.ShortWindowCount,
		"dailyCount":         r.DailyCount,
		"shortWindowLimit":   r.ShortWindowLimit,
		"dailyLimit":         r.DailyLimit,
		"shortWindowResetAt": r.ShortWindowResetAt.UTC(),
		"dailyResetAt":       r.DailyResetAt.UTC(),
	}
}

func DocumentToRateLimit(m storage.Document) *types.RateLimitStatus {
	return &types.RateLimitStatus{
		ServiceName:        getString(m, "serviceName"),
		ShortWindowCount:   getInt(m, "shortWindowCount"),
		DailyCount:         getInt(m, "dailyCount"),
		ShortWindowLimit:   getInt(m, "shortWindowLimit"),
		DailyLimit:         getInt(m, "dailyLimit"),
		ShortWindowResetAt: getTime(m, "shortWindowResetAt"),
		DailyResetAt:       getTime(m, "dailyResetAt"),
	}
}

// --- RunningStatus Converters ---

func RunningStatusToDocument(r *types.RunningStatus) storage.Document {
	m := storage.Document{
		"jobName":     r.JobName,
		"isRunning":   r.IsRunning,
		"lastUpdated": r.LastUpdated.UTC(),
		"owner":       r.Owner,
	}
	if !r.LeaseExpiresAt.IsZero() {
		m["leaseExpiresAt"] = r.LeaseExpiresAt.UTC()
	} else {
		m["leaseExpiresAt"] = nil
	}
	return m
}

func DocumentToRunningStatus(m storage.Document) *types.RunningStatus {
	return &types.RunningStatus{
		JobName:        getString(m, "jobName"),
		IsRunning:      getBool(m, "isRunning"),
		LastUpdated:    getTime(m, "lastUpdated"),
		LeaseExpiresAt: getTime(m, "leaseExpiresAt"),
		Owner:          getString(m, "owner"),
	}
}

// --- PoisonRecord Converters ---

func PoisonToDocument(p *types.PoisonRecord) storage.Document {
	return storage.Document{
		"status":     p.Status,
		"message":    p.Message,
		"userId":     p.UserID,
		"activityId": p.ActivityID,
		"timestamp":  p.Timestamp.UTC(),
		"queue":      p.Queue,
		"attempts":   p.Attempts,
		"payload":    p.Payload,
	}
}

func DocumentToPoison(m storage.Document) *types.PoisonRecord {
	return &types.PoisonRecord{
		Status:     getString(m, "status"),
		Message:    getString(m, "message"),
		UserID:     getString(m, "userId"),
		ActivityID: getString(m, "activityId"),
		Timestamp:  getTime(m, "timestamp"),
		Queue:      getString(m, "queue"),
		Attempts:   getInt(m, "attempts"),
		Payload:    getString(m, "payload"),
	}
}

// --- ExecutionRecord Converters ---

func ExecutionToDocument(e *types.ExecutionRecord) storage.Document {
	m := storage.Document{
		"execution_id": e.ID,
		"service":      e.Service,
		"user_id":      e.UserID,
		"trigger_type": e.TriggerType,
		"status":       string(e.Status),
		"started_at":   e.StartedAt.UTC(),
		"error":        e.Error,
		"outputs_json": e.OutputsJSON,
	}
	m["ended_at"] = timeOrNil(e.EndedAt)
	return m
}

func DocumentToExecution(m storage.Document) *types.ExecutionRecord {
	return &types.ExecutionRecord{
		ID:          getString(m, "execution_id"),
		Service:     getString(m, "service"),
		UserID:      getString(m, "user_id"),
		TriggerType: getString(m, "trigger_type"),
		Status:      types.ExecutionStatus(getString(m, "status")),
		StartedAt:   getTime(m, "started_at"),
		EndedAt:     getTimePtr(m, "ended_at"),
		Error:       getString(m, "error"),
		OutputsJSON: getString(m, "outputs_json"),
	}
}

// --- SyncCheckpoint Converters ---

func CheckpointToDocument(c *types.SyncCheckpoint) storage.Document {
	return storage.Document{
		"userId":          c.UserID,
		"runId":           c.RunID,
		"step":            string(c.Step),
		"page":            c.Page,
		"activitiesAdded": c.ActivitiesAdded,
		"callsMade":       c.CallsMade,
		"updatedAt":       c.UpdatedAt.UTC(),
		"error":           c.Error,
	}
}

func DocumentToCheckpoint(m storage.Document) *types.SyncCheckpoint {
	return &types.SyncCheckpoint{
		UserID:          getString(m, "userId"),
		RunID:           getString(m, "runId"),
		Step:            types.SyncStep(getString(m, "step")),
		Page:            getInt(m, "page"),
		ActivitiesAdded: getInt(m, "activitiesAdded"),
		CallsMade:       getInt(m, "callsMade"),
		UpdatedAt:       getTime(m, "updatedAt"),
		Error:           getString(m, "error"),
	}
}
