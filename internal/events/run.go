// Package events defines the payloads runsync publishes and consumes on Kafka.
package events

import "time"

// Event types.
const (
	TypeRunSynced     = "run.synced"
	TypeSyncRequested = "sync.requested"
)

// RunSynced is emitted when a run is inserted or its stored fields change.
type RunSynced struct {
	ActivityID      int64     `json:"activity_id"`
	AccountID       string    `json:"account_id"`
	Revision        int64     `json:"revision"`
	Kind            string    `json:"kind"`
	Name            string    `json:"name"`
	Date            string    `json:"date"`
	DistanceKm      float64   `json:"distance_km"`
	DurationMin     int       `json:"duration_min"`
	ElevationM      int       `json:"elevation_m"`
	AvgPaceMinPerKm float64   `json:"avg_pace_min_per_km"`
	Location        string    `json:"location"`
	StartTimeLocal  time.Time `json:"start_time_local"`
}

// SyncRequested asks the service to sync an account.
type SyncRequested struct {
	AccountID string `json:"account_id"`
	Force     bool   `json:"force"`
}

// Route describes where an event type is published.
type Route struct {
	Topic         string
	SchemaSubject string
	Schema        string
}

// Routes maps event types written to the outbox to their destination.
var Routes = map[string]Route{
	TypeRunSynced: {
		Topic:         "run_events",
		SchemaSubject: "run_events-value",
		Schema:        runSyncedSchema,
	},
}

const runSyncedSchema = `{
  "type": "object",
  "title": "RunSynced",
  "properties": {
    "activity_id": {"type": "integer"},
    "account_id": {"type": "string"},
    "revision": {"type": "integer"},
    "kind": {"type": "string"},
    "name": {"type": "string"},
    "date": {"type": "string", "format": "date"},
    "distance_km": {"type": "number"},
    "duration_min": {"type": "integer"},
    "elevation_m": {"type": "integer"},
    "avg_pace_min_per_km": {"type": "number"},
    "location": {"type": "string"},
    "start_time_local": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "account_id", "revision", "kind", "date", "distance_km", "duration_min", "start_time_local"],
  "additionalProperties": false
}`
