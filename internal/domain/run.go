// Package domain defines the records and ports of the run sync subsystem.
package domain

import (
	"context"
	"strings"
	"time"
)

// DateLayout is the calendar-day format of NormalizedRun.Date.
const DateLayout = "2006-01-02"

// RawActivity is one record of the remote activities endpoint. Pointer fields
// distinguish a missing value from a zero value.
type RawActivity struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Distance           *float64 `json:"distance"`
	MovingTime         *float64 `json:"moving_time"`
	TotalElevationGain *float64 `json:"total_elevation_gain"`
	StartDateLocal     string   `json:"start_date_local"`
	Type               string   `json:"type"`
	LocationCity       *string  `json:"location_city"`
	LocationCountry    *string  `json:"location_country"`
}

// Validate reports the first required field that is missing or unusable.
func (a RawActivity) Validate() error {
	switch {
	case a.ID <= 0:
		return &ValidationError{ActivityID: a.ID, Field: "id", Reason: "missing or non-positive"}
	case a.Distance == nil:
		return &ValidationError{ActivityID: a.ID, Field: "distance", Reason: "missing"}
	case *a.Distance < 0:
		return &ValidationError{ActivityID: a.ID, Field: "distance", Reason: "negative"}
	case a.MovingTime == nil:
		return &ValidationError{ActivityID: a.ID, Field: "moving_time", Reason: "missing"}
	case *a.MovingTime < 0:
		return &ValidationError{ActivityID: a.ID, Field: "moving_time", Reason: "negative"}
	case strings.TrimSpace(a.StartDateLocal) == "":
		return &ValidationError{ActivityID: a.ID, Field: "start_date_local", Reason: "missing"}
	case strings.TrimSpace(a.Type) == "":
		return &ValidationError{ActivityID: a.ID, Field: "type", Reason: "missing"}
	}
	return nil
}

// NormalizedRun is the durable run record read by dashboards and charts.
type NormalizedRun struct {
	ID              int64     `json:"id"`
	AccountID       string    `json:"account_id"`
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

// ActivityStore persists normalized runs keyed by remote activity id.
type ActivityStore interface {
	// UpsertMany replaces or inserts every run in a single atomic write and
	// returns the number of rows written.
	UpsertMany(ctx context.Context, accountID string, runs []NormalizedRun) (int, error)
	// QueryAll returns the account's runs ordered by start time, newest first.
	QueryAll(ctx context.Context, accountID string) ([]NormalizedRun, error)
}
