// Package normalize converts remote activity records into NormalizedRun values.
package normalize

import (
	"fmt"
	"math"
	"strings"
	"time"

	"example.com/runsync/internal/domain"
)

// Defaults used when a Normalizer is built with empty options.
const (
	DefaultLocationDelimiter = " en "
	DefaultUnknownLocation   = "Unknown location"
)

// Options configures a Normalizer.
type Options struct {
	// TimezoneBias is added to the remote start_date_local before the start
	// time and calendar date are derived.
	TimezoneBias      time.Duration
	LocationDelimiter string
	UnknownLocation   string
}

// Normalizer is a pure, stateless transformation safe for concurrent use.
type Normalizer struct {
	bias      time.Duration
	delimiter string
	unknown   string
}

// New constructs a Normalizer.
func New(opts Options) Normalizer {
	n := Normalizer{
		bias:      opts.TimezoneBias,
		delimiter: opts.LocationDelimiter,
		unknown:   opts.UnknownLocation,
	}
	if n.delimiter == "" {
		n.delimiter = DefaultLocationDelimiter
	}
	if n.unknown == "" {
		n.unknown = DefaultUnknownLocation
	}
	return n
}

// Normalize maps one remote record to a run. It returns *domain.ValidationError
// when a required field is missing or malformed.
func (n Normalizer) Normalize(accountID string, raw domain.RawActivity) (domain.NormalizedRun, error) {
	if err := raw.Validate(); err != nil {
		return domain.NormalizedRun{}, err
	}

	start, err := parseStart(raw.StartDateLocal)
	if err != nil {
		return domain.NormalizedRun{}, &domain.ValidationError{ActivityID: raw.ID, Field: "start_date_local", Reason: err.Error()}
	}
	start = start.Add(n.bias)

	meters := *raw.Distance
	seconds := *raw.MovingTime
	elevation := 0.0
	if raw.TotalElevationGain != nil {
		elevation = *raw.TotalElevationGain
	}

	return domain.NormalizedRun{
		ID:              raw.ID,
		AccountID:       accountID,
		Kind:            raw.Type,
		Name:            raw.Name,
		Date:            start.Format(domain.DateLayout),
		DistanceKm:      meters / 1000,
		DurationMin:     int(math.Round(seconds / 60)),
		ElevationM:      int(math.Round(elevation)),
		AvgPaceMinPerKm: Pace(meters, seconds),
		Location:        n.location(raw),
		StartTimeLocal:  start,
	}, nil
}

// Pace returns minutes per kilometre from unrounded meters and seconds, 0 when
// the distance is 0.
func Pace(meters, seconds float64) float64 {
	if meters <= 0 {
		return 0
	}
	return (seconds / 60) / (meters / 1000)
}

func (n Normalizer) location(raw domain.RawActivity) string {
	city := trimmed(raw.LocationCity)
	country := trimmed(raw.LocationCountry)
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case city != "":
		return city
	case country != "":
		return country
	}

	name := strings.TrimSpace(raw.Name)
	if _, place, found := strings.Cut(raw.Name, n.delimiter); found {
		if place = strings.TrimSpace(place); place != "" {
			return place
		}
	}
	if name != "" {
		return name
	}
	return n.unknown
}

// parseStart keeps the offset written by the remote so the calendar date is
// the prefix of the corrected timestamp.
func parseStart(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

func trimmed(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
