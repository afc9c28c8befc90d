// Package domain contains the core business entities and value objects for
// Alertflow. These models represent the ubiquitous language of the alert
// correlation domain.
package domain

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Level is the ordinal severity of an event or alert.
// Lower values are more severe: critical(0) > error(1) > warning(2) > info(3).
type Level int

const (
	LevelCritical Level = 0
	LevelError    Level = 1
	LevelWarning  Level = 2
	LevelInfo     Level = 3
)

// levelNames maps levels to their canonical string form.
var levelNames = map[Level]string{
	LevelCritical: "critical",
	LevelError:    "error",
	LevelWarning:  "warning",
	LevelInfo:     "info",
}

// String returns the canonical name of the level, or its numeric form for
// unknown ordinals.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return strconv.Itoa(int(l))
}

// AtLeastAsSevere reports whether l is at least as severe as other.
// Severity ordering is inverted relative to the numeric value.
func (l Level) AtLeastAsSevere(other Level) bool {
	return l <= other
}

// MoreSevere returns the more severe (numerically smaller) of two levels.
func MoreSevere(a, b Level) Level {
	if a < b {
		return a
	}
	return b
}

// ErrUnknownLevel is returned when a level string cannot be parsed.
var ErrUnknownLevel = errors.New("unknown severity level")

// ParseLevel parses a level from its canonical name or numeric form.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "fatal", "0":
		return LevelCritical, nil
	case "error", "1":
		return LevelError, nil
	case "warning", "warn", "2":
		return LevelWarning, nil
	case "info", "3":
		return LevelInfo, nil
	default:
		return LevelInfo, ErrUnknownLevel
	}
}

// Event represents one normalized observation from a monitored source.
// Events are created once by the adapter layer at ingestion and are immutable
// afterwards. The event_id carries a uniqueness constraint in the event
// store, which makes ingestion idempotent: duplicate delivery is silently
// absorbed.
type Event struct {
	// EventID is the source-unique identifier of this observation.
	EventID string `json:"event_id"`

	// Item is the metric or check name, e.g. "cpu_usage".
	Item string `json:"item"`

	// ResourceID identifies the monitored object instance.
	ResourceID string `json:"resource_id"`

	// ResourceType classifies the monitored object, e.g. "host".
	ResourceType string `json:"resource_type"`

	// AlertSource names the upstream system that produced the event.
	AlertSource string `json:"alert_source"`

	// Level is the ordinal severity reported by the source.
	Level Level `json:"level"`

	// Value is the numeric observation, when the source reports one.
	Value float64 `json:"value"`

	// Status is a free-form field used by status-transition conditions.
	Status string `json:"status"`

	// Title is the human-readable headline, used by fallback grouping.
	Title string `json:"title"`

	// StartTime is when the observation was made.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the observed condition ended, if reported.
	EndTime time.Time `json:"end_time,omitempty"`

	// Labels is an opaque key/value map forwarded from the source.
	Labels map[string]string `json:"labels,omitempty"`

	// RawData preserves the original payload for audit.
	RawData json.RawMessage `json:"raw_data,omitempty"`
}

// Validation errors for Event.
var (
	ErrEmptyEventID  = errors.New("event_id is required")
	ErrMissingTime   = errors.New("start_time is required")
	ErrEventNotFound = errors.New("event not found")
)

// Validate checks that the event carries the fields every consumer relies
// on. Identity fields (item, resource_id, ...) may legitimately be missing;
// the grouping resolver degrades gracefully for those.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return ErrEmptyEventID
	}
	if e.StartTime.IsZero() {
		return ErrMissingTime
	}
	return nil
}

// Field returns the string form of a named event field, falling back to the
// labels map for names outside the canonical set. The second return value
// reports whether the field was present and non-empty.
func (e *Event) Field(name string) (string, bool) {
	var v string
	switch name {
	case "event_id":
		v = e.EventID
	case "item":
		v = e.Item
	case "resource_id":
		v = e.ResourceID
	case "resource_type":
		v = e.ResourceType
	case "alert_source":
		v = e.AlertSource
	case "level":
		v = strconv.Itoa(int(e.Level))
	case "value":
		v = strconv.FormatFloat(e.Value, 'f', -1, 64)
	case "status":
		v = e.Status
	case "title":
		v = e.Title
	default:
		v = e.Labels[name]
	}
	return v, v != ""
}

// TemplateData flattens the event into a string-keyed map for message
// template rendering. Canonical fields shadow labels of the same name.
func (e *Event) TemplateData() map[string]string {
	data := make(map[string]string, len(e.Labels)+9)
	for k, v := range e.Labels {
		data[k] = v
	}
	data["event_id"] = e.EventID
	data["item"] = e.Item
	data["resource_id"] = e.ResourceID
	data["resource_type"] = e.ResourceType
	data["alert_source"] = e.AlertSource
	data["level"] = e.Level.String()
	data["value"] = strconv.FormatFloat(e.Value, 'f', -1, 64)
	data["status"] = e.Status
	data["title"] = e.Title
	return data
}
