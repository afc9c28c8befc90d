// Package adapter normalizes raw source payloads (APM exports, cloud
// platform alarms, webhook pushes) into canonical events. Each source
// declares a field mapping; everything the mapping does not claim lands in
// the event's labels, and the raw payload is preserved for audit.
package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"alertflow/internal/domain"
)

// Mapping declares where each canonical event field lives in a source's
// raw payload. Empty entries fall back to the canonical field name itself.
type Mapping struct {
	// Source is the alert_source stamped on every event from this
	// adapter when the payload does not carry one.
	Source string `yaml:"source" json:"source"`

	EventID      string `yaml:"event_id,omitempty" json:"event_id,omitempty"`
	Item         string `yaml:"item,omitempty" json:"item,omitempty"`
	ResourceID   string `yaml:"resource_id,omitempty" json:"resource_id,omitempty"`
	ResourceType string `yaml:"resource_type,omitempty" json:"resource_type,omitempty"`
	AlertSource  string `yaml:"alert_source,omitempty" json:"alert_source,omitempty"`
	Level        string `yaml:"level,omitempty" json:"level,omitempty"`
	Value        string `yaml:"value,omitempty" json:"value,omitempty"`
	Status       string `yaml:"status,omitempty" json:"status,omitempty"`
	Title        string `yaml:"title,omitempty" json:"title,omitempty"`
	StartTime    string `yaml:"start_time,omitempty" json:"start_time,omitempty"`
	EndTime      string `yaml:"end_time,omitempty" json:"end_time,omitempty"`

	// LevelMap translates source-specific severity spellings, e.g.
	// "P1" -> "critical". Unmapped values go through ParseLevel.
	LevelMap map[string]string `yaml:"level_map,omitempty" json:"level_map,omitempty"`
}

func (m *Mapping) field(mapped, canonical string) string {
	if mapped != "" {
		return mapped
	}
	return canonical
}

// Adapter converts one source's raw payloads into canonical events.
type Adapter struct {
	mapping Mapping
}

// New creates an adapter for the given field mapping.
func New(mapping Mapping) *Adapter {
	return &Adapter{mapping: mapping}
}

// Normalize converts a raw JSON payload into a canonical event. Missing
// event ids are generated, missing levels default to info, and unmapped
// payload fields are kept as labels.
func (a *Adapter) Normalize(raw []byte) (*domain.Event, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	m := &a.mapping
	e := &domain.Event{
		EventID:      stringField(payload, m.field(m.EventID, "event_id")),
		Item:         stringField(payload, m.field(m.Item, "item")),
		ResourceID:   stringField(payload, m.field(m.ResourceID, "resource_id")),
		ResourceType: stringField(payload, m.field(m.ResourceType, "resource_type")),
		AlertSource:  stringField(payload, m.field(m.AlertSource, "alert_source")),
		Status:       stringField(payload, m.field(m.Status, "status")),
		Title:        stringField(payload, m.field(m.Title, "title")),
		RawData:      json.RawMessage(raw),
	}

	if e.EventID == "" {
		e.EventID = domain.NewEventID()
	}
	if e.AlertSource == "" {
		e.AlertSource = m.Source
	}

	e.Level = a.parseLevel(stringField(payload, m.field(m.Level, "level")))

	if v, ok := numericField(payload, m.field(m.Value, "value")); ok {
		e.Value = v
	}

	start, err := timeField(payload, m.field(m.StartTime, "start_time"))
	if err != nil {
		return nil, err
	}
	if start.IsZero() {
		start = time.Now().UTC()
	}
	e.StartTime = start

	if end, err := timeField(payload, m.field(m.EndTime, "end_time")); err == nil {
		e.EndTime = end
	}

	e.Labels = residualLabels(payload, a.claimedFields())

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (a *Adapter) parseLevel(raw string) domain.Level {
	if mapped, ok := a.mapping.LevelMap[raw]; ok {
		raw = mapped
	}
	level, err := domain.ParseLevel(raw)
	if err != nil {
		return domain.LevelInfo
	}
	return level
}

func (a *Adapter) claimedFields() map[string]bool {
	m := &a.mapping
	return map[string]bool{
		m.field(m.EventID, "event_id"):           true,
		m.field(m.Item, "item"):                  true,
		m.field(m.ResourceID, "resource_id"):     true,
		m.field(m.ResourceType, "resource_type"): true,
		m.field(m.AlertSource, "alert_source"):   true,
		m.field(m.Level, "level"):                true,
		m.field(m.Value, "value"):                true,
		m.field(m.Status, "status"):              true,
		m.field(m.Title, "title"):                true,
		m.field(m.StartTime, "start_time"):       true,
		m.field(m.EndTime, "end_time"):           true,
	}
}

func stringField(payload map[string]interface{}, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func numericField(payload map[string]interface{}, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// timeField accepts RFC 3339 strings and unix epoch numbers (seconds, with
// an optional fractional part).
func timeField(payload map[string]interface{}, key string) (time.Time, error) {
	switch v := payload[key].(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable time %q in %s: %w", v, key, err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value in %s", key)
}

// residualLabels keeps the unmapped scalar payload fields as labels.
func residualLabels(payload map[string]interface{}, claimed map[string]bool) map[string]string {
	labels := make(map[string]string)
	for k, v := range payload {
		if claimed[k] {
			continue
		}
		switch val := v.(type) {
		case string:
			labels[k] = val
		case float64:
			labels[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			labels[k] = strconv.FormatBool(val)
		}
	}
	if len(labels) == 0 {
		return nil
	}
	return labels
}
