package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAlertNotFound is returned when an alert cannot be found.
var ErrAlertNotFound = errors.New("alert not found")

// AlertStatus represents the lifecycle state of an alert.
type AlertStatus string

const (
	// AlertStatusFiring indicates the alert condition is currently active.
	AlertStatusFiring AlertStatus = "firing"
	// AlertStatusAcknowledged indicates an operator has taken ownership.
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusClosed indicates the alert has been resolved or closed.
	AlertStatusClosed AlertStatus = "closed"
)

// OpenStatuses are the states in which an alert still absorbs new events.
var OpenStatuses = []AlertStatus{AlertStatusFiring, AlertStatusAcknowledged}

// IsOpen reports whether an alert in this status still absorbs events.
func (s AlertStatus) IsOpen() bool {
	return s == AlertStatusFiring || s == AlertStatusAcknowledged
}

// Alert is a correlated incident produced by rule evaluation. Many events
// map onto one alert via the fingerprint; an alert stays open until closed
// by an operator or by source recovery.
type Alert struct {
	// ID is the unique identifier, "ALERT-" followed by a uuid.
	ID string `json:"id"`

	// Fingerprint is the identity hash of the event group. At most one
	// open alert exists per fingerprint at any time.
	Fingerprint string `json:"fingerprint"`

	// RuleID names the correlation rule that created this alert.
	RuleID string `json:"rule_id"`

	// Status is the lifecycle state.
	Status AlertStatus `json:"status"`

	// Level is the severity, escalated monotonically as events arrive.
	Level Level `json:"level"`

	// Value is the extremal numeric observation across the attached
	// triggering events, raised monotonically like Level.
	Value float64 `json:"value"`

	// Title is the rendered alert headline.
	Title string `json:"title"`

	// Content is the rendered alert body.
	Content string `json:"content"`

	// Item, ResourceID, ResourceType and AlertSource are copied from the
	// triggering event for filtering and display.
	Item         string `json:"item"`
	ResourceID   string `json:"resource_id"`
	ResourceType string `json:"resource_type"`
	AlertSource  string `json:"alert_source"`

	// FirstEventTime and LastEventTime bound the events attached so far.
	FirstEventTime time.Time `json:"first_event_time"`
	LastEventTime  time.Time `json:"last_event_time"`

	// EventIDs lists every event attached to this alert, in arrival order.
	EventIDs []string `json:"event_ids"`

	// InfoEventCount counts in-scope events that matched the alert's
	// group but did not themselves trigger the rule.
	InfoEventCount int `json:"info_event_count"`

	// CreatedAt and UpdatedAt are bookkeeping timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAlertID returns a fresh alert identifier.
func NewAlertID() string {
	return "ALERT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// NewEventID returns a fresh event identifier for sources that do not
// supply their own.
func NewEventID() string {
	return "EVENT-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// AlertDraft is the intent to create a new alert. The correlation pass emits
// drafts and patches; the persistence layer applies them transactionally.
type AlertDraft struct {
	Fingerprint string    `json:"fingerprint"`
	RuleID      string    `json:"rule_id"`
	Level       Level     `json:"level"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Event       *Event    `json:"event"`
	CreatedAt   time.Time `json:"created_at"`
}

// Materialize converts the draft into a persistable alert.
func (d *AlertDraft) Materialize() *Alert {
	e := d.Event
	return &Alert{
		ID:             NewAlertID(),
		Fingerprint:    d.Fingerprint,
		RuleID:         d.RuleID,
		Status:         AlertStatusFiring,
		Level:          d.Level,
		Value:          e.Value,
		Title:          d.Title,
		Content:        d.Content,
		Item:           e.Item,
		ResourceID:     e.ResourceID,
		ResourceType:   e.ResourceType,
		AlertSource:    e.AlertSource,
		FirstEventTime: e.StartTime,
		LastEventTime:  e.StartTime,
		EventIDs:       []string{e.EventID},
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.CreatedAt,
	}
}

// AlertPatch is the intent to update an existing open alert: attach events,
// escalate severity, refresh the rendered text, bump the informational
// counter, or close the alert on a recovery signal.
type AlertPatch struct {
	// AlertID targets a known alert. When empty, Fingerprint is used to
	// resolve the open alert at apply time, which lets a patch target an
	// alert created earlier in the same pass.
	AlertID     string `json:"alert_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	// AttachEventIDs are appended to the alert's event list.
	AttachEventIDs []string `json:"attach_event_ids,omitempty"`

	// Level escalates the alert when more severe than the current level.
	// Nil leaves the level untouched.
	Level *Level `json:"level,omitempty"`

	// Value raises the alert's extremal value when larger. Nil leaves it
	// untouched.
	Value *float64 `json:"value,omitempty"`

	// Title and Content replace the rendered text with the rule templates
	// re-rendered against the current triggering event. Empty strings
	// leave the existing text in place.
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`

	// LastEventTime advances the alert's activity watermark.
	LastEventTime time.Time `json:"last_event_time"`

	// InfoEventDelta increments the in-scope non-triggering counter.
	InfoEventDelta int `json:"info_event_delta,omitempty"`

	// Close moves an open alert to closed, used when the source reports
	// recovery. A closed alert never reopens.
	Close bool `json:"close,omitempty"`
}

// Apply folds the patch into the alert in place. Level and Value only
// escalate and LastEventTime only advances, so replaying a patch is
// harmless.
func (p *AlertPatch) Apply(a *Alert) {
	for _, id := range p.AttachEventIDs {
		if !containsID(a.EventIDs, id) {
			a.EventIDs = append(a.EventIDs, id)
		}
	}
	if p.Level != nil && (*p.Level).AtLeastAsSevere(a.Level) {
		a.Level = *p.Level
	}
	if p.Value != nil && *p.Value > a.Value {
		a.Value = *p.Value
	}
	if p.Title != "" {
		a.Title = p.Title
	}
	if p.Content != "" {
		a.Content = p.Content
	}
	if p.LastEventTime.After(a.LastEventTime) {
		a.LastEventTime = p.LastEventTime
	}
	a.InfoEventCount += p.InfoEventDelta
	if p.Close && a.Status.IsOpen() {
		a.Status = AlertStatusClosed
	}
	a.UpdatedAt = time.Now().UTC()
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// AlertFilter narrows alert list queries. Zero values mean "no constraint".
type AlertFilter struct {
	Statuses    []AlertStatus
	RuleID      string
	Fingerprint string
	ResourceID  string
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}
