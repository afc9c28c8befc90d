package domain

import (
	"testing"
	"time"
)

func firingAlert() *Alert {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Alert{
		ID:             "ALERT-1",
		Fingerprint:    "fp-1",
		RuleID:         "cpu-sustained",
		Status:         AlertStatusFiring,
		Level:          LevelWarning,
		Value:          90,
		Title:          "High CPU on host-1",
		Content:        "cpu_usage=90",
		FirstEventTime: start,
		LastEventTime:  start,
		EventIDs:       []string{"EVENT-1"},
	}
}

func TestPatchEscalatesLevelAndValue(t *testing.T) {
	a := firingAlert()
	level := LevelCritical
	value := 97.0
	patch := &AlertPatch{
		AttachEventIDs: []string{"EVENT-2"},
		Level:          &level,
		Value:          &value,
		LastEventTime:  a.LastEventTime.Add(5 * time.Minute),
	}
	patch.Apply(a)

	if a.Level != LevelCritical {
		t.Errorf("level = %v, want critical", a.Level)
	}
	if a.Value != 97 {
		t.Errorf("value = %v, want the new maximum 97", a.Value)
	}
	if len(a.EventIDs) != 2 {
		t.Errorf("event_ids = %v, want EVENT-2 attached", a.EventIDs)
	}

	// A weaker follow-up never walks either back.
	weakLevel := LevelInfo
	weakValue := 50.0
	weaker := &AlertPatch{Level: &weakLevel, Value: &weakValue}
	weaker.Apply(a)
	if a.Level != LevelCritical || a.Value != 97 {
		t.Errorf("level=%v value=%v after weaker patch, escalation must be monotonic", a.Level, a.Value)
	}
}

func TestPatchRecomputesRenderedText(t *testing.T) {
	a := firingAlert()
	patch := &AlertPatch{
		Title:   "High CPU on host-1",
		Content: "cpu_usage=97",
	}
	patch.Apply(a)
	if a.Content != "cpu_usage=97" {
		t.Errorf("content = %q, want the re-rendered template", a.Content)
	}

	// A patch without rendered text keeps the existing text.
	(&AlertPatch{InfoEventDelta: 1}).Apply(a)
	if a.Content != "cpu_usage=97" {
		t.Errorf("content = %q, context patch must not blank the text", a.Content)
	}
}

func TestPatchIsIdempotentOnReplay(t *testing.T) {
	a := firingAlert()
	level := LevelError
	value := 93.0
	patch := &AlertPatch{
		AttachEventIDs: []string{"EVENT-2"},
		Level:          &level,
		Value:          &value,
		LastEventTime:  a.LastEventTime.Add(time.Minute),
	}
	patch.Apply(a)
	patch.Apply(a)

	if len(a.EventIDs) != 2 {
		t.Errorf("event_ids = %v, replay must not attach twice", a.EventIDs)
	}
	if a.Value != 93 || a.Level != LevelError {
		t.Errorf("level=%v value=%v changed on replay", a.Level, a.Value)
	}
}

func TestPatchClosesOpenAlert(t *testing.T) {
	a := firingAlert()
	patch := &AlertPatch{
		AttachEventIDs: []string{"EVENT-2"},
		LastEventTime:  a.LastEventTime.Add(time.Minute),
		Close:          true,
	}
	patch.Apply(a)

	if a.Status != AlertStatusClosed {
		t.Errorf("status = %v, want closed", a.Status)
	}
	if len(a.EventIDs) != 2 {
		t.Errorf("event_ids = %v, the recovery event should attach", a.EventIDs)
	}
}

func TestMaterializeSeedsValueFromEvent(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	draft := &AlertDraft{
		Fingerprint: "fp-1",
		RuleID:      "cpu-sustained",
		Level:       LevelError,
		Title:       "High CPU on host-1",
		Content:     "cpu_usage=90",
		Event: &Event{
			EventID:    "EVENT-1",
			Item:       "cpu_usage",
			ResourceID: "host-1",
			Value:      90,
			StartTime:  start,
		},
		CreatedAt: start,
	}
	alert := draft.Materialize()
	if alert.Value != 90 {
		t.Errorf("value = %v, want the triggering event's observation", alert.Value)
	}
	if alert.Status != AlertStatusFiring {
		t.Errorf("status = %v, want firing", alert.Status)
	}
}
