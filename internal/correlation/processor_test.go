package correlation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/rules"
	"alertflow/internal/store"
	"alertflow/internal/store/memory"
)

type processorDeps struct {
	processor *Processor
	sessions  store.SessionStore
	alerts    *memory.AlertRepository
}

func testSetup(t *testing.T, rs *rules.RuleSet) *processorDeps {
	t.Helper()
	if err := rs.Validate(); err != nil {
		t.Fatalf("rule set failed validation: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := memory.NewSessionStore()
	alerts := memory.NewAlertRepository()
	registry := rules.NewStaticRegistry(rs, logger)
	return &processorDeps{
		processor: NewProcessor(registry, sessions, alerts, logger, 4),
		sessions:  sessions,
		alerts:    alerts,
	}
}

func sustainedCPURuleSet() *rules.RuleSet {
	return &rules.RuleSet{
		WindowSizeRaw:     "10min",
		SessionTimeoutRaw: "30m",
		Rules: []*rules.Rule{
			{
				ID:       "cpu-sustained",
				Name:     "CPU sustained high",
				Severity: "error",
				Title:    "High CPU on ${resource_id}",
				Content:  "cpu_usage=${value}",
				Condition: rules.Condition{
					Type:                rules.ConditionSustained,
					Field:               "cpu_usage",
					Operator:            rules.OpGTE,
					Threshold:           80,
					RequiredConsecutive: 3,
				},
			},
		},
	}
}

func cpuEvent(id string, t time.Time, usage float64) *domain.Event {
	return &domain.Event{
		EventID:      id,
		Item:         "cpu_usage",
		ResourceID:   "host-1",
		ResourceType: "host",
		AlertSource:  "zabbix",
		Level:        domain.LevelWarning,
		Value:        usage,
		StartTime:    t,
		Labels:       map[string]string{"cpu_usage": formatFloat(usage)},
	}
}

func formatFloat(v float64) string {
	e := domain.Event{Value: v}
	s, _ := e.Field("value")
	return s
}

// The canonical scenario: a sustained rule needing three consecutive events
// over threshold fires exactly once, at the third event, with the first two
// folded in as context.
func TestSustainedEndToEnd(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 82),
		cpuEvent("EVENT-3", base.Add(10*time.Minute), 90),
	}

	result, err := deps.processor.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("created = %d alerts, want exactly 1", len(result.Created))
	}

	alert := result.Created[0]
	if alert.Level != domain.LevelWarning {
		// Rule severity error(1) vs event level warning(2): rule wins.
		if alert.Level != domain.LevelError {
			t.Errorf("level = %v, want rule severity", alert.Level)
		}
	}
	if alert.Status != domain.AlertStatusFiring {
		t.Errorf("status = %v, want firing", alert.Status)
	}
	if alert.Title != "High CPU on host-1" {
		t.Errorf("title = %q", alert.Title)
	}
	if !alert.LastEventTime.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("alert anchored at %v, want the third event's time", alert.LastEventTime)
	}
	if alert.InfoEventCount != 2 {
		t.Errorf("info_event_count = %d, want the 2 prior context events", alert.InfoEventCount)
	}
	if len(alert.EventIDs) != 3 {
		t.Errorf("event_ids = %v, want all three folded in", alert.EventIDs)
	}
}

// A broken streak never fires: 2 matching, 1 break, 2 matching.
func TestSustainedBreakNeverFires(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(2*time.Minute), 88),
		cpuEvent("EVENT-3", base.Add(4*time.Minute), 40),
		cpuEvent("EVENT-4", base.Add(6*time.Minute), 86),
		cpuEvent("EVENT-5", base.Add(8*time.Minute), 91),
	}

	result, err := deps.processor.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Created) != 0 {
		t.Errorf("created = %d alerts, want none for a broken streak", len(result.Created))
	}
}

// A gap longer than the session timeout resets the counter: A, B, long
// silence, C starts over at one.
func TestSessionExpiryResetsCounter(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	result, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 88),
		cpuEvent("EVENT-3", base.Add(2*time.Hour), 90),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Created) != 0 {
		t.Errorf("created = %d alerts; the post-gap event restarts at count 1", len(result.Created))
	}

	session, err := deps.sessions.Get(context.Background(),
		"cpu_usage:host-1:host:zabbix", "cpu-sustained")
	if err != nil {
		t.Fatalf("session load error: %v", err)
	}
	if session == nil {
		t.Fatal("session should exist after the pass")
	}
	if session.ConsecutiveCount != 1 {
		t.Errorf("ConsecutiveCount = %d, want 1 after expiry reset", session.ConsecutiveCount)
	}
}

// Replaying the identical batch against persisted session state changes
// nothing: every event is already folded in.
func TestIdempotentReplay(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 82),
		cpuEvent("EVENT-3", base.Add(10*time.Minute), 90),
	}

	first, err := deps.processor.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if len(first.Created) != 1 {
		t.Fatalf("first pass created %d alerts, want 1", len(first.Created))
	}

	second, err := deps.processor.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if len(second.Created) != 0 || len(second.Updated) != 0 {
		t.Errorf("replay created %d and updated %d, want no changes",
			len(second.Created), len(second.Updated))
	}
	if second.Skipped != len(events) {
		t.Errorf("replay skipped %d events, want all %d", second.Skipped, len(events))
	}
}

// Later qualifying events for the same fingerprint update the open alert
// instead of creating a second one.
func TestAtMostOneOpenAlertPerFingerprint(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 82),
		cpuEvent("EVENT-3", base.Add(10*time.Minute), 90),
	}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	result, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-4", base.Add(15*time.Minute), 93),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Created) != 0 {
		t.Fatalf("created %d new alerts; the open alert must absorb the event", len(result.Created))
	}
	if len(result.Updated) != 1 {
		t.Fatalf("updated = %d, want 1", len(result.Updated))
	}

	open, err := deps.alerts.GetOpenByFingerprint(context.Background(),
		Fingerprint(cpuEvent("x", base, 0)))
	if err != nil {
		t.Fatalf("GetOpenByFingerprint() error: %v", err)
	}
	if open == nil {
		t.Fatal("expected an open alert")
	}
	if len(open.EventIDs) != 4 {
		t.Errorf("event_ids = %v, want all four attached", open.EventIDs)
	}
}

// A closed alert never revives: the next qualifying event opens a fresh
// alert for the same fingerprint even though the session still points at
// the old one.
func TestClosedAlertOpensFreshOne(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 82),
		cpuEvent("EVENT-3", base.Add(10*time.Minute), 90),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(first.Created) != 1 {
		t.Fatalf("first pass created %d alerts, want 1", len(first.Created))
	}

	closed := first.Created[0]
	closed.Status = domain.AlertStatusClosed
	if err := deps.alerts.Update(context.Background(), closed); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	second, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-4", base.Add(15*time.Minute), 94),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(second.Created) != 1 {
		t.Fatalf("created = %d, want a fresh alert after close", len(second.Created))
	}
	if second.Created[0].ID == closed.ID {
		t.Error("the closed alert must not be reused")
	}
	if second.Created[0].Fingerprint != closed.Fingerprint {
		t.Error("the fresh alert should share the fingerprint")
	}
}

// An update re-renders the rule templates against the current event and
// raises the extremal value, so the open alert's text and value track the
// latest observation instead of the first one.
func TestUpdateRecomputesTextAndRaisesValue(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 82),
		cpuEvent("EVENT-3", base.Add(10*time.Minute), 90),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	created := first.Created[0]
	if created.Content != "cpu_usage=90" {
		t.Fatalf("content = %q, want render of the triggering event", created.Content)
	}
	if created.Value != 90 {
		t.Fatalf("value = %v, want 90", created.Value)
	}

	second, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-4", base.Add(15*time.Minute), 97),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(second.Updated) != 1 {
		t.Fatalf("updated = %d, want 1", len(second.Updated))
	}

	alert := second.Updated[0]
	if alert.Content != "cpu_usage=97" {
		t.Errorf("content = %q, want re-render against the current event", alert.Content)
	}
	if alert.Value != 97 {
		t.Errorf("value = %v, want raised to 97", alert.Value)
	}

	// A weaker later observation keeps the maximum value but still
	// refreshes the text.
	third, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-5", base.Add(20*time.Minute), 84),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	alert = third.Updated[0]
	if alert.Value != 97 {
		t.Errorf("value = %v, must stay at the maximum observed", alert.Value)
	}
	if alert.Content != "cpu_usage=84" {
		t.Errorf("content = %q, want render of the latest event", alert.Content)
	}
}

// A recovery-status event closes the fingerprint's open alert, and the next
// qualifying streak opens a fresh one.
func TestRecoveryEventClosesAlert(t *testing.T) {
	rs := sustainedCPURuleSet()
	rs.Rules[0].CloseStatuses = []string{"resolved"}
	deps := testSetup(t, rs)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 82),
		cpuEvent("EVENT-3", base.Add(10*time.Minute), 90),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(first.Created) != 1 {
		t.Fatalf("first pass created %d alerts, want 1", len(first.Created))
	}

	recovery := cpuEvent("EVENT-4", base.Add(15*time.Minute), 20)
	recovery.Status = "resolved"
	second, err := deps.processor.Run(context.Background(), []*domain.Event{recovery})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(second.Closed) != 1 {
		t.Fatalf("closed = %d, want the recovery to close the alert", len(second.Closed))
	}
	if second.Closed[0].ID != first.Created[0].ID {
		t.Error("the open alert should be the one closed")
	}

	open, err := deps.alerts.GetOpenByFingerprint(context.Background(), second.Closed[0].Fingerprint)
	if err != nil {
		t.Fatalf("GetOpenByFingerprint() error: %v", err)
	}
	if open != nil {
		t.Error("no alert should remain open after recovery")
	}

	// A fresh streak opens a new alert rather than reviving the closed one.
	third, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-5", base.Add(20*time.Minute), 85),
		cpuEvent("EVENT-6", base.Add(25*time.Minute), 88),
		cpuEvent("EVENT-7", base.Add(30*time.Minute), 91),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(third.Created) != 1 {
		t.Fatalf("created = %d, want a fresh alert after close", len(third.Created))
	}
	if third.Created[0].ID == first.Created[0].ID {
		t.Error("the closed alert must not be reused")
	}
}

// An open alert past its rule's close_time horizon with no new activity is
// closed by the pass itself.
func TestIdleAlertAutoCloses(t *testing.T) {
	rs := sustainedCPURuleSet()
	rs.Rules[0].CloseTimeRaw = "10min"
	deps := testSetup(t, rs)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-1", base, 85),
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 82),
		cpuEvent("EVENT-3", base.Add(10*time.Minute), 90),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(first.Closed) != 1 {
		t.Fatalf("closed = %d, want the idle alert auto-closed", len(first.Closed))
	}
	if first.Closed[0].Status != domain.AlertStatusClosed {
		t.Errorf("status = %v, want closed", first.Closed[0].Status)
	}

	open, err := deps.alerts.GetOpenByFingerprint(context.Background(), first.Closed[0].Fingerprint)
	if err != nil {
		t.Fatalf("GetOpenByFingerprint() error: %v", err)
	}
	if open != nil {
		t.Error("the auto-closed alert should no longer be open")
	}
}

// A genuinely new event stamped behind the session's replay watermark is
// dropped: the watermark trades late-arrival handling for idempotent
// replays across passes.
func TestLateEventBehindWatermarkIsDropped(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-1", base.Add(10*time.Minute), 85),
	}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	late, err := deps.processor.Run(context.Background(), []*domain.Event{
		cpuEvent("EVENT-2", base.Add(5*time.Minute), 88),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if late.Skipped != 1 {
		t.Errorf("skipped = %d, want the late event dropped", late.Skipped)
	}
	if late.Evaluated != 0 {
		t.Errorf("evaluated = %d, the late event must not advance the streak", late.Evaluated)
	}

	session, err := deps.sessions.Get(context.Background(),
		"cpu_usage:host-1:host:zabbix", "cpu-sustained")
	if err != nil {
		t.Fatalf("session load error: %v", err)
	}
	if session.ConsecutiveCount != 1 {
		t.Errorf("ConsecutiveCount = %d, want 1, unchanged by the late event", session.ConsecutiveCount)
	}
}

// Different resources correlate independently and in parallel.
func TestPartitionIsolationAcrossResources(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	var events []*domain.Event
	for _, host := range []string{"host-1", "host-2", "host-3"} {
		for j := 0; j < 3; j++ {
			e := cpuEvent(domain.NewEventID(), base.Add(time.Duration(j)*time.Minute), 90)
			e.ResourceID = host
			events = append(events, e)
		}
	}

	result, err := deps.processor.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Created) != 3 {
		t.Errorf("created = %d alerts, want one per host", len(result.Created))
	}
}

// An event missing a rule's group_by field is skipped for that rule
// without failing the batch.
func TestMissingGroupByFieldSkipsRuleOnly(t *testing.T) {
	rs := sustainedCPURuleSet()
	rs.Rules[0].Condition.GroupBy = []string{"datacenter"}
	deps := testSetup(t, rs)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	withDC := cpuEvent("EVENT-1", base, 85)
	withDC.Labels["datacenter"] = "eu-west"
	withoutDC := cpuEvent("EVENT-2", base.Add(time.Minute), 85)

	result, err := deps.processor.Run(context.Background(), []*domain.Event{withDC, withoutDC})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 for the event missing datacenter", result.Skipped)
	}
	if result.Evaluated != 1 {
		t.Errorf("evaluated = %d, want 1", result.Evaluated)
	}
}

// Out-of-order delivery is corrected by sorting before evaluation.
func TestOutOfOrderEventsAreSorted(t *testing.T) {
	deps := testSetup(t, sustainedCPURuleSet())
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	// Delivered newest first; a naive in-order evaluation would see the
	// break last and never fire.
	events := []*domain.Event{
		cpuEvent("EVENT-4", base.Add(6*time.Minute), 90),
		cpuEvent("EVENT-3", base.Add(4*time.Minute), 85),
		cpuEvent("EVENT-2", base.Add(2*time.Minute), 88),
		cpuEvent("EVENT-1", base, 40),
	}

	result, err := deps.processor.Run(context.Background(), events)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Created) != 1 {
		t.Errorf("created = %d, want 1 from the sorted tail streak", len(result.Created))
	}
}

// An immediate-alert rule fires on the first qualifying event.
func TestImmediateAlertRule(t *testing.T) {
	rs := &rules.RuleSet{
		Rules: []*rules.Rule{
			{
				ID:       "disk-critical",
				Name:     "Disk critical",
				Severity: "critical",
				Condition: rules.Condition{
					Type:                rules.ConditionSustained,
					Field:               "value",
					Operator:            rules.OpGTE,
					Threshold:           95,
					RequiredConsecutive: 3,
					ImmediateAlert:      true,
				},
			},
		},
	}
	deps := testSetup(t, rs)

	e := cpuEvent("EVENT-1", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), 97)
	result, err := deps.processor.Run(context.Background(), []*domain.Event{e})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("created = %d, want 1 on the first qualifying event", len(result.Created))
	}
	if result.Created[0].Level != domain.LevelCritical {
		t.Errorf("level = %v, want critical", result.Created[0].Level)
	}
}
