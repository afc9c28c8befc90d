package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/correlation"
	"alertflow/internal/domain"
	"alertflow/internal/notification"
	"alertflow/internal/queue"
	queuemem "alertflow/internal/queue/memory"
	"alertflow/internal/rules"
	"alertflow/internal/store/memory"
)

type serviceDeps struct {
	service *Service
	queue   *queuemem.Queue
	events  *memory.EventRepository
	alerts  *memory.AlertRepository
}

func serviceSetup(t *testing.T, cfg config.ProcessorConfig) *serviceDeps {
	t.Helper()

	rs := &rules.RuleSet{
		WindowSizeRaw:     "10m",
		SessionTimeoutRaw: "30m",
		Rules: []*rules.Rule{
			{
				ID:       "cpu-high",
				Name:     "CPU over threshold",
				Severity: "error",
				Title:    "High CPU on ${resource_id}",
				Condition: rules.Condition{
					Type:      rules.ConditionThreshold,
					Field:     "cpu_usage",
					Operator:  rules.OpGTE,
					Threshold: 80,
				},
			},
		},
	}
	if err := rs.Validate(); err != nil {
		t.Fatalf("rule set failed validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := memory.NewSessionStore()
	alerts := memory.NewAlertRepository()
	events := memory.NewEventRepository()
	registry := rules.NewStaticRegistry(rs, logger)
	correlator := correlation.NewProcessor(registry, sessions, alerts, logger, 2)
	q := queuemem.NewQueue(64)

	return &serviceDeps{
		service: NewService(q, events, correlator, notification.NewStubNotifier(logger), logger, cfg),
		queue:   q,
		events:  events,
		alerts:  alerts,
	}
}

func eventMessage(t *testing.T, id string, ts time.Time, usage float64) *queue.Message {
	t.Helper()
	e := &domain.Event{
		EventID:      id,
		Item:         "cpu_usage",
		ResourceID:   "host-1",
		ResourceType: "host",
		AlertSource:  "zabbix",
		Level:        domain.LevelWarning,
		Value:        usage,
		StartTime:    ts,
		Labels:       map[string]string{"cpu_usage": strconv.FormatFloat(usage, 'f', -1, 64)},
	}
	payload, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &queue.Message{Key: []byte(id), Value: payload}
}

func TestFullBatchFlushesInHandler(t *testing.T) {
	deps := serviceSetup(t, config.ProcessorConfig{
		BatchSize:    2,
		PassInterval: time.Hour,
		PassTimeout:  time.Second,
	})
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	msg1 := eventMessage(t, "EVENT-1", base, 91)
	if err := deps.service.handleMessage(context.Background(), msg1); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got := deps.service.Buffered(); got != 1 {
		t.Fatalf("buffered = %d after one event, want 1", got)
	}

	msg2 := eventMessage(t, "EVENT-2", base.Add(time.Minute), 95)
	if err := deps.service.handleMessage(context.Background(), msg2); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got := deps.service.Buffered(); got != 0 {
		t.Fatalf("buffered = %d after full batch, want 0", got)
	}

	alerts, err := deps.alerts.List(context.Background(), domain.AlertFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 for repeated events on one fingerprint", len(alerts))
	}
	if len(alerts[0].EventIDs) != 2 {
		t.Errorf("event ids = %v, want both events attached", alerts[0].EventIDs)
	}

	for _, id := range []string{"EVENT-1", "EVENT-2"} {
		stored, err := deps.events.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID(%s): %v", id, err)
		}
		if stored == nil {
			t.Errorf("event %s not persisted before pass", id)
		}
	}
}

func TestUndecodableAndInvalidMessagesAreDropped(t *testing.T) {
	deps := serviceSetup(t, config.ProcessorConfig{
		BatchSize:    10,
		PassInterval: time.Hour,
		PassTimeout:  time.Second,
	})

	garbage := &queue.Message{Value: []byte("not json")}
	if err := deps.service.handleMessage(context.Background(), garbage); err != nil {
		t.Fatalf("garbage message should be dropped, got error: %v", err)
	}

	noID := eventMessage(t, "", time.Now(), 90)
	if err := deps.service.handleMessage(context.Background(), noID); err != nil {
		t.Fatalf("invalid event should be dropped, got error: %v", err)
	}

	if got := deps.service.Buffered(); got != 0 {
		t.Errorf("buffered = %d, want 0 after dropped messages", got)
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	deps := serviceSetup(t, config.ProcessorConfig{
		BatchSize:    10,
		PassInterval: time.Hour,
		PassTimeout:  time.Second,
	})
	if err := deps.service.Flush(context.Background()); err != nil {
		t.Fatalf("Flush on empty buffer: %v", err)
	}
}

type failingEventRepo struct{}

func (failingEventRepo) Insert(ctx context.Context, events []*domain.Event) (int, error) {
	return 0, errors.New("storage unavailable")
}

func (failingEventRepo) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	return nil, nil
}

func (failingEventRepo) ListByIDs(ctx context.Context, ids []string) ([]*domain.Event, error) {
	return nil, nil
}

func TestFailedPassRestoresBuffer(t *testing.T) {
	deps := serviceSetup(t, config.ProcessorConfig{
		BatchSize:    10,
		PassInterval: time.Hour,
		PassTimeout:  time.Second,
	})
	deps.service.events = failingEventRepo{}

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		msg := eventMessage(t, "EVENT-"+strconv.Itoa(i+1), base.Add(time.Duration(i)*time.Minute), 90)
		if err := deps.service.handleMessage(context.Background(), msg); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}

	if err := deps.service.Flush(context.Background()); err == nil {
		t.Fatal("Flush should surface the storage error")
	}
	if got := deps.service.Buffered(); got != 3 {
		t.Errorf("buffered = %d after failed pass, want 3 for retry", got)
	}
}

func TestConsumeFromQueueEndToEnd(t *testing.T) {
	deps := serviceSetup(t, config.ProcessorConfig{
		BatchSize:    3,
		PassInterval: time.Hour,
		PassTimeout:  time.Second,
	})
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		msg := eventMessage(t, "EVENT-"+strconv.Itoa(i+1), base.Add(time.Duration(i)*time.Minute), 90)
		if err := deps.queue.Publish(context.Background(), msg); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = deps.service.Start(ctx)
	}()
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		alerts, err := deps.alerts.List(context.Background(), domain.AlertFilter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(alerts) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("alerts = %d before deadline, want 1", len(alerts))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
