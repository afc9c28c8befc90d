package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"alertflow/internal/adapter"
	"alertflow/internal/config"
	"alertflow/internal/correlation"
	"alertflow/internal/domain"
	"alertflow/internal/ingest"
	"alertflow/internal/notification"
	"alertflow/internal/processor"
	memoryqueue "alertflow/internal/queue/memory"
	"alertflow/internal/rules"
	memorystor "alertflow/internal/store/memory"
)

// stack wires the full in-process pipeline on memory backends.
type stack struct {
	ingest   *ingest.Service
	alerts   *memorystor.AlertRepository
	events   *memorystor.EventRepository
	sessions *memorystor.SessionStore
	queue    *memoryqueue.Queue
	cancel   context.CancelFunc
}

func lifecycleRuleSet() *rules.RuleSet {
	return &rules.RuleSet{
		WindowSizeRaw:     "10min",
		SessionTimeoutRaw: "30min",
		Rules: []*rules.Rule{
			{
				ID:       "cpu-sustained-high",
				Name:     "CPU sustained above 80%",
				Severity: "error",
				Title:    "High CPU on ${resource_id}",
				Condition: rules.Condition{
					Type:                rules.ConditionSustained,
					Field:               "cpu_usage",
					Operator:            rules.OpGTE,
					Threshold:           80,
					RequiredConsecutive: 3,
				},
			},
			{
				ID:       "disk-critical",
				Name:     "Disk space critical",
				Severity: "critical",
				Title:    "Disk almost full on ${resource_id}",
				Condition: rules.Condition{
					Type:      rules.ConditionThreshold,
					Field:     "disk_used_percent",
					Operator:  rules.OpGTE,
					Threshold: 95,
				},
			},
		},
	}
}

func startStack() *stack {
	rs := lifecycleRuleSet()
	Expect(rs.Validate()).To(Succeed())

	logger := slog.New(slog.NewTextHandler(GinkgoWriter, nil))
	sessions := memorystor.NewSessionStore()
	alerts := memorystor.NewAlertRepository()
	events := memorystor.NewEventRepository()
	q := memoryqueue.NewQueue(1024)

	registry := rules.NewStaticRegistry(rs, logger)
	correlator := correlation.NewProcessor(registry, sessions, alerts, logger, 4)
	svc := processor.NewService(q, events, correlator, notification.NewStubNotifier(logger), logger, config.ProcessorConfig{
		BatchSize:    1000,
		PassInterval: 50 * time.Millisecond,
		PassTimeout:  5 * time.Second,
	})

	ingestSvc := ingest.NewService(q, logger)
	ingestSvc.RegisterSource("zabbix", adapter.Mapping{
		Source:     "zabbix",
		EventID:    "eventid",
		Item:       "item_key",
		ResourceID: "host",
		Level:      "severity",
		Value:      "item_value",
		LevelMap:   map[string]string{"disaster": "critical"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer GinkgoRecover()
		_ = svc.Start(ctx)
	}()

	return &stack{
		ingest:   ingestSvc,
		alerts:   alerts,
		events:   events,
		sessions: sessions,
		queue:    q,
		cancel:   cancel,
	}
}

func (s *stack) stop() {
	s.cancel()
}

func (s *stack) ingestCPU(id string, ts time.Time, usage float64) {
	event := &domain.Event{
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
	Expect(s.ingest.IngestEvent(context.Background(), event)).To(Succeed())
}

func (s *stack) openAlerts(ruleID string) []*domain.Alert {
	alerts, err := s.alerts.List(context.Background(), domain.AlertFilter{
		Statuses: domain.OpenStatuses,
		RuleID:   ruleID,
	})
	Expect(err).NotTo(HaveOccurred())
	return alerts
}

var _ = Describe("Correlation Lifecycle", func() {
	var s *stack

	BeforeEach(func() {
		s = startStack()
	})

	AfterEach(func() {
		s.stop()
	})

	Context("when a sustained rule sees three consecutive breaches", func() {
		It("creates exactly one alert and folds later events into it", func() {
			base := time.Now().UTC().Add(-5 * time.Minute)

			// Three consecutive breaches, ingested back to back so they
			// land in one correlation pass.
			s.ingestCPU("EVENT-1", base, 85)
			s.ingestCPU("EVENT-2", base.Add(time.Minute), 82)
			s.ingestCPU("EVENT-3", base.Add(2*time.Minute), 90)

			Eventually(func() int {
				return len(s.openAlerts("cpu-sustained-high"))
			}, "2s", "50ms").Should(Equal(1))

			alert := s.openAlerts("cpu-sustained-high")[0]
			Expect(alert.Status).To(Equal(domain.AlertStatusFiring))
			Expect(alert.Level).To(Equal(domain.LevelError))
			Expect(alert.Title).To(Equal("High CPU on host-1"))
			Expect(alert.EventIDs).To(ContainElement("EVENT-3"))

			// A fourth breach updates the open alert instead of opening
			// a second one.
			s.ingestCPU("EVENT-4", base.Add(3*time.Minute), 88)

			Eventually(func() []string {
				open := s.openAlerts("cpu-sustained-high")
				if len(open) != 1 {
					return nil
				}
				return open[0].EventIDs
			}, "2s", "50ms").Should(ContainElement("EVENT-4"))
			Expect(s.openAlerts("cpu-sustained-high")).To(HaveLen(1))

			// Every attached event is persisted and retrievable.
			alert = s.openAlerts("cpu-sustained-high")[0]
			attached, err := s.events.ListByIDs(context.Background(), alert.EventIDs)
			Expect(err).NotTo(HaveOccurred())
			Expect(attached).To(HaveLen(len(alert.EventIDs)))
		})

		It("opens a fresh alert after the previous one is closed", func() {
			base := time.Now().UTC().Add(-10 * time.Minute)

			for i := 1; i <= 3; i++ {
				s.ingestCPU(fmt.Sprintf("EVENT-a%d", i), base.Add(time.Duration(i)*time.Minute), 90)
			}
			Eventually(func() int {
				return len(s.openAlerts("cpu-sustained-high"))
			}, "2s", "50ms").Should(Equal(1))

			// Operator closes the alert.
			first := s.openAlerts("cpu-sustained-high")[0]
			first.Status = domain.AlertStatusClosed
			Expect(s.alerts.Update(context.Background(), first)).To(Succeed())

			// The next streak opens a new alert rather than reviving the
			// closed one.
			for i := 4; i <= 6; i++ {
				s.ingestCPU(fmt.Sprintf("EVENT-a%d", i), base.Add(time.Duration(i)*time.Minute), 91)
			}
			Eventually(func() int {
				return len(s.openAlerts("cpu-sustained-high"))
			}, "2s", "50ms").Should(Equal(1))

			second := s.openAlerts("cpu-sustained-high")[0]
			Expect(second.ID).NotTo(Equal(first.ID))
			Expect(second.Fingerprint).To(Equal(first.Fingerprint))
		})
	})

	Context("when a raw payload arrives for a registered source", func() {
		It("normalizes it and fires the matching threshold rule", func() {
			payload, err := json.Marshal(map[string]interface{}{
				"eventid":           "zbx-1001",
				"item_key":          "disk_used",
				"host":              "db-1",
				"severity":          "disaster",
				"item_value":        97.5,
				"disk_used_percent": "97.5",
			})
			Expect(err).NotTo(HaveOccurred())

			event, err := s.ingest.IngestRaw(context.Background(), "zabbix", payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(event.AlertSource).To(Equal("zabbix"))
			Expect(event.Level).To(Equal(domain.LevelCritical))

			Eventually(func() int {
				return len(s.openAlerts("disk-critical"))
			}, "2s", "50ms").Should(Equal(1))

			alert := s.openAlerts("disk-critical")[0]
			Expect(alert.Level).To(Equal(domain.LevelCritical))
			Expect(alert.ResourceID).To(Equal("db-1"))
			Expect(alert.Title).To(Equal("Disk almost full on db-1"))
		})

		It("rejects payloads for unregistered sources", func() {
			_, err := s.ingest.IngestRaw(context.Background(), "nagios", []byte(`{}`))
			Expect(err).To(MatchError(ingest.ErrUnknownSource))
		})
	})
})
