package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/metrics"
	"alertflow/internal/rules"
	"alertflow/internal/store"
)

// Processor runs correlation passes: it partitions a batch of events by
// (group key, rule id), evaluates each partition's events in time order on
// a single worker, and commits the resulting alert creates and updates.
//
// Partitions never share session state, so workers run fully in parallel;
// within a partition everything is serialized, which is what guarantees
// at-most-one concurrent alert create per fingerprint.
type Processor struct {
	registry *rules.Registry
	sessions *SessionManager
	alerts   store.AlertRepository
	logger   *slog.Logger
	workers  int
}

// NewProcessor creates a correlation processor. workers bounds the number
// of partitions evaluated concurrently per pass.
func NewProcessor(registry *rules.Registry, sessionStore store.SessionStore, alerts store.AlertRepository, logger *slog.Logger, workers int) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		registry: registry,
		sessions: NewSessionManager(sessionStore),
		alerts:   alerts,
		logger:   logger,
		workers:  workers,
	}
}

// PassResult summarizes one correlation pass.
type PassResult struct {
	// Created and Updated are the alerts committed by this pass. Closed
	// holds alerts the engine closed, either on a recovery event or
	// because the rule's auto-close horizon passed with no activity.
	Created []*domain.Alert
	Updated []*domain.Alert
	Closed  []*domain.Alert

	// Evaluated counts event-rule evaluations performed.
	Evaluated int

	// Skipped counts event-rule combinations dropped for missing
	// group-by fields or already-seen events.
	Skipped int
}

// partition is the unit of parallel work: the events of one group under
// one rule, processed in ascending event-time order.
type partition struct {
	groupKey string
	rule     *rules.Rule
	events   []*domain.Event
}

// partitionOutcome is what one worker hands back: buffered alert decisions
// plus the final session state. Nothing is persisted until every partition
// has evaluated, so an aborted pass commits no partial decisions.
type partitionOutcome struct {
	drafts    []*domain.AlertDraft
	patches   []*domain.AlertPatch
	session   *store.Session
	evaluated int
	skipped   int
}

// Run executes one correlation pass over a batch of events. The pass
// honors the context deadline: abandoning it mid-way is safe because event
// ingestion is deduplicated and alert updates are monotonic, so the next
// pass replays to the same state.
func (p *Processor) Run(ctx context.Context, events []*domain.Event) (*PassResult, error) {
	start := time.Now()
	rs := p.registry.Current()

	partitions, skipped := p.partition(events, rs)
	metrics.PassBatchSize.Observe(float64(len(events)))
	metrics.SessionsActive.Set(float64(len(partitions)))

	outcomes := make([]*partitionOutcome, len(partitions))
	errs := make([]error, len(partitions))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.workers)
	for i, part := range partitions {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, part partition) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i], errs[i] = p.evaluatePartition(ctx, part, rs)
		}(i, part)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("correlation pass aborted: %w", err)
		}
	}

	result := &PassResult{Skipped: skipped}
	if err := p.commit(ctx, rs, outcomes, result); err != nil {
		return nil, err
	}
	if err := p.closeStale(ctx, rs, time.Now().UTC(), result); err != nil {
		return nil, err
	}

	metrics.PassDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("correlation pass complete",
		"events", len(events),
		"partitions", len(partitions),
		"created", len(result.Created),
		"updated", len(result.Updated),
		"closed", len(result.Closed),
		"skipped", result.Skipped,
		"duration", time.Since(start))
	return result, nil
}

// partition groups the batch by (group key, rule id) and sorts each
// partition by event time. Events missing a field required by a rule's
// group_by are skipped for that rule only.
func (p *Processor) partition(events []*domain.Event, rs *rules.RuleSet) ([]partition, int) {
	skipped := 0
	index := make(map[string]*partition)
	var order []string

	for _, rule := range rs.ActiveRules() {
		for _, e := range events {
			groupKey, ok := p.groupKeyFor(e, rule, rs)
			if !ok {
				p.logger.Warn("event skipped for rule: missing group_by fields",
					"event_id", e.EventID, "rule_id", rule.ID)
				skipped++
				continue
			}
			key := groupKey + "|" + rule.ID
			part, ok := index[key]
			if !ok {
				part = &partition{groupKey: groupKey, rule: rule}
				index[key] = part
				order = append(order, key)
			}
			part.events = append(part.events, e)
		}
	}

	out := make([]partition, 0, len(order))
	for _, key := range order {
		part := index[key]
		sort.SliceStable(part.events, func(i, j int) bool {
			if part.events[i].StartTime.Equal(part.events[j].StartTime) {
				return part.events[i].EventID < part.events[j].EventID
			}
			return part.events[i].StartTime.Before(part.events[j].StartTime)
		})
		out = append(out, *part)
	}
	return out, skipped
}

// groupKeyFor resolves the session group key for an event under a rule.
// The rule set's session key fields are used when fully present, degrading
// through the grouping fallback levels otherwise. A rule-level group_by
// refines the key further and is mandatory: an event missing one of those
// fields is skipped for that rule.
func (p *Processor) groupKeyFor(e *domain.Event, rule *rules.Rule, rs *rules.RuleSet) (string, bool) {
	var key string
	if values, ok := fieldValues(e, rs.SessionKeyFields); ok {
		key = strings.Join(values, ":")
		metrics.GroupingResolutionsTotal.WithLabelValues(string(GroupFullMetadata)).Inc()
	} else {
		gk := ResolveGroup(e)
		key = gk.Key
		metrics.GroupingResolutionsTotal.WithLabelValues(string(gk.Level)).Inc()
	}

	if len(rule.Condition.GroupBy) > 0 {
		values, ok := fieldValues(e, rule.Condition.GroupBy)
		if !ok {
			return "", false
		}
		key = key + ":" + strings.Join(values, ":")
	}
	return key, true
}

func fieldValues(e *domain.Event, fields []string) ([]string, bool) {
	values := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := e.Field(f)
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

// evaluatePartition runs one partition's events through the rule's
// condition, in order, buffering the alert decisions.
func (p *Processor) evaluatePartition(ctx context.Context, part partition, rs *rules.RuleSet) (*partitionOutcome, error) {
	out := &partitionOutcome{}
	rule := part.rule

	session, err := p.sessions.Acquire(ctx, part.groupKey, rule.ID, part.events[0].StartTime, rs)
	if err != nil {
		return nil, err
	}

	// Drafted tracks fingerprints this partition has already decided to
	// create, so a later event in the same pass patches instead.
	drafted := make(map[string]bool)

	for _, e := range part.events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Replay guard: an event already folded into this session was
		// decided in an earlier pass. Late arrivals stamped behind the
		// watermark are dropped the same way; within one pass the sort
		// in partition() orders them correctly.
		if session.Seen(e.EventID, e.StartTime) {
			out.skipped++
			metrics.EventsProcessedTotal.WithLabelValues("replayed").Inc()
			continue
		}

		// A gap inside the batch can expire the session between events.
		if session.Expired(e.StartTime) {
			fresh := &store.Session{
				GroupKey:      session.GroupKey,
				RuleID:        session.RuleID,
				WindowStart:   e.StartTime,
				WindowEnd:     e.StartTime.Add(rs.WindowSize),
				ExpiresAt:     e.StartTime.Add(rs.SessionTimeout),
				LastEventTime: session.LastEventTime,
				LastEventIDs:  session.LastEventIDs,
			}
			session = fresh
		}

		// A recovery status closes the fingerprint's open alert and
		// resets the session's counters; the event itself is not
		// evaluated against the condition.
		if rule.ClosesOn(e.Status) {
			out.patches = append(out.patches, &domain.AlertPatch{
				Fingerprint:    Fingerprint(e),
				AttachEventIDs: []string{e.EventID},
				LastEventTime:  e.StartTime,
				Close:          true,
			})
			session.ConsecutiveCount = 0
			session.AlertID = ""
			p.sessions.Refresh(session, e, rs)
			continue
		}

		result, err := Evaluate(e, session, &rule.Condition)
		if err != nil {
			return nil, err
		}
		out.evaluated++
		p.observeEvaluation(rule, result)

		if result.Matched {
			if err := p.decide(ctx, e, rule, session, drafted, out, result); err != nil {
				return nil, err
			}
		} else if result.InScope {
			out.patches = append(out.patches, &domain.AlertPatch{
				Fingerprint:    Fingerprint(e),
				AttachEventIDs: []string{e.EventID},
				LastEventTime:  e.StartTime,
				InfoEventDelta: 1,
			})
		}

		p.sessions.Refresh(session, e, rs)
	}

	out.session = session
	return out, nil
}

func (p *Processor) observeEvaluation(rule *rules.Rule, result MatchResult) {
	outcome := "no_match"
	switch {
	case result.Matched:
		outcome = "matched"
	case result.InScope:
		outcome = "in_scope"
	}
	metrics.ConditionEvaluationsTotal.WithLabelValues(string(rule.Condition.Type), outcome).Inc()
}

// decide turns a matched evaluation into a draft or a patch. The
// partition-local drafted set keeps creation at most once per fingerprint
// within the pass; the commit phase re-checks the repository for alerts
// opened concurrently by other partitions.
func (p *Processor) decide(ctx context.Context, e *domain.Event, rule *rules.Rule, session *store.Session, drafted map[string]bool, out *partitionOutcome, result MatchResult) error {
	fingerprint := Fingerprint(e)

	level := domain.MoreSevere(rule.Level(), e.Level)
	value := e.Value
	// An update re-renders the templates against the current event, so an
	// open alert's text always reflects the latest observation.
	patch := &domain.AlertPatch{
		Fingerprint:    fingerprint,
		AttachEventIDs: []string{e.EventID},
		Level:          &level,
		Value:          &value,
		Title:          RenderTemplate(rule.Title, e),
		Content:        RenderTemplate(rule.Content, e),
		LastEventTime:  e.StartTime,
	}

	if drafted[fingerprint] {
		out.patches = append(out.patches, patch)
		return nil
	}

	// The session's alert pointer is only a hint: the alert may have been
	// closed by an operator since the last pass, in which case a new one
	// must open rather than reviving it.
	open, err := p.alerts.GetOpenByFingerprint(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to check open alert: %w", err)
	}
	if open != nil {
		session.AlertID = open.ID
		out.patches = append(out.patches, patch)
		return nil
	}
	session.AlertID = ""

	drafted[fingerprint] = true
	out.drafts = append(out.drafts, &domain.AlertDraft{
		Fingerprint: fingerprint,
		RuleID:      rule.ID,
		Level:       rule.Level(),
		Title:       RenderTemplate(rule.Title, e),
		Content:     RenderTemplate(rule.Content, e),
		Event:       e,
		CreatedAt:   e.StartTime,
	})
	p.logger.Debug("alert drafted",
		"fingerprint", fingerprint, "rule_id", rule.ID, "reason", result.Reason)
	return nil
}

// commit applies the buffered decisions: drafts first, patches next and
// session states last. Sessions advance only after the alert decisions are
// durable, so an abort before this point replays cleanly.
func (p *Processor) commit(ctx context.Context, rs *rules.RuleSet, outcomes []*partitionOutcome, result *PassResult) error {
	// created maps fingerprints to their open alert, whether opened by
	// this pass or found already open; fresh marks the ones this pass
	// actually created.
	created := make(map[string]*domain.Alert)
	updated := make(map[string]*domain.Alert)
	fresh := make(map[string]bool)

	for _, out := range outcomes {
		if out == nil {
			continue
		}
		result.Evaluated += out.evaluated
		result.Skipped += out.skipped

		for _, draft := range out.drafts {
			// An earlier pass, or another partition of this pass,
			// may have opened the alert already; the draft degrades
			// into an update.
			if open := created[draft.Fingerprint]; open != nil {
				draftAsPatch(draft).Apply(open)
				updated[draft.Fingerprint] = open
				continue
			}
			open, err := p.alerts.GetOpenByFingerprint(ctx, draft.Fingerprint)
			if err != nil {
				return fmt.Errorf("failed to check open alert: %w", err)
			}
			if open != nil {
				created[draft.Fingerprint] = open
				draftAsPatch(draft).Apply(open)
				updated[draft.Fingerprint] = open
				continue
			}

			alert := draft.Materialize()
			if err := p.alerts.Create(ctx, alert); err != nil {
				return fmt.Errorf("failed to create alert: %w", err)
			}
			created[draft.Fingerprint] = alert
			fresh[draft.Fingerprint] = true
			result.Created = append(result.Created, alert)
			metrics.AlertsCreatedTotal.WithLabelValues(alert.RuleID).Inc()
			metrics.EventsProcessedTotal.WithLabelValues("alert_created").Inc()
		}
	}

	closed := make(map[string]bool)
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		for _, patch := range out.patches {
			// Once a recovery closed the fingerprint in this pass,
			// later patches for it are void: a closed alert never
			// absorbs further events.
			if closed[patch.Fingerprint] && !patch.Close {
				continue
			}
			alert := created[patch.Fingerprint]
			if alert == nil {
				alert = updated[patch.Fingerprint]
			}
			if alert == nil {
				open, err := p.alerts.GetOpenByFingerprint(ctx, patch.Fingerprint)
				if err != nil {
					return fmt.Errorf("failed to resolve patch target: %w", err)
				}
				if open == nil {
					// In-scope context event with no open alert
					// to fold into; nothing to update.
					continue
				}
				alert = open
			}
			patch.Apply(alert)
			updated[patch.Fingerprint] = alert
			if patch.Close {
				closed[patch.Fingerprint] = true
			}
		}
	}

	for fingerprint, alert := range updated {
		if err := p.alerts.Update(ctx, alert); err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}
		switch {
		case closed[fingerprint]:
			result.Closed = append(result.Closed, alert)
			metrics.AlertsClosedTotal.WithLabelValues(alert.RuleID, "recovery").Inc()
		case !fresh[fingerprint]:
			// Alerts created this pass fold their patches silently;
			// only updates to pre-existing alerts are reported.
			result.Updated = append(result.Updated, alert)
			metrics.AlertsUpdatedTotal.WithLabelValues(alert.RuleID).Inc()
		}
	}

	// Session states commit last: if anything above failed, the next pass
	// replays the same events against unadvanced sessions.
	for _, out := range outcomes {
		if out == nil || out.session == nil {
			continue
		}
		if alert := created[fingerprintOfSession(out, created)]; alert != nil && out.session.AlertID == "" {
			out.session.AlertID = alert.ID
		}
		if err := p.sessions.Persist(ctx, out.session, rs); err != nil {
			return err
		}
	}
	return nil
}

// closeStale closes open alerts whose rule declares an auto-close horizon
// and whose last event is older than it. Alerts with close_time unset are
// left to operators and recovery events.
func (p *Processor) closeStale(ctx context.Context, rs *rules.RuleSet, now time.Time, result *PassResult) error {
	for _, rule := range rs.ActiveRules() {
		if rule.CloseTime <= 0 {
			continue
		}
		open, err := p.alerts.List(ctx, domain.AlertFilter{
			Statuses: domain.OpenStatuses,
			RuleID:   rule.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to list open alerts for auto-close: %w", err)
		}
		for _, alert := range open {
			if now.Before(alert.LastEventTime.Add(rule.CloseTime)) {
				continue
			}
			alert.Status = domain.AlertStatusClosed
			alert.UpdatedAt = now
			if err := p.alerts.Update(ctx, alert); err != nil {
				return fmt.Errorf("failed to auto-close alert: %w", err)
			}
			result.Closed = append(result.Closed, alert)
			metrics.AlertsClosedTotal.WithLabelValues(rule.ID, "auto_close").Inc()
			p.logger.Info("alert auto-closed",
				"alert_id", alert.ID,
				"rule_id", rule.ID,
				"last_event_time", alert.LastEventTime,
				"close_time", rule.CloseTime)
		}
	}
	return nil
}

// draftAsPatch degrades a draft into an update against an already open
// alert for the same fingerprint.
func draftAsPatch(d *domain.AlertDraft) *domain.AlertPatch {
	level := d.Level
	value := d.Event.Value
	return &domain.AlertPatch{
		Fingerprint:    d.Fingerprint,
		AttachEventIDs: []string{d.Event.EventID},
		Level:          &level,
		Value:          &value,
		Title:          d.Title,
		Content:        d.Content,
		LastEventTime:  d.Event.StartTime,
	}
}

// fingerprintOfSession finds the fingerprint a partition created an alert
// for, if any, so the session can remember its alert.
func fingerprintOfSession(out *partitionOutcome, created map[string]*domain.Alert) string {
	for _, d := range out.drafts {
		if created[d.Fingerprint] != nil {
			return d.Fingerprint
		}
	}
	return ""
}
