package correlation

import (
	"fmt"
	"strconv"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/rules"
	"alertflow/internal/store"
)

// MatchResult is the outcome of evaluating one condition against one event.
type MatchResult struct {
	// Matched reports whether the condition fired.
	Matched bool

	// InScope reports whether the event belongs to the rule's scope even
	// if it did not trigger. In-scope non-triggering events are folded
	// into an open alert's info_event_count for context.
	InScope bool

	// Reason is a short human-readable explanation of the outcome.
	Reason string

	// Value is the numeric observation the condition extracted, if any.
	Value float64
}

// evalFunc evaluates one condition variant. Stateful variants mutate the
// session's counters and history in place; the caller owns the session for
// the duration of the partition and persists it afterwards.
type evalFunc func(e *domain.Event, s *store.Session, c *rules.Condition) (MatchResult, error)

// evaluators is the static dispatch table over the closed condition set.
// Rule-set validation rejects unknown types before evaluation, so a miss
// here is a programming error, not bad configuration.
var evaluators = map[rules.ConditionType]evalFunc{
	rules.ConditionThreshold:         evalThreshold,
	rules.ConditionSustained:         evalSustained,
	rules.ConditionTrend:             evalTrend,
	rules.ConditionPrevFieldEquals:   evalPrevFieldEquals,
	rules.ConditionLevelFilter:       evalLevelFilter,
	rules.ConditionFilterAndCheck:    evalFilterAndCheck,
	rules.ConditionWebsiteMonitoring: evalWebsiteMonitoring,
}

// Evaluate dispatches the event to the condition's evaluator.
func Evaluate(e *domain.Event, s *store.Session, c *rules.Condition) (MatchResult, error) {
	eval, ok := evaluators[c.Type]
	if !ok {
		return MatchResult{}, fmt.Errorf("%w: %q", rules.ErrUnknownConditionType, c.Type)
	}
	return eval(e, s, c)
}

// fieldNumeric extracts a numeric field value from the event.
func fieldNumeric(e *domain.Event, field string) (float64, bool) {
	if field == "value" {
		return e.Value, true
	}
	raw, ok := e.Field(field)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// compareNumeric applies a numeric operator. Membership operators are
// handled separately.
func compareNumeric(value float64, op rules.Operator, threshold float64) bool {
	switch op {
	case rules.OpGT:
		return value > threshold
	case rules.OpGTE:
		return value >= threshold
	case rules.OpLT:
		return value < threshold
	case rules.OpLTE:
		return value <= threshold
	case rules.OpEQ:
		return value == threshold
	case rules.OpNEQ:
		return value != threshold
	}
	return false
}

// passes runs the per-event field test shared by the threshold-style
// variants. It returns the extracted value, whether the field was usable
// and whether the test passed.
func passes(e *domain.Event, c *rules.Condition) (float64, bool, bool) {
	if c.Operator == rules.OpIn || c.Operator == rules.OpNotIn {
		raw, ok := e.Field(c.Field)
		if !ok {
			return 0, false, false
		}
		member := false
		for _, v := range c.Values {
			if raw == v {
				member = true
				break
			}
		}
		if c.Operator == rules.OpNotIn {
			member = !member
		}
		return 0, true, member
	}

	v, ok := fieldNumeric(e, c.Field)
	if !ok {
		return 0, false, false
	}
	return v, true, compareNumeric(v, c.Operator, c.Threshold)
}

func evalThreshold(e *domain.Event, _ *store.Session, c *rules.Condition) (MatchResult, error) {
	v, usable, ok := passes(e, c)
	if !usable {
		return MatchResult{Reason: fmt.Sprintf("field %q absent or non-numeric", c.Field)}, nil
	}
	return MatchResult{
		Matched: ok,
		InScope: true,
		Value:   v,
		Reason:  fmt.Sprintf("%s=%v %s %v", c.Field, v, c.Operator, c.Threshold),
	}, nil
}

// evalSustained counts consecutive qualifying events in the session. A
// non-qualifying event resets the streak: no partial credit survives a
// break. With immediate_alert set the counter is bypassed entirely.
func evalSustained(e *domain.Event, s *store.Session, c *rules.Condition) (MatchResult, error) {
	v, usable, ok := passes(e, c)
	if !usable {
		return MatchResult{Reason: fmt.Sprintf("field %q absent or non-numeric", c.Field)}, nil
	}
	if !ok {
		s.ConsecutiveCount = 0
		return MatchResult{
			Value:  v,
			Reason: fmt.Sprintf("%s=%v broke the streak, counter reset", c.Field, v),
		}, nil
	}

	if c.ImmediateAlert {
		return MatchResult{
			Matched: true,
			InScope: true,
			Value:   v,
			Reason:  "immediate alert on first qualifying event",
		}, nil
	}

	s.ConsecutiveCount++
	if s.ConsecutiveCount >= c.RequiredConsecutive {
		return MatchResult{
			Matched: true,
			InScope: true,
			Value:   v,
			Reason:  fmt.Sprintf("sustained %d/%d consecutive", s.ConsecutiveCount, c.RequiredConsecutive),
		}, nil
	}
	return MatchResult{
		InScope: true,
		Value:   v,
		Reason:  fmt.Sprintf("streak at %d/%d", s.ConsecutiveCount, c.RequiredConsecutive),
	}, nil
}

// evalTrend compares the current value against a historical baseline: the
// nearest sample at or before baseline_window ago. Percentage mode falls
// back to absolute when the baseline is zero, so a flat-from-zero series
// never divides by zero. With immediate_alert set the minimum-sample gate
// is bypassed and the first qualifying delta fires; a baseline sample is
// still required, since no delta exists without one.
func evalTrend(e *domain.Event, s *store.Session, c *rules.Condition) (MatchResult, error) {
	v, ok := fieldNumeric(e, c.Field)
	if !ok {
		return MatchResult{Reason: fmt.Sprintf("field %q absent or non-numeric", c.Field)}, nil
	}

	prior := len(s.History)
	baseline, found := nearestBaseline(s.History, e.StartTime.Add(-c.BaselineWindow))

	// Record the sample before deciding so the next event sees it.
	s.History = append(s.History, store.Sample{Time: e.StartTime, Value: v})
	s.PruneHistory(e.StartTime, 2*c.BaselineWindow)

	if prior < c.MinDataPoints && !c.ImmediateAlert {
		return MatchResult{
			InScope: true,
			Value:   v,
			Reason:  fmt.Sprintf("only %d of %d required samples", prior, c.MinDataPoints),
		}, nil
	}
	if !found {
		return MatchResult{
			InScope: true,
			Value:   v,
			Reason:  "no sample at or before the baseline point",
		}, nil
	}

	delta := v - baseline
	method := c.TrendMethod
	if method == rules.TrendPercentage && baseline == 0 {
		method = rules.TrendAbsolute
	}
	measure := delta
	if method == rules.TrendPercentage {
		measure = delta / baseline * 100
	}
	if measure < 0 {
		measure = -measure
	}

	matched := compareNumeric(measure, c.Operator, c.Threshold)
	return MatchResult{
		Matched: matched,
		InScope: true,
		Value:   v,
		Reason: fmt.Sprintf("%s delta %.4f vs baseline %v (%s %s %v)",
			method, measure, baseline, c.Field, c.Operator, c.Threshold),
	}, nil
}

// nearestBaseline returns the value of the latest sample at or before the
// target time. Samples are appended in event-time order, so a reverse scan
// finds the nearest one first.
func nearestBaseline(history []store.Sample, target time.Time) (float64, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Time.After(target) {
			return history[i].Value, true
		}
	}
	return 0, false
}

// evalPrevFieldEquals matches when the immediately preceding event in the
// session carried the expected field value. Used to detect transitions such
// as "reopened after close". The first event in a session never matches.
func evalPrevFieldEquals(e *domain.Event, s *store.Session, c *rules.Condition) (MatchResult, error) {
	if s.LastFields == nil {
		return MatchResult{Reason: "no previous event in session"}, nil
	}
	prev, ok := s.LastFields[c.PrevStatusField]
	if !ok || prev != c.PrevStatusValue {
		return MatchResult{
			InScope: true,
			Reason: fmt.Sprintf("previous %s=%q, want %q",
				c.PrevStatusField, prev, c.PrevStatusValue),
		}, nil
	}

	// An optional field test on the current event narrows the transition
	// further, e.g. "previous status closed and now critical".
	if c.Field != "" {
		v, usable, pass := passes(e, c)
		if !usable || !pass {
			return MatchResult{
				InScope: true,
				Value:   v,
				Reason:  fmt.Sprintf("transition seen but %s check failed", c.Field),
			}, nil
		}
	}

	return MatchResult{
		Matched: true,
		InScope: true,
		Reason: fmt.Sprintf("previous %s=%q matched",
			c.PrevStatusField, c.PrevStatusValue),
	}, nil
}

// evalLevelFilter matches events at least as severe as the configured
// threshold. It is a context filter: less severe events are out of scope
// rather than merely non-triggering.
func evalLevelFilter(e *domain.Event, _ *store.Session, c *rules.Condition) (MatchResult, error) {
	matched := e.Level.AtLeastAsSevere(domain.Level(c.LevelThreshold))
	return MatchResult{
		Matched: matched,
		InScope: matched,
		Reason: fmt.Sprintf("level %s vs threshold %s",
			e.Level, domain.Level(c.LevelThreshold)),
	}, nil
}

// evalFilterAndCheck is the generic two-stage escape hatch: a scope filter
// of field equality pairs, then one of two target checks.
func evalFilterAndCheck(e *domain.Event, _ *store.Session, c *rules.Condition) (MatchResult, error) {
	for k, want := range c.Filter {
		got, _ := e.Field(k)
		if got != want {
			return MatchResult{
				Reason: fmt.Sprintf("filter %s=%q not satisfied (got %q)", k, want, got),
			}, nil
		}
	}

	if c.TargetField != "" {
		if got, _ := e.Field(c.TargetField); got == c.TargetFieldValue {
			return MatchResult{
				Matched: true,
				InScope: true,
				Reason:  fmt.Sprintf("%s=%q", c.TargetField, c.TargetFieldValue),
			}, nil
		}
	}
	if c.TargetValueField != "" {
		if got, _ := e.Field(c.TargetValueField); got == c.TargetValue {
			return MatchResult{
				Matched: true,
				InScope: true,
				Reason:  fmt.Sprintf("%s=%q", c.TargetValueField, c.TargetValue),
			}, nil
		}
	}

	return MatchResult{InScope: true, Reason: "filter matched, target check failed"}, nil
}

// evalWebsiteMonitoring specializes the threshold/sustained contract for
// synthetic availability probes. Probes that declare a consecutive
// requirement behave like sustained checks, single-shot probes like plain
// thresholds.
func evalWebsiteMonitoring(e *domain.Event, s *store.Session, c *rules.Condition) (MatchResult, error) {
	if c.RequiredConsecutive > 1 {
		return evalSustained(e, s, c)
	}
	return evalThreshold(e, s, c)
}
