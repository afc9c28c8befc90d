package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"alertflow/internal/domain"
)

// WindowType selects how the session window advances over time.
type WindowType string

const (
	// WindowSliding re-anchors the window on every event, bounded by the
	// max window size.
	WindowSliding WindowType = "sliding"
	// WindowFixed keeps the window boundaries static once opened.
	WindowFixed WindowType = "fixed"
)

// Alignment controls where a fixed window's boundaries snap to.
type Alignment string

const (
	// AlignmentNatural opens the window at the first event's timestamp.
	AlignmentNatural Alignment = "natural"
	// AlignmentClock snaps window boundaries to wall-clock multiples of
	// the window size.
	AlignmentClock Alignment = "clock"
)

// Defaults applied by RuleSet.Validate when the configuration omits them.
const (
	DefaultWindowSize     = 10 * time.Minute
	DefaultMaxWindowSize  = 60 * time.Minute
	DefaultSessionTimeout = 30 * time.Minute
)

// DefaultSessionKeyFields is the tuple used to key sessions when the rule
// set does not override it. It equals the fingerprint identity fields; the
// rule id is always appended on top.
var DefaultSessionKeyFields = []string{"item", "resource_id", "resource_type", "alert_source"}

// DefaultTitle is used when a rule declares no title template.
const DefaultTitle = "${item} alert for ${resource_id}"

// Rule set errors.
var (
	ErrNoRules           = errors.New("rule set contains no rules")
	ErrDuplicateRule     = errors.New("duplicate rule id")
	ErrDuplicateRuleName = errors.New("duplicate rule name")
	ErrMissingRuleID     = errors.New("rule id is required")
	ErrBadWindowType     = errors.New("window_type must be sliding or fixed")
	ErrBadAlignment      = errors.New("alignment must be natural or clock")
	ErrBadWindowBounds   = errors.New("max_window_size must not be smaller than window_size")
	ErrRuleNotFound      = errors.New("rule not found")
	ErrInvalidRuleLevel  = errors.New("rule severity out of range")
	ErrNegativeCloseTime = errors.New("close_time must not be negative")
)

// Rule is one immutable correlation rule. Severity becomes the created
// alert's level; the title and content templates are rendered against the
// triggering event with ${field} substitution.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Severity  string    `yaml:"severity" json:"severity"`
	IsActive  *bool     `yaml:"is_active,omitempty" json:"is_active,omitempty"`
	Title     string    `yaml:"title,omitempty" json:"title,omitempty"`
	Content   string    `yaml:"content,omitempty" json:"content,omitempty"`
	Condition Condition `yaml:"condition" json:"condition"`

	// CloseStatuses lists event status values the rule treats as recovery
	// signals: an event carrying one closes the fingerprint's open alert.
	// Empty disables recovery close for the rule.
	CloseStatuses []string `yaml:"close_statuses,omitempty" json:"close_statuses,omitempty"`

	// CloseTimeRaw is the idle auto-close horizon as written in
	// configuration, e.g. "30min". An alert with no activity for this
	// long after its last event is closed automatically. Empty or "0min"
	// disables auto-close.
	CloseTimeRaw string        `yaml:"close_time,omitempty" json:"-"`
	CloseTime    time.Duration `yaml:"-" json:"close_time,omitempty"`

	// level is resolved from Severity during validation.
	level domain.Level
}

// Active reports whether the rule participates in evaluation. Rules are
// active unless explicitly disabled.
func (r *Rule) Active() bool {
	return r.IsActive == nil || *r.IsActive
}

// Level returns the resolved severity of the rule.
func (r *Rule) Level() domain.Level {
	return r.level
}

// ClosesOn reports whether an event status value is a recovery signal that
// closes the rule's open alert.
func (r *Rule) ClosesOn(status string) bool {
	for _, s := range r.CloseStatuses {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

// Validate resolves the severity and checks the embedded condition. Errors
// identify the offending rule by id.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return ErrMissingRuleID
	}
	lvl, err := domain.ParseLevel(r.Severity)
	if err != nil {
		return fmt.Errorf("rule %q: %w: %q", r.ID, ErrInvalidRuleLevel, r.Severity)
	}
	r.level = lvl
	if r.Title == "" {
		r.Title = DefaultTitle
	}
	if r.CloseTimeRaw != "" {
		d, err := ParseDuration(r.CloseTimeRaw)
		if err != nil {
			return fmt.Errorf("rule %q: close_time: %w", r.ID, err)
		}
		if d < 0 {
			return fmt.Errorf("rule %q: %w", r.ID, ErrNegativeCloseTime)
		}
		r.CloseTime = d
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}
	return nil
}

// RuleSet is an ordered, versioned collection of rules plus the global
// window parameters shared by every session.
type RuleSet struct {
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	WindowSize     time.Duration `yaml:"-" json:"window_size"`
	MaxWindowSize  time.Duration `yaml:"-" json:"max_window_size"`
	SessionTimeout time.Duration `yaml:"-" json:"session_timeout"`

	// Raw duration strings as they appear in configuration, e.g. "10min".
	WindowSizeRaw     string `yaml:"window_size,omitempty" json:"-"`
	MaxWindowSizeRaw  string `yaml:"max_window_size,omitempty" json:"-"`
	SessionTimeoutRaw string `yaml:"session_timeout,omitempty" json:"-"`

	WindowType       WindowType `yaml:"window_type,omitempty" json:"window_type"`
	Alignment        Alignment  `yaml:"alignment,omitempty" json:"alignment"`
	SessionKeyFields []string   `yaml:"session_key_fields,omitempty" json:"session_key_fields"`

	Rules []*Rule `yaml:"rules" json:"rules"`
}

// Validate resolves duration strings, applies defaults and validates every
// rule. A rule set that fails validation is rejected wholesale so the
// previously loaded set keeps serving.
func (rs *RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return ErrNoRules
	}

	var err error
	if rs.WindowSize, err = durationOrDefault(rs.WindowSizeRaw, DefaultWindowSize); err != nil {
		return fmt.Errorf("window_size: %w", err)
	}
	if rs.MaxWindowSize, err = durationOrDefault(rs.MaxWindowSizeRaw, DefaultMaxWindowSize); err != nil {
		return fmt.Errorf("max_window_size: %w", err)
	}
	if rs.SessionTimeout, err = durationOrDefault(rs.SessionTimeoutRaw, DefaultSessionTimeout); err != nil {
		return fmt.Errorf("session_timeout: %w", err)
	}
	if rs.MaxWindowSize < rs.WindowSize {
		return ErrBadWindowBounds
	}

	switch rs.WindowType {
	case WindowSliding, WindowFixed:
	case "":
		rs.WindowType = WindowSliding
	default:
		return fmt.Errorf("%w: got %q", ErrBadWindowType, rs.WindowType)
	}

	switch rs.Alignment {
	case AlignmentNatural, AlignmentClock:
	case "":
		rs.Alignment = AlignmentNatural
	default:
		return fmt.Errorf("%w: got %q", ErrBadAlignment, rs.Alignment)
	}

	if len(rs.SessionKeyFields) == 0 {
		rs.SessionKeyFields = append([]string(nil), DefaultSessionKeyFields...)
	}

	seenIDs := make(map[string]bool, len(rs.Rules))
	seenNames := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seenIDs[r.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateRule, r.ID)
		}
		seenIDs[r.ID] = true
		if r.Name != "" {
			if seenNames[r.Name] {
				return fmt.Errorf("%w: %q", ErrDuplicateRuleName, r.Name)
			}
			seenNames[r.Name] = true
		}
	}
	return nil
}

// ActiveRules returns the rules that participate in evaluation, in
// configuration order.
func (rs *RuleSet) ActiveRules() []*Rule {
	out := make([]*Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

// Rule returns the rule with the given id.
func (rs *RuleSet) Rule(id string) (*Rule, error) {
	for _, r := range rs.Rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrRuleNotFound, id)
}

func durationOrDefault(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return ParseDuration(raw)
}

// durationAliases maps configuration spellings onto the units that
// time.ParseDuration understands.
var durationAliases = []struct{ from, to string }{
	{"mins", "m"},
	{"min", "m"},
	{"hours", "h"},
	{"hour", "h"},
	{"hrs", "h"},
	{"hr", "h"},
	{"secs", "s"},
	{"sec", "s"},
	{"days", "d"},
	{"day", "d"},
}

// ParseDuration parses duration strings as they appear in rule
// configuration. It accepts the standard Go forms ("10m", "1h30m") plus the
// spellings "10min", "2hour", "45sec" and "1day".
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	for _, a := range durationAliases {
		s = strings.ReplaceAll(s, a.from, a.to)
	}
	// time.ParseDuration has no day unit.
	if strings.HasSuffix(s, "d") {
		var n int
		if _, err := fmt.Sscanf(s, "%dd", &n); err == nil {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}
