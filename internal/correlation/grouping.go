package correlation

import (
	"fmt"
	"regexp"
	"strings"

	"alertflow/internal/domain"
)

// GroupingLevel names which fallback level produced a group key. The levels
// trade precision for recall in a fixed order, so even malformed events
// land in a deterministic group.
type GroupingLevel string

const (
	GroupFullMetadata    GroupingLevel = "full_metadata"
	GroupPartialMetadata GroupingLevel = "partial_metadata"
	GroupTitleSeverity   GroupingLevel = "title_severity"
	GroupFallback        GroupingLevel = "fallback"
)

// fallbackKeyLength caps the raw-text fallback key.
const fallbackKeyLength = 100

// GroupKey is the resolved group identity of an event together with the
// level that produced it.
type GroupKey struct {
	Key   string
	Level GroupingLevel
}

// Title normalization strips the volatile fragments that make otherwise
// identical titles unique. Applied in order: ISO-like timestamps, ID:token
// fragments, IPv4 literals, whitespace runs, then anything outside word
// characters, whitespace and hyphens.
var (
	reTimestamp  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]?\d{2}:\d{2}(:\d{2})?(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	reIDFragment = regexp.MustCompile(`(?i)\bID:\S+`)
	reIPv4       = regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
	reNonWord    = regexp.MustCompile(`[^\w\s-]`)
)

// NormalizeTitle collapses near-duplicate titles that differ only by
// embedded timestamps, identifiers or addresses.
func NormalizeTitle(title string) string {
	t := reTimestamp.ReplaceAllString(title, "")
	t = reIDFragment.ReplaceAllString(t, "")
	t = reIPv4.ReplaceAllString(t, "")
	t = reWhitespace.ReplaceAllString(t, " ")
	t = reNonWord.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

// ResolveGroup assigns a group key to the event, evaluating the fallback
// levels top-down and taking the first one whose required fields are
// present.
func ResolveGroup(e *domain.Event) GroupKey {
	item := strings.TrimSpace(e.Item)
	resourceID := strings.TrimSpace(e.ResourceID)
	resourceType := strings.TrimSpace(e.ResourceType)
	alertSource := strings.TrimSpace(e.AlertSource)

	if item != "" && resourceID != "" && resourceType != "" && alertSource != "" {
		return GroupKey{
			Key:   strings.Join([]string{item, resourceID, resourceType, alertSource}, ":"),
			Level: GroupFullMetadata,
		}
	}

	if item != "" {
		parts := []string{item}
		if resourceType != "" {
			parts = append(parts, resourceType)
		}
		if alertSource != "" {
			parts = append(parts, alertSource)
		}
		return GroupKey{
			Key:   strings.Join(parts, ":"),
			Level: GroupPartialMetadata,
		}
	}

	if title := NormalizeTitle(e.Title); title != "" {
		// Severity stays part of the key: the same title at two levels
		// is two groups.
		return GroupKey{
			Key:   fmt.Sprintf("%s-%d", title, e.Level),
			Level: GroupTitleSeverity,
		}
	}

	raw := string(e.RawData)
	if raw == "" {
		raw = e.EventID
	}
	if len(raw) > fallbackKeyLength {
		raw = raw[:fallbackKeyLength]
	}
	return GroupKey{Key: raw, Level: GroupFallback}
}
