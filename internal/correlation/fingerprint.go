// Package correlation implements the complex-event-processing core:
// fingerprint identity, grouping fallback, condition evaluation, session
// windowing and the batch correlation pass that turns events into alert
// drafts and patches.
package correlation

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"alertflow/internal/domain"
)

// FingerprintFields are the identity fields hashed into the fingerprint, in
// canonical order.
var FingerprintFields = []string{"alert_source", "item", "resource_id", "resource_type"}

// Fingerprint computes the stable identity hash of an event. Each identity
// field is trimmed, with empty values coerced to "unknown"; the fields are
// serialized as canonical key-sorted JSON and digested to a 32-char hex
// string. The function is pure and stable across restarts and languages,
// so the same logical source always maps to the same alert identity, even
// for alerts minted by other systems sharing the hash scheme.
func Fingerprint(e *domain.Event) string {
	fields := map[string]string{
		"item":          coerce(e.Item),
		"resource_id":   coerce(e.ResourceID),
		"resource_type": coerce(e.ResourceType),
		"alert_source":  coerce(e.AlertSource),
	}
	return hashFields(fields)
}

func coerce(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

// hashFields digests the canonical JSON rendering of the map: keys sorted,
// ", " between members, ": " after each key, UTF-8 kept verbatim. This is
// the exact byte form existing fingerprints were minted with, so the
// digests stay interoperable; encoding/json's compact output would hash
// differently.
func hashFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		writeJSONString(&sb, k)
		sb.WriteString(": ")
		writeJSONString(&sb, fields[k])
	}
	sb.WriteByte('}')

	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// writeJSONString renders s as a JSON string literal. Quotes, backslashes
// and control characters are escaped; everything else, including non-ASCII,
// passes through as UTF-8.
func writeJSONString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}
