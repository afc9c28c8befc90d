package correlation

import (
	"regexp"

	"alertflow/internal/domain"
)

// rePlaceholder matches ${field} references in title/content templates.
var rePlaceholder = regexp.MustCompile(`\$\{(\w+)\}`)

// RenderTemplate substitutes ${field} placeholders with values from the
// event's template data. Unknown placeholders render as empty strings
// rather than leaking template syntax into operator-facing text.
func RenderTemplate(tmpl string, e *domain.Event) string {
	if tmpl == "" {
		return ""
	}
	data := e.TemplateData()
	return rePlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := rePlaceholder.FindStringSubmatch(m)[1]
		return data[name]
	})
}
