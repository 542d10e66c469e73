package router

import (
	"regexp"
	"strings"
)

var (
	scriptTagRe = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	eventAttrRe = regexp.MustCompile(`(?i)on\w+=\s*["'][^"']*["']`)
)

// Entities produced by escapeEntities. A leading "&" of one of these is left
// alone on re-sanitization, so the escape is idempotent.
var knownEntities = []string{"&amp;", "&lt;", "&gt;", "&quot;", "&#x27;"}

// SanitizeContent neutralizes script tags and inline event handlers in
// client-supplied content, then entity-escapes the remaining HTML
// metacharacters. Safe to apply twice; already-escaped input passes through
// unchanged.
func SanitizeContent(content string) string {
	content = scriptTagRe.ReplaceAllString(content, "")
	content = eventAttrRe.ReplaceAllString(content, "")
	return escapeEntities(content)
}

func escapeEntities(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			if startsEntity(s[i:]) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#x27;")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func startsEntity(s string) bool {
	for _, entity := range knownEntities {
		if strings.HasPrefix(s, entity) {
			return true
		}
	}
	return false
}
