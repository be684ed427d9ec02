package protocol

import (
	"regexp"
	"strings"
)

var studentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidStudentID checks a peer-supplied student identifier. IDs are
// limited to 1-50 characters of [a-zA-Z0-9_-] so they are safe to embed in
// filesystem paths and display output without escaping.
func IsValidStudentID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	return studentIDRegex.MatchString(id)
}

// SanitizeFilename makes a peer-supplied name safe as a single path
// component: path separators, characters reserved on common filesystems,
// and control characters become underscores, and leading/trailing dots and
// spaces are trimmed. The result is never empty.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '\\' || r == '/' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	sanitized := strings.Trim(b.String(), " .")
	if sanitized == "" {
		return "_"
	}
	return sanitized
}
