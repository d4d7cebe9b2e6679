package runner

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const maxErrorMessageLen = 240

// pathLike matches filesystem-path shaped substrings (two or more separated
// segments, optionally with a drive letter).
var pathLike = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.\-~]+){2,}[\\/]?`)

// sanitizeError produces the user-facing form of an error: control
// characters stripped, path-like substrings redacted, length capped. Full
// detail stays in operator logs only.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, err.Error())
	msg = pathLike.ReplaceAllString(msg, "[path]")
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		msg = fmt.Sprintf("%T", err)
	}
	if runes := []rune(msg); len(runes) > maxErrorMessageLen {
		msg = string(runes[:maxErrorMessageLen]) + "..."
	}
	return msg
}
