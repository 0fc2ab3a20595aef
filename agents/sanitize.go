package agents

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	zeroWidth   = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\u2060", "", "\ufeff", "")
	urlRe       = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	spaceRe     = regexp.MustCompile(`\s+`)
	profanityRe = regexp.MustCompile(`(?i)\b(fuck|shit|bitch|bastard)\b`)
	jailbreakRe = regexp.MustCompile(`(?i)(ignore\s+previous|bypass|system\s*prompt|do\s+anything|developer\s+mode)`)
)

const linkPlaceholder = "[link removed]"

// Sanitize strips zero-width characters, NFKC-normalizes, optionally masks links and collapses
// whitespace.
func Sanitize(text string, allowLinks bool) string {
	out := zeroWidth.Replace(text)
	out = norm.NFKC.String(out)
	if !allowLinks {
		out = urlRe.ReplaceAllString(out, linkPlaceholder)
	}
	return strings.TrimSpace(spaceRe.ReplaceAllString(out, " "))
}

// HasProfanity reports a profanity hit.
func HasProfanity(text string) bool { return profanityRe.MatchString(text) }

// HasPromptInjection reports an attempt to steer downstream language tooling.
func HasPromptInjection(text string) bool { return jailbreakRe.MatchString(text) }

func blacklistHit(text string, words []string) string {
	lower := strings.ToLower(text)
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" && strings.Contains(lower, w) {
			return w
		}
	}
	return ""
}
