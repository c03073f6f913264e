package conversation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Normalization rewrites applied to every visible reply before it is
// recorded. Order matters: ellipsis runs vanish before period runs are
// capped, and the scrolling artifact is stripped before whitespace collapse.
var (
	ellipsisRunPattern = regexp.MustCompile(`…{3,}`)
	periodRunPattern   = regexp.MustCompile(`\.{4,}`)
	scrollingPattern   = regexp.MustCompile(`(?i)Scrolling[…\.]+`)
	newlineRunPattern  = regexp.MustCompile(`\n{3,}`)
	blankRunPattern    = regexp.MustCompile(`[ \t]{3,}`)
)

// Characters ignored when deciding whether a reply has any substance.
const fillerCutset = "…. \n\t"

// Normalize cleans a model reply for the transcript: ellipsis runs are
// dropped, period runs capped at three, the "Scrolling…" artifact removed,
// newline runs collapsed to two, blank runs to one space, and the result
// trimmed.
func Normalize(s string) string {
	s = ellipsisRunPattern.ReplaceAllString(s, "")
	s = periodRunPattern.ReplaceAllString(s, "...")
	s = scrollingPattern.ReplaceAllString(s, "")
	s = newlineRunPattern.ReplaceAllString(s, "\n\n")
	s = blankRunPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// IsEmptyReply reports whether a normalized reply carries too little
// content to record: empty, or under 3 characters once filler characters
// are stripped. Such turns append nothing but still count toward the cycle
// budget.
func IsEmptyReply(s string) bool {
	if s == "" {
		return true
	}
	return utf8.RuneCountInString(strings.Trim(s, fillerCutset)) < 3
}
