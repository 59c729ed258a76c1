// ABOUTME: Keyword heuristics that classify user messages as generate vs refine
// ABOUTME: Also infers purpose and length categories for generation requests

package intent

import (
	"fmt"
	"strings"
)

// Intent is the request shape a user message maps to.
type Intent string

const (
	Generate Intent = "generate"
	Refine   Intent = "refine"
)

// refinementTerms signal that a message amends the current email.
var refinementTerms = []string{
	// tone
	"formal", "casual", "friendly", "friendlier", "professional", "warm",
	"tone", "stiff", "polite", "enthusiastic", "softer", "firmer",
	// length
	"shorter", "longer", "shorten", "lengthen", "concise", "brief",
	"expand", "elaborate", "more detail", "less detail", "trim", "condense",
	// persona / style
	"sound like", "sound more", "more like", "style", "persona", "voice",
	"personal", "wording",
	// generic edits
	"make it", "change", "rewrite", "revise", "edit", "adjust", "tweak",
	"rephrase", "reword", "fix", "improve", "remove", "replace", "add ",
	"instead",
}

// Classify returns Refine only when there is an email to refine and the
// message contains a refinement term.
func Classify(message string, hasActiveEmail bool) Intent {
	if !hasActiveEmail {
		return Generate
	}
	if containsAny(strings.ToLower(message), refinementTerms) {
		return Refine
	}
	return Generate
}

// ParseIntent converts a caller-supplied string into an Intent.
func ParseIntent(s string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case Generate:
		return Generate, nil
	case Refine:
		return Refine, nil
	}
	return "", fmt.Errorf("unknown intent %q", s)
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
