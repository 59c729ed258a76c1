// ABOUTME: Purpose, length and tone categories understood by the generation service
// ABOUTME: Ordered keyword rules map free text onto purpose and length

package intent

import (
	"fmt"
	"strings"
)

// Purpose is the category of email the service is asked to write.
type Purpose string

const (
	PurposeRelationshipBuilder Purpose = "relationship_builder"
	PurposeEducationalContent  Purpose = "educational_content"
	PurposeFollowUp            Purpose = "follow_up"
	PurposeScheduling          Purpose = "scheduling"
	PurposeFeedbackRequest     Purpose = "feedback_request"
	PurposeOther               Purpose = "other"
)

// Length is the requested email length.
type Length string

const (
	LengthShort  Length = "short"
	LengthMedium Length = "medium"
	LengthLong   Length = "long"
)

// Tone is the requested writing tone.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneFormal       Tone = "formal"
	ToneFriendly     Tone = "friendly"
	ToneCasual       Tone = "casual"
)

type purposeRule struct {
	purpose  Purpose
	keywords []string
}

// purposeRules is evaluated top to bottom. Do not reorder.
var purposeRules = []purposeRule{
	{PurposeRelationshipBuilder, []string{
		"thank", "gratitude", "grateful", "appreciate", "check in", "check-in",
		"birthday", "anniversary", "holiday", "congratulat", "relationship",
		"welcome",
	}},
	{PurposeEducationalContent, []string{
		"educat", "explain", "market update", "newsletter", "inform", "tips",
		"learn", "insight", "overview",
	}},
	{PurposeFollowUp, []string{
		"follow up", "follow-up", "following up", "after our", "recap",
		"reminder", "touch base",
	}},
	{PurposeScheduling, []string{
		"schedule", "meeting", "appointment", "calendar", "book a",
		"availability", "reschedule",
	}},
	{PurposeFeedbackRequest, []string{
		"feedback", "review", "survey", "testimonial", "opinion",
	}},
}

// DetectPurpose returns the purpose of the first rule whose keywords match.
func DetectPurpose(text string) Purpose {
	lower := strings.ToLower(text)
	for _, rule := range purposeRules {
		if containsAny(lower, rule.keywords) {
			return rule.purpose
		}
	}
	return PurposeOther
}

var (
	shortKeywords = []string{"short", "brief", "quick"}
	longKeywords  = []string{"long", "detailed", "comprehensive"}
)

// DetectLength checks short keywords before long ones; anything else is medium.
func DetectLength(text string) Length {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, shortKeywords):
		return LengthShort
	case containsAny(lower, longKeywords):
		return LengthLong
	default:
		return LengthMedium
	}
}

// ParseTone validates a tone name. Empty input yields ToneProfessional.
func ParseTone(s string) (Tone, error) {
	switch t := Tone(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return ToneProfessional, nil
	case ToneProfessional, ToneFormal, ToneFriendly, ToneCasual:
		return t, nil
	}
	return "", fmt.Errorf("unknown tone %q", s)
}

// ParsePurpose validates a purpose name.
func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(strings.ToLower(strings.TrimSpace(s))); p {
	case PurposeRelationshipBuilder, PurposeEducationalContent, PurposeFollowUp,
		PurposeScheduling, PurposeFeedbackRequest, PurposeOther:
		return p, nil
	}
	return "", fmt.Errorf("unknown purpose %q", s)
}

// ParseLength validates a length name.
func ParseLength(s string) (Length, error) {
	switch l := Length(strings.ToLower(strings.TrimSpace(s))); l {
	case LengthShort, LengthMedium, LengthLong:
		return l, nil
	}
	return "", fmt.Errorf("unknown length %q", s)
}
