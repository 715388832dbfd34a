package conversation

import (
	"fmt"
	"regexp"
	"strings"
)

// focusedTurns caps the window when the topic is held with high confidence.
const focusedTurns = 8

const focusedConfidence = 0.8

var standalonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(weather|temperature|forecast|rain|snow)\b`),
	regexp.MustCompile(`\bwhat time\b|\bcurrent time\b|\btime is it\b`),
	regexp.MustCompile(`\d+\s*[-+*/]\s*\d+|\bcalculate\b`),
	regexp.MustCompile(`^(what is|what's|define|definition of)\b`),
	regexp.MustCompile(`^how (do|to|can) (i|you)\b`),
	regexp.MustCompile(`^(show|list|give) me\b`),
}

var dependentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(that|this|it|those|these|them)\b`),
	regexp.MustCompile(`^(also|and|but|so|then)\b`),
	regexp.MustCompile(`\b(compared to|instead|as well|the same)\b`),
	regexp.MustCompile(`\b(more about|tell me more|go on|what else|why)\b`),
	regexp.MustCompile(`\b(you said|you mentioned|earlier|before|above)\b`),
}

// Window picks the history turns worth sending with question, at most limit.
// Until a topic is established the last limit turns go through unchanged. Once
// it is, a question that reads as standalone and does not mention the topic
// gets no history, and a strongly held topic narrows the window.
func Window(c *Context, question string, limit int) ([]Turn, string) {
	if c == nil || limit <= 0 || len(c.Turns) == 0 {
		return nil, "no history"
	}
	if !c.Topic.Established {
		return c.Last(limit), fmt.Sprintf("last %d turns; no established topic", limit)
	}

	q := strings.ToLower(strings.TrimSpace(question))
	if !mentions(q, c.Topic.Label) && Standalone(q) {
		return nil, fmt.Sprintf("standalone question outside topic %q", c.Topic.Label)
	}

	n := limit
	if c.Topic.Confidence >= focusedConfidence && n > focusedTurns {
		n = focusedTurns
	}
	return c.Last(n), fmt.Sprintf("last %d turns on topic %q", n, c.Topic.Label)
}

// Standalone reports whether question reads as answerable without history:
// it matches more standalone patterns than context-dependent ones.
func Standalone(question string) bool {
	q := strings.ToLower(question)
	return countMatches(standalonePatterns, q) > countMatches(dependentPatterns, q)
}

func countMatches(patterns []*regexp.Regexp, s string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(s) {
			n++
		}
	}
	return n
}

func mentions(q, label string) bool {
	if label == "" {
		return false
	}
	return strings.Contains(q, strings.ToLower(label))
}
