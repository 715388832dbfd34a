package conversation

import (
	"fmt"
	"strings"
	"unicode"
)

// EstablishAfter is the number of turns a conversation must exceed before
// its topic counts as established.
const EstablishAfter = 6

const minTopicWordLen = 4

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "been": true,
	"before": true, "being": true, "could": true, "does": true, "doing": true,
	"from": true, "have": true, "here": true, "into": true, "just": true,
	"know": true, "like": true, "make": true, "more": true, "much": true,
	"need": true, "please": true, "should": true, "some": true, "tell": true,
	"than": true, "that": true, "them": true, "then": true, "there": true,
	"these": true, "they": true, "thing": true, "this": true, "those": true,
	"today": true, "very": true, "want": true, "what": true, "when": true,
	"where": true, "which": true, "while": true, "will": true, "with": true,
	"would": true, "your": true, "thanks": true, "thank": true, "right": true,
}

// DetectTopic derives the topic state from turns. A topic is established
// once there are more than EstablishAfter turns; its label is the most
// frequent content word of the user's turns, earliest first on ties.
func DetectTopic(turns []Turn) TopicState {
	if len(turns) <= EstablishAfter {
		return TopicState{
			Reasoning: fmt.Sprintf("%d turns; a topic needs more than %d", len(turns), EstablishAfter),
		}
	}

	counts := map[string]int{}
	var order []string
	userTurns := 0
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		userTurns++
		seen := map[string]bool{}
		for _, w := range contentWords(t.Content) {
			if seen[w] {
				continue
			}
			seen[w] = true
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}

	label, best := "", 0
	for _, w := range order {
		if counts[w] > best {
			label, best = w, counts[w]
		}
	}

	if best < 2 {
		return TopicState{
			Established: true,
			Label:       "extended conversation",
			Confidence:  0.5,
			Reasoning:   fmt.Sprintf("%d turns with no recurring subject", len(turns)),
		}
	}

	return TopicState{
		Established: true,
		Label:       label,
		Confidence:  float64(best) / float64(userTurns),
		Reasoning:   fmt.Sprintf("%q appears in %d of %d user turns", label, best, userTurns),
	}
}

func contentWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len([]rune(f)) < minTopicWordLen || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
