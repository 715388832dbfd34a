package orchestrator

import (
	"math"
	"regexp"
	"strings"

	"github.com/dkilleen4417/ai-chat-mp/internal/capability/search"
)

// Relevance weights: term coverage, result count and source quality add
// up to a score out of ten.
const (
	coveragePoints = 4.0
	countPoints    = 3.0
	sourcePoints   = 3.0

	fullCount = 5
)

var (
	numberedResult = regexp.MustCompile(`(?m)^\d+\. `)
	resultURL      = regexp.MustCompile(`(?m)^\s+(https?)://\S+`)
	termSplit      = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

var scoreStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "whats": true, "how": true,
	"are": true, "was": true, "who": true, "why": true, "when": true, "where": true,
	"with": true, "about": true, "this": true, "that": true, "from": true, "does": true,
	"tell": true, "you": true, "can": true, "please": true, "which": true, "into": true,
}

// queryTerms returns the distinct content words of q.
func queryTerms(q string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range termSplit.Split(strings.ToLower(q), -1) {
		if len(w) < 3 || scoreStopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// Relevance scores a search output against the query on a 0 to 10 scale.
// Failed, empty and no-result outputs score zero.
func Relevance(query string, r Result) float64 {
	out := strings.TrimSpace(r.Output)
	if r.Err != nil || out == "" || strings.Contains(out, search.NoResults) {
		return 0
	}
	// The header echoes the query and must not count as coverage.
	if strings.HasPrefix(out, "Search results from ") {
		if i := strings.Index(out, "\n"); i >= 0 {
			out = out[i+1:]
		} else {
			out = ""
		}
	}
	lower := strings.ToLower(out)

	var score float64
	if terms := queryTerms(query); len(terms) > 0 {
		hits := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				hits++
			}
		}
		score += coveragePoints * float64(hits) / float64(len(terms))
	} else {
		score += coveragePoints / 2
	}

	n := len(numberedResult.FindAllString(out, -1))
	score += countPoints * math.Min(float64(n), fullCount) / fullCount

	if strings.HasPrefix(out, "Answer: ") {
		score += 1
	}
	if urls := resultURL.FindAllStringSubmatch(out, -1); len(urls) > 0 {
		secure := 0
		for _, m := range urls {
			if m[1] == "https" {
				secure++
			}
		}
		score += (sourcePoints - 1) * float64(secure) / float64(len(urls))
	}

	return math.Round(math.Min(score, 10)*10) / 10
}
