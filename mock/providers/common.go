package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}

// routingRule matches one "if the instruction is related to X, output 'L'"
// clause of the routing prompt.
var routingRule = regexp.MustCompile(`related to ([^,]+), output '([^']+)'`)

// intentHints are extra words that count towards an intent mentioning the
// key.
var intentHints = map[string][]string{
	"cod":    {"code", "function", "bug", "compile", "python", "golang", "sql", "regex", "script"},
	"reason": {"prove", "why", "solve", "logic", "puzzle", "calculate", "math"},
	"math":   {"prove", "solve", "equation", "calculate", "integral"},
}

// classify answers a routing prompt: it returns the label whose intent best
// matches message, the first label on a tie, and ok=false when system is
// not a routing prompt.
func classify(system, message string) (label string, ok bool) {
	rules := routingRule.FindAllStringSubmatch(system, -1)
	if len(rules) == 0 {
		return "", false
	}

	msg := strings.ToLower(message)
	best, bestScore := rules[0][2], 0
	for _, r := range rules {
		intent := strings.ToLower(r[1])
		score := 0
		for _, w := range strings.Fields(intent) {
			if len(w) > 3 && strings.Contains(msg, w) {
				score++
			}
		}
		for key, hints := range intentHints {
			if !strings.Contains(intent, key) {
				continue
			}
			for _, h := range hints {
				if strings.Contains(msg, h) {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = r[2], score
		}
	}
	return best, true
}
