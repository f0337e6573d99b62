package routing

import (
	"errors"
	"strings"

	"github.com/nulpointcorp/llmhub/internal/registry"
)

// BuildPrompt renders the classifier system prompt from intent→label pairs,
// in the given order.
func BuildPrompt(intents []registry.Intent) (string, error) {
	if len(intents) == 0 {
		return "", errors.New("routing: no intents configured")
	}

	conditions := make([]string, len(intents))
	outputs := make([]string, len(intents))
	for i, in := range intents {
		if in.Intent == "" || in.Label == "" {
			return "", errors.New("routing: intent and label must not be empty")
		}
		conditions[i] = "if the instruction is related to " + in.Intent + ", output '" + in.Label + "'"
		outputs[i] = `"` + in.Label + `"`
	}

	var b strings.Builder
	b.WriteString("You are a routing agent. Based on the provided instruction, ")
	b.WriteString(strings.Join(conditions, ". "))
	b.WriteString(". Do not include any additional text or information in your response. ")
	b.WriteString("Your output must strictly be one of the following with no extra characters: ")
	b.WriteString(strings.Join(outputs, ", "))
	b.WriteString(".")
	return b.String(), nil
}

// normalizeLabel strips whitespace, a trailing period and the quotes models
// like to wrap the label in. A period may sit inside or outside the quotes.
func normalizeLabel(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	s = strings.Trim(s, "\"'`")
	s = strings.TrimSuffix(s, ".")
	return strings.TrimSpace(s)
}
