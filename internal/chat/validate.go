package chat

import (
	"fmt"

	"github.com/nulpointcorp/llmhub/pkg/apierr"
)

const maxStopSequences = 4

type check func(*Request) string

// checks run in a fixed order; Validate reports the first failure.
var checks = []check{
	checkMessages,
	checkTemperature,
	checkTopP,
	checkN,
	checkTopLogprobs,
	checkPresencePenalty,
	checkFrequencyPenalty,
	checkMaxCompletionTokens,
	checkStop,
	checkToolChoice,
	checkLastRole,
}

// Validate returns an apierr validation error naming the first violated
// field, or nil.
func (r *Request) Validate() error {
	for _, c := range checks {
		if msg := c(r); msg != "" {
			return apierr.Validation(msg)
		}
	}
	return nil
}

func checkMessages(r *Request) string {
	if len(r.Messages) == 0 {
		return "messages must contain at least one message"
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Sprintf("messages[%d].role is required", i)
		}
	}
	return ""
}

func checkTemperature(r *Request) string {
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return "temperature must be between 0 and 2"
	}
	return ""
}

func checkTopP(r *Request) string {
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return "top_p must be between 0 and 1"
	}
	return ""
}

func checkN(r *Request) string {
	if r.N != nil && *r.N < 1 {
		return "n must be greater than or equal to 1"
	}
	return ""
}

func checkTopLogprobs(r *Request) string {
	if r.TopLogprobs != nil && *r.TopLogprobs < 1 {
		return "top_logprobs must be greater than or equal to 1"
	}
	return ""
}

func checkPresencePenalty(r *Request) string {
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return "presence_penalty must be between -2 and 2"
	}
	return ""
}

func checkFrequencyPenalty(r *Request) string {
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return "frequency_penalty must be between -2 and 2"
	}
	return ""
}

func checkMaxCompletionTokens(r *Request) string {
	if r.MaxCompletionTokens != nil && *r.MaxCompletionTokens <= 0 {
		return "max_completion_tokens must be greater than 0"
	}
	return ""
}

func checkStop(r *Request) string {
	if len(r.Stop) > maxStopSequences {
		return fmt.Sprintf("stop must contain at most %d sequences", maxStopSequences)
	}
	for _, s := range r.Stop {
		if s == "" {
			return "stop sequences must not be empty"
		}
	}
	return ""
}

func checkToolChoice(r *Request) string {
	if r.ToolChoice == nil {
		return ""
	}
	switch *r.ToolChoice {
	case "auto", "manual":
		return ""
	default:
		return `tool_choice must be "auto" or "manual"`
	}
}

func checkLastRole(r *Request) string {
	if r.Messages[len(r.Messages)-1].Role != "user" {
		return `the role of the last message must be "user"`
	}
	return ""
}
