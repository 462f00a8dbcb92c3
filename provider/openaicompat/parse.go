package openaicompat

import (
	loom "github.com/nevindra/loom"
)

// ParseResponse converts an OpenAI-format ChatResponse to a loom ChatResponse.
// It extracts content, usage, and the OpenRouter-style cost from choices[0].
func ParseResponse(resp ChatResponse) (loom.ChatResponse, error) {
	var out loom.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	if msg := resp.Choices[0].Message; msg != nil {
		out.Content = msg.Content
	}

	if resp.Usage != nil {
		out.Usage = loom.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		out.Cost = resp.Usage.Cost
	}

	return out, nil
}
