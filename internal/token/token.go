package token

import (
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// countOrEstimate counts tokens with tiktoken, falling back to the usual
// characters/4 estimate when the encoder is unavailable.
func countOrEstimate(text string) int {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return len(text) / 4
	}
	c, err := enc.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return c
}

// EstimateInputTokens estimates the prompt token count of an OpenAI chat
// request body. Roles and text content are counted; multimodal parts count
// their text segments only.
func EstimateInputTokens(body []byte) int {
	totalTokens := 0

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if role := msg.Get("role").String(); role != "" {
			totalTokens += countOrEstimate(role)
		}

		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			totalTokens += countOrEstimate(content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text").String(); text != "" {
					totalTokens += countOrEstimate(text)
				}
				return true
			})
		}
		return true
	})

	// Overhead for the request framing.
	totalTokens += 3

	return totalTokens
}

// EstimateOutputTokens estimates the completion token count of accumulated
// response content.
func EstimateOutputTokens(content string) int {
	return countOrEstimate(content)
}
