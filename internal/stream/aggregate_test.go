package stream

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAggregatorPlainCompletion(t *testing.T) {
	agg := NewAggregator("chatcmpl-x", "m1", 1700000000)

	agg.Add(event(`{"choices":[{"delta":{"content":"Hello "}}]}`))
	agg.Add(event(`{"choices":[{"delta":{"content":"world"}}]}`))
	agg.Add(event(`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`))

	resp := agg.Response()
	body := toJSON(t, resp)

	assert.Equal(t, "chatcmpl-x", body.Get("id").String())
	assert.Equal(t, "chat.completion", body.Get("object").String())
	assert.Equal(t, "Hello world", body.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", body.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(5), body.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(7), body.Get("usage.total_tokens").Int())
}

func TestAggregatorReasoningConcatenated(t *testing.T) {
	agg := NewAggregator("id", "m", 0)

	agg.Add(event(`{"choices":[{"delta":{"reasoning_content":"step 1. "}}]}`))
	agg.Add(event(`{"choices":[{"delta":{"reasoning_content":"step 2."}}]}`))
	agg.Add(event(`{"choices":[{"delta":{"content":"answer"}}]}`))

	body := toJSON(t, agg.Response())
	assert.Equal(t, "step 1. step 2.", body.Get("choices.0.message.reasoning_content").String())
	assert.Equal(t, "answer", body.Get("choices.0.message.content").String())
}

func TestAggregatorNativeToolCallsMergedByIndex(t *testing.T) {
	agg := NewAggregator("id", "m", 0)

	agg.Add(event(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"add","arguments":"{\"a\":"}}]}}]}`))
	agg.Add(event(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`))
	agg.Add(event(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`))

	body := toJSON(t, agg.Response())

	require.Equal(t, int64(1), body.Get("choices.0.message.tool_calls.#").Int())
	tc := body.Get("choices.0.message.tool_calls.0")
	assert.Equal(t, "call_1", tc.Get("id").String())
	assert.Equal(t, "add", tc.Get("function.name").String())
	assert.Equal(t, `{"a":1}`, tc.Get("function.arguments").String())

	// Tool calls force the finish reason.
	assert.Equal(t, "tool_calls", body.Get("choices.0.finish_reason").String())
	assert.False(t, body.Get("choices.0.message.content").Exists() && body.Get("choices.0.message.content").Type != gjson.Null)
}

func TestAggregatorParsesBracketProtocolAtEOF(t *testing.T) {
	agg := NewAggregator("id", "m", 0)

	agg.Add(event(`{"choices":[{"delta":{"content":"[function_calls][call:search]"}}]}`))
	agg.Add(event(`{"choices":[{"delta":{"content":"{\"q\":\"go\"}[/call][/function_calls]"}}]}`))

	body := toJSON(t, agg.Response())
	require.Equal(t, int64(1), body.Get("choices.0.message.tool_calls.#").Int())
	assert.Equal(t, "search", body.Get("choices.0.message.tool_calls.0.function.name").String())
	assert.Equal(t, `{"q":"go"}`, body.Get("choices.0.message.tool_calls.0.function.arguments").String())
	assert.Equal(t, "tool_calls", body.Get("choices.0.finish_reason").String())
}

func TestAggregatorEstimatedUsage(t *testing.T) {
	agg := NewAggregator("id", "m", 0)
	agg.Add(event(`{"choices":[{"delta":{"content":"short answer"}}]}`))

	assert.False(t, agg.HasUsage())
	agg.AddUsage(11, 4)

	body := toJSON(t, agg.Response())
	assert.Equal(t, int64(11), body.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(4), body.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(15), body.Get("usage.total_tokens").Int())
}

// Round trip: the aggregated message content equals the concatenation of the
// streamed content chunks for the same upstream bytes.
func TestAggregatorMatchesStreaming(t *testing.T) {
	upstream := []string{
		`{"choices":[{"delta":{"content":"The answer "}}]}`,
		`{"choices":[{"delta":{"content":"is 42."}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	}

	tr := NewTransformer("id", "m")
	var streamed strings.Builder
	for _, data := range upstream {
		for _, frame := range tr.Advance(event(data)) {
			payload := strings.TrimSuffix(strings.TrimPrefix(string(frame), "data: "), "\n\n")
			streamed.WriteString(gjson.Parse(payload).Get("choices.0.delta.content").String())
		}
	}

	agg := NewAggregator("id", "m", 0)
	for _, data := range upstream {
		agg.Add(event(data))
	}
	body := toJSON(t, agg.Response())

	assert.Equal(t, body.Get("choices.0.message.content").String(), streamed.String())
}

func toJSON(t *testing.T, v map[string]interface{}) gjson.Result {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return gjson.ParseBytes(b)
}
