package stream

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/sse"
)

func event(data string) sse.Event {
	return sse.Event{Data: data}
}

// decodeFrames parses "data: ...\n\n" frames back into their payloads.
func decodeFrames(t *testing.T, frames [][]byte) []string {
	t.Helper()
	var payloads []string
	for _, frame := range frames {
		s := string(frame)
		require.True(t, strings.HasPrefix(s, "data: "), "frame %q", s)
		require.True(t, strings.HasSuffix(s, "\n\n"), "frame %q", s)
		payloads = append(payloads, strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n"))
	}
	return payloads
}

func TestTransformerPlainContent(t *testing.T) {
	tr := NewTransformer("chatcmpl-test", "m1")

	frames := tr.Advance(event(`{"choices":[{"delta":{"content":"Hello"}}]}`))
	payloads := decodeFrames(t, frames)
	require.Len(t, payloads, 1)

	chunk := gjson.Parse(payloads[0])
	assert.Equal(t, "chatcmpl-test", chunk.Get("id").String())
	assert.Equal(t, "chat.completion.chunk", chunk.Get("object").String())
	assert.Equal(t, "m1", chunk.Get("model").String())
	assert.Equal(t, "assistant", chunk.Get("choices.0.delta.role").String())
	assert.Equal(t, "Hello", chunk.Get("choices.0.delta.content").String())

	// Role rides on the first chunk only.
	frames = tr.Advance(event(`{"choices":[{"delta":{"content":" world"}}]}`))
	payloads = decodeFrames(t, frames)
	require.Len(t, payloads, 1)
	assert.False(t, gjson.Parse(payloads[0]).Get("choices.0.delta.role").Exists())
}

func TestTransformerContentSourcePreference(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
	}{
		{"openai delta", `{"choices":[{"delta":{"content":"a"}}]}`, "a"},
		{"legacy text", `{"choices":[{"text":"b"}]}`, "b"},
		{"nested data content", `{"data":{"content":"n"}}`, "n"},
		{"nested data message", `{"data":{"message":"p"}}`, "p"},
		{"bare content", `{"content":"c"}`, "c"},
		{"message field", `{"message":"d"}`, "d"},
		{"bare string", `"e"`, "e"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTransformer("id", "m")
			payloads := decodeFrames(t, tr.Advance(event(tc.data)))
			require.Len(t, payloads, 1)
			assert.Equal(t, tc.want, gjson.Parse(payloads[0]).Get("choices.0.delta.content").String())
		})
	}
}

func TestTransformerReasoningContent(t *testing.T) {
	tr := NewTransformer("id", "m")

	payloads := decodeFrames(t, tr.Advance(event(`{"choices":[{"delta":{"reasoning_content":"thinking..."}}]}`)))
	require.Len(t, payloads, 1)
	assert.Equal(t, "thinking...", gjson.Parse(payloads[0]).Get("choices.0.delta.reasoning_content").String())
}

func TestTransformerDropsEmptyEvents(t *testing.T) {
	tr := NewTransformer("id", "m")

	assert.Empty(t, tr.Advance(event(`{"choices":[{"delta":{}}]}`)))
	assert.Empty(t, tr.Advance(event(`{}`)))
}

func TestTransformerForwardsNonJSONVerbatim(t *testing.T) {
	tr := NewTransformer("id", "m")

	frames := tr.Advance(sse.Event{Event: "ping", Data: "heartbeat"})
	require.Len(t, frames, 1)
	assert.Equal(t, "event: ping\ndata: heartbeat\n\n", string(frames[0]))
}

func TestTransformerFinishReason(t *testing.T) {
	tr := NewTransformer("id", "m")

	payloads := decodeFrames(t, tr.Advance(event(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`)))
	require.Len(t, payloads, 1)
	assert.Equal(t, "stop", gjson.Parse(payloads[0]).Get("choices.0.finish_reason").String())
}

// Scenario: a tool call split across three chunks comes out as one content
// chunk, one tool-call chunk and [DONE].
func TestTransformerToolCallSplitAcrossChunks(t *testing.T) {
	tr := NewTransformer("id", "m")

	var frames [][]byte
	frames = append(frames, tr.Advance(event(`{"choices":[{"delta":{"content":"Let me compute. "}}]}`))...)
	frames = append(frames, tr.Advance(event(`{"choices":[{"delta":{"content":"[function_calls][call:add]{\"a\":1,\"b\":"}}]}`))...)
	frames = append(frames, tr.Advance(event(`{"choices":[{"delta":{"content":"2}[/call][/function_calls]"}}]}`))...)
	frames = append(frames, tr.Finish()...)

	require.GreaterOrEqual(t, len(frames), 3)
	last := string(frames[len(frames)-1])
	assert.Equal(t, sse.DoneMessage, last)

	var contents []string
	var toolCalls []gjson.Result
	for _, frame := range frames[:len(frames)-1] {
		payload := strings.TrimSuffix(strings.TrimPrefix(string(frame), "data: "), "\n\n")
		chunk := gjson.Parse(payload)
		if c := chunk.Get("choices.0.delta.content"); c.Exists() && c.String() != "" {
			contents = append(contents, c.String())
		}
		if tc := chunk.Get("choices.0.delta.tool_calls"); tc.Exists() {
			toolCalls = append(toolCalls, tc.Array()...)
		}
	}

	assert.Equal(t, "Let me compute. ", strings.Join(contents, ""))
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "add", toolCalls[0].Get("function.name").String())
	assert.Equal(t, `{"a":1,"b":2}`, toolCalls[0].Get("function.arguments").String())
	assert.Equal(t, int64(0), toolCalls[0].Get("index").Int())
}

func TestTransformerPartialMarkerThatIsPlainText(t *testing.T) {
	tr := NewTransformer("id", "m")

	// "[f" looks like a marker prefix and is withheld...
	frames := tr.Advance(event(`{"choices":[{"delta":{"content":"see [f"}}]}`))
	joined := collectContent(t, frames)

	// ...until the continuation proves it ordinary text.
	frames = tr.Advance(event(`{"choices":[{"delta":{"content":"oo] rest"}}]}`))
	joined += collectContent(t, frames)
	joined += collectContent(t, tr.Finish())

	assert.Equal(t, "see [foo] rest", joined)
}

func TestTransformerGivesUpPastBufferCap(t *testing.T) {
	tr := NewTransformer("id", "m")

	big := "[function_calls][call:x]{\"data\":\"" + strings.Repeat("y", maxToolBuffer+100)
	frames := tr.Advance(event(`{"choices":[{"delta":{"content":` + quote(big) + `}}]}`))
	joined := collectContent(t, frames)
	assert.Equal(t, big, joined)
	assert.Zero(t, tr.ToolCallsEmitted())
}

func TestTransformerFinishFlushesBuffer(t *testing.T) {
	tr := NewTransformer("id", "m")

	// An unterminated marker region is flushed as content on [DONE].
	tr.Advance(event(`{"choices":[{"delta":{"content":"tail [function_calls][call:x]{\"a\":"}}]}`))
	frames := tr.Finish()

	joined := collectContent(t, frames)
	assert.Contains(t, joined, `[function_calls][call:x]{"a":`)
	assert.Equal(t, sse.DoneMessage, string(frames[len(frames)-1]))
}

// Mid-stream upstream failure is converted into an in-band error chunk and a
// proper [DONE] terminator.
func TestTransformerFailStream(t *testing.T) {
	tr := NewTransformer("id", "m")
	tr.Advance(event(`{"choices":[{"delta":{"content":"partial"}}]}`))

	frames := tr.FailStream(errors.New("connection reset by peer"))
	require.Len(t, frames, 2)

	payload := strings.TrimSuffix(strings.TrimPrefix(string(frames[0]), "data: "), "\n\n")
	chunk := gjson.Parse(payload)
	assert.Equal(t, "\n\n[Error: connection reset by peer]", chunk.Get("choices.0.delta.content").String())
	assert.Equal(t, "stop", chunk.Get("choices.0.finish_reason").String())
	assert.Equal(t, sse.DoneMessage, string(frames[1]))
}

func TestTransformerUsagePassedThrough(t *testing.T) {
	tr := NewTransformer("id", "m")

	tr.Advance(event(`{"choices":[{"delta":{"content":"x"}}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`))
	prompt, completion, ok := tr.Usage()
	assert.True(t, ok)
	assert.Equal(t, 7, prompt)
	assert.Equal(t, 3, completion)
}

// Chunk-boundary agnosticism: the concatenated content and the set of tool
// calls do not depend on how the upstream splits its content.
func TestTransformerSplitInvariance(t *testing.T) {
	full := `Intro text [function_calls][call:add]{"a":1,"b":2}[/call][/function_calls] outro`

	run := func(parts []string) (string, int) {
		tr := NewTransformer("id", "m")
		var frames [][]byte
		for _, part := range parts {
			frames = append(frames, tr.Advance(event(quote(part)))...)
		}
		frames = append(frames, tr.Finish()...)

		var content strings.Builder
		tools := 0
		for _, frame := range frames {
			s := string(frame)
			if s == sse.DoneMessage {
				continue
			}
			payload := strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")
			chunk := gjson.Parse(payload)
			content.WriteString(chunk.Get("choices.0.delta.content").String())
			tools += len(chunk.Get("choices.0.delta.tool_calls").Array())
		}
		return content.String(), tools
	}

	wholeContent, wholeTools := run([]string{full})
	require.Equal(t, 1, wholeTools)

	for size := 1; size <= 9; size += 2 {
		var parts []string
		for i := 0; i < len(full); i += size {
			end := i + size
			if end > len(full) {
				end = len(full)
			}
			parts = append(parts, full[i:end])
		}
		content, tools := run(parts)
		assert.Equal(t, wholeContent, content, "chunk size %d", size)
		assert.Equal(t, wholeTools, tools, "chunk size %d", size)
	}
}

func collectContent(t *testing.T, frames [][]byte) string {
	t.Helper()
	var out strings.Builder
	for _, frame := range frames {
		s := string(frame)
		if s == sse.DoneMessage {
			continue
		}
		payload := strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")
		out.WriteString(gjson.Parse(payload).Get("choices.0.delta.content").String())
	}
	return out.String()
}

// quote renders s as a JSON string literal.
func quote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(b)
}
