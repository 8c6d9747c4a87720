// Package stream converts upstream chat chunks into OpenAI wire shape. The
// Transformer is a small state machine with two states, pass-through and
// tool-buffering, advanced once per SSE event.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/sse"
	"github.com/polyrelay/polyrelay/internal/toolcall"
)

// maxToolBuffer caps how much content the transformer will withhold while
// waiting for a tool-call block to complete. Past this, the buffered text is
// treated as plain content.
const maxToolBuffer = 10000

// Transformer rewrites upstream SSE events into OpenAI chat.completion.chunk
// frames, extracting bracket-protocol tool calls from the content stream on
// the way through. One Transformer serves exactly one client stream.
type Transformer struct {
	responseID string
	model      string
	created    int64

	isFirstChunk  bool
	contentBuffer string
	buffering     bool
	toolCallIndex int

	emittedContent strings.Builder

	promptTokens     int
	completionTokens int
	hasUsage         bool
}

// NewTransformer creates a transformer for a single client stream.
func NewTransformer(responseID, model string) *Transformer {
	return &Transformer{
		responseID:   responseID,
		model:        model,
		created:      time.Now().Unix(),
		isFirstChunk: true,
	}
}

// EmittedContent returns all content text emitted so far. Used for usage
// estimation when the upstream never reports usage.
func (t *Transformer) EmittedContent() string {
	return t.emittedContent.String()
}

// Usage returns upstream-reported token usage, if any chunk carried one.
func (t *Transformer) Usage() (prompt, completion int, ok bool) {
	return t.promptTokens, t.completionTokens, t.hasUsage
}

// ToolCallsEmitted reports how many tool-call chunks were produced.
func (t *Transformer) ToolCallsEmitted() int {
	return t.toolCallIndex
}

// Advance processes one upstream SSE event and returns zero or more
// wire-ready frames (each already in "data: ...\n\n" form).
func (t *Transformer) Advance(ev sse.Event) [][]byte {
	if ev.IsDone() {
		return t.Finish()
	}

	if !gjson.Valid(ev.Data) {
		// Some upstreams interleave non-JSON heartbeats; forward verbatim.
		return [][]byte{[]byte(sse.Encode(ev))}
	}

	data := gjson.Parse(ev.Data)

	// Record usage when a chunk carries it (usually the last one).
	if usage := data.Get("usage"); usage.Exists() {
		if pt := usage.Get("prompt_tokens"); pt.Exists() {
			t.promptTokens = int(pt.Int())
			t.hasUsage = true
		}
		if ct := usage.Get("completion_tokens"); ct.Exists() {
			t.completionTokens = int(ct.Int())
			t.hasUsage = true
		}
	}

	content := extractContent(data)
	reasoning := firstString(data, "choices.0.delta.reasoning_content", "reasoning_content")
	nativeToolCalls := data.Get("choices.0.delta.tool_calls")
	finishReason := firstString(data, "choices.0.finish_reason", "finish_reason")

	if content == "" && reasoning == "" && !nativeToolCalls.Exists() && finishReason == "" {
		return nil
	}

	var frames [][]byte

	if content != "" {
		t.contentBuffer += content
		frames = append(frames, t.drainBuffer(false)...)
	}

	// Reasoning, native tool calls and the finish reason ride in their own
	// chunk; buffered content must not delay them.
	if reasoning != "" || nativeToolCalls.Exists() || finishReason != "" {
		delta := map[string]interface{}{}
		if reasoning != "" {
			delta["reasoning_content"] = reasoning
		}
		if nativeToolCalls.Exists() {
			delta["tool_calls"] = json.RawMessage(nativeToolCalls.Raw)
		}
		frames = append(frames, t.chunk(delta, finishReason))
	}

	return frames
}

// Finish flushes buffered content and terminates the stream with [DONE].
func (t *Transformer) Finish() [][]byte {
	var frames [][]byte
	frames = append(frames, t.drainBuffer(true)...)
	frames = append(frames, []byte(sse.DoneMessage))
	return frames
}

// FailStream converts a mid-flight upstream error into one terminal content
// chunk followed by [DONE]. A client that saw 200 OK must never see an
// abrupt close without [DONE].
func (t *Transformer) FailStream(err error) [][]byte {
	var frames [][]byte
	frames = append(frames, t.drainBuffer(true)...)
	delta := map[string]interface{}{
		"content": fmt.Sprintf("\n\n[Error: %s]", err.Error()),
	}
	frames = append(frames, t.chunk(delta, "stop"))
	frames = append(frames, []byte(sse.DoneMessage))
	return frames
}

// drainBuffer runs the tool-buffering protocol over the content buffer and
// returns the frames it resolves. With flush set, everything left is emitted
// as plain content (stream end).
func (t *Transformer) drainBuffer(flush bool) [][]byte {
	var frames [][]byte

	for {
		if !t.buffering {
			if t.contentBuffer == "" {
				return frames
			}

			if p := strings.Index(t.contentBuffer, toolcall.OpenMarker); p >= 0 {
				if p > 0 {
					frames = append(frames, t.contentChunk(t.contentBuffer[:p]))
				}
				t.contentBuffer = t.contentBuffer[p:]
				t.buffering = true
				continue
			}

			if !flush {
				if q := toolcall.PartialMarkerIndex(t.contentBuffer); q >= 0 {
					if q > 0 {
						frames = append(frames, t.contentChunk(t.contentBuffer[:q]))
					}
					t.contentBuffer = t.contentBuffer[q:]
					t.buffering = true
					return frames
				}
			}

			frames = append(frames, t.contentChunk(t.contentBuffer))
			t.contentBuffer = ""
			return frames
		}

		// Buffering state: try to resolve complete tool calls.
		result := toolcall.Parse(t.contentBuffer)
		if len(result.ToolCalls) > 0 {
			for _, tc := range result.ToolCalls {
				tc.Index = t.toolCallIndex
				t.toolCallIndex++
				frames = append(frames, t.toolCallChunk(tc))
			}
			t.contentBuffer = result.Content
			t.buffering = toolcall.HasMarker(t.contentBuffer)
			if !t.buffering {
				if t.contentBuffer != "" {
					continue // residual text goes back through pass-through
				}
				return frames
			}
			continue
		}

		if flush || len(t.contentBuffer) > maxToolBuffer {
			// Give up: treat the buffered text as plain content.
			t.buffering = false
			if t.contentBuffer != "" {
				frames = append(frames, t.contentChunk(t.contentBuffer))
				t.contentBuffer = ""
			}
			return frames
		}

		if !toolcall.HasMarker(t.contentBuffer) && toolcall.PartialMarkerIndex(t.contentBuffer) < 0 {
			// The suspected marker prefix turned out to be ordinary text.
			t.buffering = false
			continue
		}

		// Wait for more chunks.
		return frames
	}
}

// contentChunk builds a frame carrying plain content.
func (t *Transformer) contentChunk(text string) []byte {
	t.emittedContent.WriteString(text)
	return t.chunk(map[string]interface{}{"content": text}, "")
}

// toolCallChunk builds a frame carrying one extracted tool call.
func (t *Transformer) toolCallChunk(tc toolcall.ToolCall) []byte {
	return t.chunk(map[string]interface{}{
		"tool_calls": []toolcall.ToolCall{tc},
	}, "")
}

// chunk renders one chat.completion.chunk frame. The assistant role is
// attached to the first chunk of the stream only.
func (t *Transformer) chunk(delta map[string]interface{}, finishReason string) []byte {
	if t.isFirstChunk {
		delta["role"] = "assistant"
		t.isFirstChunk = false
	}

	var finish interface{}
	if finishReason != "" {
		finish = finishReason
	}

	chunkMap := map[string]interface{}{
		"id":      t.responseID,
		"object":  "chat.completion.chunk",
		"created": t.created,
		"model":   t.model,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			},
		},
	}

	payload, err := json.Marshal(chunkMap)
	if err != nil {
		// Marshal of plain maps cannot realistically fail; degrade to an
		// empty delta rather than break the stream.
		payload = []byte(fmt.Sprintf(`{"id":%q,"object":"chat.completion.chunk","created":%d,"model":%q,"choices":[{"index":0,"delta":{},"finish_reason":null}]}`,
			t.responseID, t.created, t.model))
	}
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

// extractContent pulls content text from the various places upstreams put it.
func extractContent(data gjson.Result) string {
	if data.Type == gjson.String {
		// Some vendors send a bare string as the whole event payload.
		return data.String()
	}
	return firstString(data,
		"choices.0.delta.content",
		"choices.0.text",
		"data.content",
		"data.message",
		"content",
		"message",
	)
}

// firstString returns the first present string value among paths.
func firstString(data gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := data.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
