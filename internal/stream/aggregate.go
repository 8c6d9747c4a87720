package stream

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/sse"
	"github.com/polyrelay/polyrelay/internal/toolcall"
)

// Aggregator collects a full upstream stream into one ChatCompletion
// response body. Content and reasoning are concatenated, native tool-call
// deltas are merged by index, and the bracket-protocol parser runs once over
// the accumulated content at end of stream.
type Aggregator struct {
	responseID string
	model      string
	created    int64

	content      strings.Builder
	reasoning    strings.Builder
	finishReason string

	native map[int]*nativeToolCall

	promptTokens     int
	completionTokens int
	hasUsage         bool
}

type nativeToolCall struct {
	id        string
	typ       string
	name      string
	arguments strings.Builder
}

// NewAggregator creates an aggregator for one buffered completion.
func NewAggregator(responseID, model string, created int64) *Aggregator {
	return &Aggregator{
		responseID: responseID,
		model:      model,
		created:    created,
		native:     make(map[int]*nativeToolCall),
	}
}

// Add consumes one upstream SSE event.
func (a *Aggregator) Add(ev sse.Event) {
	if ev.IsDone() || !gjson.Valid(ev.Data) {
		return
	}
	data := gjson.Parse(ev.Data)

	if usage := data.Get("usage"); usage.Exists() {
		if pt := usage.Get("prompt_tokens"); pt.Exists() {
			a.promptTokens = int(pt.Int())
			a.hasUsage = true
		}
		if ct := usage.Get("completion_tokens"); ct.Exists() {
			a.completionTokens = int(ct.Int())
			a.hasUsage = true
		}
	}

	a.content.WriteString(extractContent(data))
	a.reasoning.WriteString(firstString(data, "choices.0.delta.reasoning_content", "reasoning_content"))

	if fr := firstString(data, "choices.0.finish_reason", "finish_reason"); fr != "" {
		a.finishReason = fr
	}

	data.Get("choices.0.delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		entry, ok := a.native[idx]
		if !ok {
			entry = &nativeToolCall{typ: "function"}
			a.native[idx] = entry
		}
		if id := tc.Get("id").String(); id != "" {
			entry.id = id
		}
		if typ := tc.Get("type").String(); typ != "" {
			entry.typ = typ
		}
		if name := tc.Get("function.name").String(); name != "" {
			entry.name = name
		}
		entry.arguments.WriteString(tc.Get("function.arguments").String())
		return true
	})
}

// AddUsage overrides usage with externally estimated token counts when the
// upstream reported none.
func (a *Aggregator) AddUsage(prompt, completion int) {
	if !a.hasUsage {
		a.promptTokens = prompt
		a.completionTokens = completion
		a.hasUsage = true
	}
}

// Content returns the accumulated raw content so far.
func (a *Aggregator) Content() string {
	return a.content.String()
}

// HasUsage reports whether the upstream carried a usage block.
func (a *Aggregator) HasUsage() bool {
	return a.hasUsage
}

// Response finalizes the aggregation into an OpenAI chat.completion body.
func (a *Aggregator) Response() map[string]interface{} {
	parsed := toolcall.Parse(a.content.String())

	var calls []toolcall.ToolCall
	indices := make([]int, 0, len(a.native))
	for idx := range a.native {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		entry := a.native[idx]
		calls = append(calls, toolcall.ToolCall{
			Index: idx,
			ID:    entry.id,
			Type:  entry.typ,
			Function: toolcall.FunctionCall{
				Name:      entry.name,
				Arguments: entry.arguments.String(),
			},
		})
	}
	for _, tc := range parsed.ToolCalls {
		tc.Index = len(calls)
		calls = append(calls, tc)
	}

	finishReason := a.finishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	message := map[string]interface{}{
		"role": "assistant",
	}
	if reasoning := a.reasoning.String(); reasoning != "" {
		message["reasoning_content"] = reasoning
	}

	if len(calls) > 0 {
		message["content"] = nil
		message["tool_calls"] = marshalToolCalls(calls)
		if finishReason == "stop" {
			finishReason = "tool_calls"
		}
	} else {
		message["content"] = parsed.Content
	}

	return map[string]interface{}{
		"id":      a.responseID,
		"object":  "chat.completion",
		"created": a.created,
		"model":   a.model,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       message,
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     a.promptTokens,
			"completion_tokens": a.completionTokens,
			"total_tokens":      a.promptTokens + a.completionTokens,
		},
	}
}

// marshalToolCalls renders calls without the stream-only index-is-first
// ambiguity: id, type and function only, ordered by index.
func marshalToolCalls(calls []toolcall.ToolCall) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(calls))
	for _, tc := range calls {
		out = append(out, map[string]interface{}{
			"id":   tc.ID,
			"type": tc.Type,
			"function": map[string]interface{}{
				"name":      tc.Function.Name,
				"arguments": compactOrRaw(tc.Function.Arguments),
			},
		})
	}
	return out
}

// compactOrRaw compacts valid JSON argument strings and passes anything else
// through unchanged (native deltas may concatenate into non-JSON midway, but
// at EOF they are normally complete).
func compactOrRaw(args string) string {
	if !json.Valid([]byte(args)) {
		return args
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(args)); err != nil {
		return args
	}
	return buf.String()
}
