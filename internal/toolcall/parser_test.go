package toolcall

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSingleCall(t *testing.T) {
	input := `Let me help. [function_calls][call:add]{"a":1,"b":2}[/call][/function_calls] Done.`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)

	tc := result.ToolCalls[0]
	assert.Equal(t, "add", tc.Function.Name)
	assert.Equal(t, `{"a":1,"b":2}`, tc.Function.Arguments)
	assert.Equal(t, "function", tc.Type)
	assert.Equal(t, 0, tc.Index)
	assert.NotEmpty(t, tc.ID)
	assert.Equal(t, "Let me help.  Done.", result.Content)
}

func TestParseMultipleCalls(t *testing.T) {
	input := `[function_calls][call:read]{"path":"a.txt"}[/call][call:write]{"path":"b.txt"}[/call][/function_calls]`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 2)
	assert.Equal(t, "read", result.ToolCalls[0].Function.Name)
	assert.Equal(t, "write", result.ToolCalls[1].Function.Name)
	assert.Equal(t, 0, result.ToolCalls[0].Index)
	assert.Equal(t, 1, result.ToolCalls[1].Index)
	assert.Empty(t, result.Content)
}

func TestParseMissingCloseMarker(t *testing.T) {
	// The closing [/function_calls] may be absent on a cut stream; complete
	// inner calls are still extracted.
	input := `[function_calls][call:add]{"a":1}[/call]`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, `{"a":1}`, result.ToolCalls[0].Function.Arguments)
}

func TestParseIncompleteCallLeftInResidual(t *testing.T) {
	input := `[function_calls][call:add]{"a":1,"b":`

	result := Parse(input)
	assert.Empty(t, result.ToolCalls)
	assert.Contains(t, result.Content, "[function_calls]")
	assert.Contains(t, result.Content, `{"a":1,"b":`)
}

func TestParseCompactsArguments(t *testing.T) {
	input := "[function_calls][call:fmt]{\n  \"key\": \"value\",\n  \"n\": 3\n}[/call][/function_calls]"

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, `{"key":"value","n":3}`, result.ToolCalls[0].Function.Arguments)
}

func TestParseNestedBracesAndStrings(t *testing.T) {
	input := `[function_calls][call:q]{"outer":{"inner":"has } brace and \" quote"}}[/call][/function_calls]`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.ToolCalls[0].Function.Arguments), &decoded))
	inner := decoded["outer"].(map[string]interface{})
	assert.Equal(t, `has } brace and " quote`, inner["inner"])
}

func TestRepairControlCharsInStrings(t *testing.T) {
	input := "[function_calls][call:write]{\"text\": \"line1\nline2\tend\"}[/call][/function_calls]"

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.ToolCalls[0].Function.Arguments), &decoded))
	assert.Equal(t, "line1\nline2\tend", decoded["text"])
}

func TestRepairUnquotedKeys(t *testing.T) {
	input := `[function_calls][call:go]{path: "x", depth: 2}[/call][/function_calls]`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.ToolCalls[0].Function.Arguments), &decoded))
	assert.Equal(t, "x", decoded["path"])
	assert.Equal(t, float64(2), decoded["depth"])
}

func TestRepairSingleQuotes(t *testing.T) {
	input := `[function_calls][call:go]{'path': 'x'}[/call][/function_calls]`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.ToolCalls[0].Function.Arguments), &decoded))
	assert.Equal(t, "x", decoded["path"])
}

func TestRecoverWriteFileShape(t *testing.T) {
	// Hopeless JSON that still matches the known write-file shape.
	input := `[function_calls][call:write_file]{"filePath": "main.go", "content": "package main\nfunc main() { fmt.Println("hi") }"}[/call][/function_calls]`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.ToolCalls[0].Function.Arguments), &decoded))
	assert.Equal(t, "main.go", decoded["filePath"])
	assert.Contains(t, decoded["content"], "package main")
}

func TestRecoverEditFileShape(t *testing.T) {
	input := `[function_calls][call:edit_file]{"filePath": "a.go", "old_str": "x := 1", "new_str": "x := 2\ny := "3""}[/call][/function_calls]`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.ToolCalls[0].Function.Arguments), &decoded))
	assert.Equal(t, "a.go", decoded["filePath"])
	assert.Equal(t, "x := 1", decoded["old_str"])
}

func TestParseXMLFallback(t *testing.T) {
	input := `before <tool_use><name>search</name><parameter name="arguments">{"q":"golang"}</parameter></tool_use> after`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "search", result.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"q":"golang"}`, result.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "before  after", result.Content)
}

func TestParseXMLVariant(t *testing.T) {
	input := `<tool_use><name>fetch</name><parameters>{"url":"https://example.com"}</parameters></tool_use>`

	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "fetch", result.ToolCalls[0].Function.Name)
}

// Determinism and idempotence: parse(t) is stable, and parsing the residual
// of a complete input yields no further calls.
func TestParseDeterministicAndIdempotent(t *testing.T) {
	inputs := []string{
		`text [function_calls][call:a]{"x":1}[/call][/function_calls] tail`,
		`[function_calls][call:a]{bad json[/call][/function_calls]`,
		`plain text without markers`,
		`<tool_use><name>n</name><parameters>{"k":"v"}</parameters></tool_use>`,
	}

	for _, input := range inputs {
		first := Parse(input)
		second := Parse(input)
		assert.Equal(t, first, second, "parse must be stable for %q", input)

		again := Parse(first.Content)
		assert.Empty(t, again.ToolCalls, "residual of %q must carry no calls", input)
	}
}

func TestParseRoundTripArguments(t *testing.T) {
	payload := map[string]interface{}{
		"query": "weather in SF",
		"opts":  map[string]interface{}{"units": "metric", "days": float64(3)},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	input := "[function_calls][call:weather]" + string(raw) + "[/call][/function_calls]"
	result := Parse(input)
	require.Len(t, result.ToolCalls, 1)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.ToolCalls[0].Function.Arguments), &decoded))
	assert.Equal(t, payload, decoded)
}

func TestPartialMarkerIndex(t *testing.T) {
	assert.Equal(t, 5, PartialMarkerIndex("hello["))
	assert.Equal(t, 6, PartialMarkerIndex("text  [func"))
	assert.Equal(t, -1, PartialMarkerIndex("no marker here"))
	assert.Equal(t, -1, PartialMarkerIndex("done [function_calls]"))
	assert.Equal(t, 0, PartialMarkerIndex("[function_call"))
}

func TestHasMarker(t *testing.T) {
	assert.True(t, HasMarker("x [function_calls] y"))
	assert.False(t, HasMarker("x [function y"))
}

func TestEmptyEnvelopeRemoved(t *testing.T) {
	input := `a [function_calls]  [/function_calls] b`

	result := Parse(input)
	assert.Empty(t, result.ToolCalls)
	assert.Equal(t, "a  b", result.Content)
}
