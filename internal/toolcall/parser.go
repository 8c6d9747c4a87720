// Package toolcall extracts structured tool invocations from model output
// text. Providers without native function calling are prompted to emit a
// bracket protocol:
//
//	[function_calls][call:NAME]{...json...}[/call][/function_calls]
//
// The JSON arguments are frequently damaged (raw newlines inside strings,
// unquoted keys, single quotes), so extraction runs a ladder of repair
// strategies before giving up.
package toolcall

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	// OpenMarker opens a tool-call block in model output.
	OpenMarker = "[function_calls]"
	// CloseMarker closes a tool-call block. It may be missing when a stream
	// was cut short.
	CloseMarker = "[/function_calls]"

	callEndMarker = "[/call]"
)

var (
	callStartRe = regexp.MustCompile(`\[call:([A-Za-z0-9_:-]+)\]`)

	unquotedKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

	// Last-resort shapes for file tools whose content field breaks JSON in
	// every recoverable way.
	writeFileRe = regexp.MustCompile(`(?s)\{\s*"?filePath"?\s*:\s*"(.*?)"\s*,\s*"?content"?\s*:\s*"(.*)"\s*\}`)
	editFileRe  = regexp.MustCompile(`(?s)\{\s*"?filePath"?\s*:\s*"(.*?)"\s*,\s*"?old_str"?\s*:\s*"(.*?)"\s*,\s*"?new_str"?\s*:\s*"(.*)"\s*\}`)

	// XML fallback for providers that emit <tool_use> instead of the bracket
	// protocol. Two structural variants are seen in the wild.
	xmlToolUseRe    = regexp.MustCompile(`(?s)<tool_use>\s*<name>([A-Za-z0-9_:-]+)</name>\s*<parameter\s+name="arguments">(.*?)</parameter>\s*</tool_use>`)
	xmlToolUseAltRe = regexp.MustCompile(`(?s)<tool_use>\s*<name>([A-Za-z0-9_:-]+)</name>\s*<parameters>(.*?)</parameters>\s*</tool_use>`)
)

// FunctionCall carries the function name and its arguments as a compact JSON
// string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one extracted tool invocation in OpenAI wire shape.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
	RawText  string       `json:"-"`
}

// Result is the outcome of parsing a text blob: the residual non-tool text
// and the extracted calls in order of appearance.
type Result struct {
	Content   string
	ToolCalls []ToolCall
}

// Parse extracts all complete tool calls from text. Incomplete calls (a
// streaming remnant still missing its [/call]) are left untouched in the
// residual content so the caller can keep buffering. Parsing is deterministic
// and idempotent: re-parsing the residual yields no further calls once the
// input was complete.
func Parse(text string) Result {
	content := text
	var calls []ToolCall

	for {
		blockStart := strings.Index(content, OpenMarker)
		if blockStart < 0 {
			break
		}

		bodyStart := blockStart + len(OpenMarker)
		bodyEnd := len(content)
		blockEnd := bodyEnd
		closed := false
		if idx := strings.Index(content[bodyStart:], CloseMarker); idx >= 0 {
			bodyEnd = bodyStart + idx
			blockEnd = bodyEnd + len(CloseMarker)
			closed = true
		}

		body := content[bodyStart:bodyEnd]
		residualBody, blockCalls := parseBlock(body, len(calls))
		calls = append(calls, blockCalls...)

		if !closed && len(blockCalls) == 0 {
			// Streaming remnant with nothing complete yet; leave the whole
			// block alone and stop (anything after an open, unclosed block
			// belongs to it).
			break
		}

		var rebuilt string
		if closed && strings.TrimSpace(residualBody) == "" {
			// Fully consumed block: drop the envelope as well.
			rebuilt = content[:blockStart] + content[blockEnd:]
		} else if closed {
			rebuilt = content[:blockStart] + OpenMarker + residualBody + CloseMarker + content[blockEnd:]
		} else {
			rebuilt = content[:blockStart] + OpenMarker + residualBody
		}

		if rebuilt == content {
			// No progress possible on this block; avoid spinning.
			break
		}
		content = rebuilt
	}

	content, xmlCalls := parseXML(content, len(calls))
	calls = append(calls, xmlCalls...)

	return Result{Content: content, ToolCalls: calls}
}

// HasMarker reports whether text contains a complete open marker.
func HasMarker(text string) bool {
	return strings.Contains(text, OpenMarker)
}

// PartialMarkerIndex returns the position of a trailing proper prefix of the
// open marker ("[", "[f", "[fu", ...) in text, or -1. Used by the stream
// transformer to decide how much of a chunk is safe to emit.
func PartialMarkerIndex(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] != '[' {
			continue
		}
		suffix := text[i:]
		if len(suffix) < len(OpenMarker) && strings.HasPrefix(OpenMarker, suffix) {
			return i
		}
	}
	return -1
}

// parseBlock extracts complete [call:NAME]...[/call] regions from a block
// body. It returns the body with parsed regions removed.
func parseBlock(body string, indexBase int) (string, []ToolCall) {
	var calls []ToolCall
	var out strings.Builder
	rest := body

	for {
		loc := callStartRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			out.WriteString(rest)
			break
		}

		name := rest[loc[2]:loc[3]]
		afterMarker := rest[loc[1]:]

		end := strings.Index(afterMarker, callEndMarker)
		if end < 0 {
			// Incomplete call; keep everything from the marker onward.
			out.WriteString(rest)
			break
		}

		inner := afterMarker[:end]
		args, ok := extractArguments(inner)
		raw := rest[loc[0] : loc[1]+end+len(callEndMarker)]

		out.WriteString(rest[:loc[0]])
		if ok {
			calls = append(calls, ToolCall{
				Index: indexBase + len(calls),
				ID:    callID(name, args),
				Type:  "function",
				Function: FunctionCall{
					Name:      name,
					Arguments: args,
				},
				RawText: raw,
			})
		}
		// Unparseable but complete regions are dropped with their envelope;
		// retrying them can never succeed.
		rest = afterMarker[end+len(callEndMarker):]
	}

	return out.String(), calls
}

// extractArguments pulls the first balanced JSON object out of inner and
// normalizes it to a compact string, running the repair ladder when the raw
// text does not parse.
func extractArguments(inner string) (string, bool) {
	candidate, ok := extractBalanced(inner)
	if !ok {
		// No balanced object at all; try the whole region through the repair
		// ladder (covers truncated quotes the balance scan cannot see).
		candidate = strings.TrimSpace(inner)
		if candidate == "" {
			return "", false
		}
	}

	if compacted, ok := compactJSON(candidate); ok {
		return compacted, true
	}

	// Repair ladder: each strategy builds on the previous result and the
	// first version that parses wins.
	repaired := candidate
	for _, repair := range []func(string) string{
		escapeControlCharsInStrings,
		stripWhitespaceOutsideStrings,
		quoteUnquotedKeys,
		singleToDoubleQuotes,
	} {
		repaired = repair(repaired)
		if compacted, ok := compactJSON(repaired); ok {
			return compacted, true
		}
	}

	return recoverKnownShapes(candidate)
}

// extractBalanced returns the first balanced {...} substring of s, honoring
// string literals and backslash escapes.
func extractBalanced(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// compactJSON validates s as JSON and returns it with insignificant
// whitespace removed.
func compactJSON(s string) (string, bool) {
	if !json.Valid([]byte(s)) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return "", false
	}
	return buf.String(), true
}

// escapeControlCharsInStrings escapes raw \n, \r and \t that appear inside
// JSON string literals. Models routinely paste multi-line file content into
// a string without escaping it.
func escapeControlCharsInStrings(s string) string {
	var out strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			out.WriteByte(c)
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				out.WriteByte(c)
				escaped = true
			case '"':
				out.WriteByte(c)
				inString = false
			case '\n':
				out.WriteString(`\n`)
			case '\r':
				out.WriteString(`\r`)
			case '\t':
				out.WriteString(`\t`)
			default:
				out.WriteByte(c)
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		out.WriteByte(c)
	}
	return out.String()
}

// stripWhitespaceOutsideStrings removes whitespace that sits outside string
// literals.
func stripWhitespaceOutsideStrings(s string) string {
	var out strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			out.WriteByte(c)
			escaped = false
			continue
		}
		if inString {
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			out.WriteByte(c)
			continue
		}
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '"':
			inString = true
		}
		out.WriteByte(c)
	}
	return out.String()
}

// quoteUnquotedKeys wraps bare object keys in double quotes.
func quoteUnquotedKeys(s string) string {
	return unquotedKeyRe.ReplaceAllString(s, `$1"$2"$3`)
}

// singleToDoubleQuotes swaps single for double quotes.
func singleToDoubleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `"`)
}

// recoverKnownShapes applies last-resort regexes for the two file-tool
// argument shapes, reading backslash escapes literally.
func recoverKnownShapes(s string) (string, bool) {
	if m := editFileRe.FindStringSubmatch(s); m != nil {
		args := struct {
			FilePath string `json:"filePath"`
			OldStr   string `json:"old_str"`
			NewStr   string `json:"new_str"`
		}{unescapeLiteral(m[1]), unescapeLiteral(m[2]), unescapeLiteral(m[3])}
		payload, err := json.Marshal(args)
		if err != nil {
			return "", false
		}
		return string(payload), true
	}
	if m := writeFileRe.FindStringSubmatch(s); m != nil {
		args := struct {
			FilePath string `json:"filePath"`
			Content  string `json:"content"`
		}{unescapeLiteral(m[1]), unescapeLiteral(m[2])}
		payload, err := json.Marshal(args)
		if err != nil {
			return "", false
		}
		return string(payload), true
	}
	return "", false
}

// unescapeLiteral interprets the escape sequences the recovery regexes
// captured verbatim.
func unescapeLiteral(s string) string {
	replacer := strings.NewReplacer(
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
		`\"`, `"`,
		`\\`, `\`,
	)
	return replacer.Replace(s)
}

// parseXML extracts <tool_use> invocations, for vendors that never learned
// the bracket protocol.
func parseXML(content string, indexBase int) (string, []ToolCall) {
	var calls []ToolCall
	for _, re := range []*regexp.Regexp{xmlToolUseRe, xmlToolUseAltRe} {
		for {
			m := re.FindStringSubmatchIndex(content)
			if m == nil {
				break
			}
			name := content[m[2]:m[3]]
			rawArgs := strings.TrimSpace(content[m[4]:m[5]])
			args, ok := compactJSON(rawArgs)
			if !ok {
				args, ok = extractArguments(rawArgs)
			}
			raw := content[m[0]:m[1]]
			content = content[:m[0]] + content[m[1]:]
			if !ok {
				continue
			}
			calls = append(calls, ToolCall{
				Index: indexBase + len(calls),
				ID:    callID(name, args),
				Type:  "function",
				Function: FunctionCall{
					Name:      name,
					Arguments: args,
				},
				RawText: raw,
			})
		}
	}
	return content, calls
}

// callID derives a stable id from the call itself so repeated parses of the
// same text agree.
func callID(name, args string) string {
	sum := md5.Sum([]byte(name + "\x00" + args))
	return fmt.Sprintf("call_%x", sum[:12])
}
