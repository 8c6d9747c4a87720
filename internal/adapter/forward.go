package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxErrorBody caps how much of an upstream error body is pulled into the
// error message.
const maxErrorBody = 4096

// newJSONRequest builds a POST with a JSON body and the browser headers
// applied.
func newJSONRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	applyFakeHeaders(req)
	return req, nil
}

// executeUpstream runs the upstream call and classifies the outcome. For
// stream requests the response body is handed to the caller unread; buffered
// requests are drained here.
func executeUpstream(client *http.Client, req *http.Request, wantStream bool, start time.Time) *ForwardResult {
	if wantStream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return failure(0, err, latency)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return failure(resp.StatusCode,
			fmt.Errorf("upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
			latency)
	}

	if wantStream {
		return &ForwardResult{
			Success: true,
			Status:  resp.StatusCode,
			Headers: resp.Header,
			Stream:  resp.Body,
			Latency: latency,
		}
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return failure(resp.StatusCode, fmt.Errorf("failed to read upstream body: %w", err), time.Since(start))
	}
	return &ForwardResult{
		Success: true,
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    body,
		Latency: time.Since(start),
	}
}

// vendorChatBody rebuilds the client's OpenAI request into the minimal
// {model, messages, stream} shape the non-OpenAI vendors accept.
func vendorChatBody(req *Request) []byte {
	messages := gjson.GetBytes(req.Body, "messages").Raw
	if messages == "" {
		messages = "[]"
	}

	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	body, _ = sjson.SetRawBytes(body, "messages", []byte(messages))
	body, _ = sjson.SetBytes(body, "stream", req.Stream)

	// Sampling knobs pass through when present.
	for _, key := range []string{"temperature", "top_p", "max_tokens"} {
		if v := gjson.GetBytes(req.Body, key); v.Exists() {
			body, _ = sjson.SetRawBytes(body, key, []byte(v.Raw))
		}
	}
	return body
}

// openaiChatBody keeps the client body intact, overriding only the mapped
// model and the stream flag.
func openaiChatBody(req *Request) []byte {
	body, _ := sjson.SetBytes(req.Body, "model", req.Model)
	body, _ = sjson.SetBytes(body, "stream", req.Stream)
	return body
}

// baseURL picks the per-provider endpoint override or the adapter default.
func baseURL(req *Request, fallback string) string {
	if req.APIBase != "" {
		return req.APIBase
	}
	return fallback
}

// readLimited drains up to maxErrorBody bytes of a response body.
func readLimited(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return body
}

// firstField returns the first present string among paths.
func firstField(data gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := data.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
