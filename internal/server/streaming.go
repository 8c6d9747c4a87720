package server

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/forward"
	"github.com/polyrelay/polyrelay/internal/sse"
	"github.com/polyrelay/polyrelay/internal/stream"
	"github.com/polyrelay/polyrelay/internal/token"
)

// streamResponse pipes the upstream stream to the client as OpenAI SSE.
// Whatever the upstream does, a client that saw 200 gets a final [DONE].
func (s *Server) streamResponse(c *gin.Context, requestID, model string, body []byte, res *forward.Result, started time.Time) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(200)
	c.Writer.Flush()

	if res.Forward.SkipTransform {
		s.passthroughStream(c, requestID, model, res.Forward.Stream)
	} else {
		s.transformStream(c, requestID, model, body, res.Forward.Stream)
	}

	s.collector.RecordRequestSuccess(time.Since(started))
}

// transformStream runs upstream bytes through the SSE parser and the chunk
// transformer, closing with a usage chunk and [DONE].
func (s *Server) transformStream(c *gin.Context, requestID, model string, body []byte, upstream io.Reader) {
	tr := stream.NewTransformer(requestID, model)
	parser := sse.NewParser()
	done := false

	defer func() {
		if n := tr.ToolCallsEmitted(); n > 0 {
			logrus.Debugf("stream %s intercepted %d tool calls", requestID, n)
		}
	}()

	writeFrames := func(frames [][]byte) bool {
		for _, frame := range frames {
			if bytes.Equal(frame, []byte(sse.DoneMessage)) {
				if !done {
					s.writeUsageChunk(c, requestID, model, body, tr)
				}
				done = true
			}
			if _, err := c.Writer.Write(frame); err != nil {
				return false
			}
		}
		c.Writer.Flush()
		return true
	}

	buf := make([]byte, 4096)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if !writeFrames(tr.Advance(ev)) {
					return // client went away; the deferred cancel stops the upstream
				}
				if done {
					return
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// Mid-stream upstream failure becomes an in-band error chunk.
			logrus.Debugf("upstream stream error: %v", err)
			writeFrames(tr.FailStream(err))
			return
		}
	}

	for _, ev := range parser.Flush() {
		if !writeFrames(tr.Advance(ev)) {
			return
		}
		if done {
			return
		}
	}
	if !done {
		writeFrames(tr.Finish())
	}
}

// writeUsageChunk emits the final usage chunk ahead of [DONE], falling back
// to token estimation when no upstream chunk reported usage.
func (s *Server) writeUsageChunk(c *gin.Context, requestID, model string, body []byte, tr *stream.Transformer) {
	prompt, completion, ok := tr.Usage()
	if !ok {
		prompt = token.EstimateInputTokens(body)
		completion = token.EstimateOutputTokens(tr.EmittedContent())
	}

	sse.WriteJSON(c.Writer, map[string]interface{}{
		"id":      requestID,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []interface{}{},
		"usage": map[string]interface{}{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	})
}

// doneSentinel is the [DONE] frame prefix watched for in passthrough mode.
var doneSentinel = []byte("data: [DONE]")

// sentinelScanner detects the [DONE] frame in a byte stream even when it is
// split across read boundaries.
type sentinelScanner struct {
	tail []byte
}

func (sc *sentinelScanner) scan(chunk []byte) bool {
	buf := append(append([]byte(nil), sc.tail...), chunk...)
	found := bytes.Contains(buf, doneSentinel)
	if keep := len(doneSentinel) - 1; len(buf) > keep {
		buf = buf[len(buf)-keep:]
	}
	sc.tail = buf
	return found
}

// passthroughStream copies already OpenAI-shaped SSE bytes straight through,
// only guarding the [DONE] terminator.
func (s *Server) passthroughStream(c *gin.Context, requestID, model string, upstream io.Reader) {
	done := false
	scanner := &sentinelScanner{}
	buf := make([]byte, 4096)

	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if scanner.scan(buf[:n]) {
				done = true
			}
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.Debugf("upstream stream error: %v", err)
			tr := stream.NewTransformer(requestID, model)
			for _, frame := range tr.FailStream(err) {
				if _, werr := c.Writer.Write(frame); werr != nil {
					return
				}
			}
			c.Writer.Flush()
			return
		}
	}

	if !done {
		sse.WriteDone(c.Writer)
		c.Writer.Flush()
	}
}
