package server

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/polyrelay/polyrelay/internal/forward"
	"github.com/polyrelay/polyrelay/internal/server/middleware"
	"github.com/polyrelay/polyrelay/internal/sse"
	"github.com/polyrelay/polyrelay/internal/stream"
	"github.com/polyrelay/polyrelay/internal/token"
)

// newRequestID allocates a chatcmpl-<time36>-<rand36> identifier.
func newRequestID() string {
	return fmt.Sprintf("chatcmpl-%s-%s",
		strconv.FormatInt(time.Now().UnixMilli(), 36),
		strconv.FormatInt(rand.Int63(), 36))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Message: message,
			Type:    "invalid_request_error",
		},
	})
}

// handleChatCompletions serves POST /v1/chat/completions.
func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		badRequest(c, "Invalid JSON body")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		badRequest(c, "Missing required field: model")
		return
	}
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		badRequest(c, "Missing or empty field: messages")
		return
	}

	s.completeChat(c, body, model, gjson.GetBytes(body, "stream").Bool())
}

// handleCompletions serves the legacy POST /v1/completions by rewriting the
// prompt into chat messages.
func (s *Server) handleCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		badRequest(c, "Invalid JSON body")
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		badRequest(c, "Missing required field: model")
		return
	}

	rewritten, err := promptToMessages(body)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	s.completeChat(c, rewritten, model, gjson.GetBytes(body, "stream").Bool())
}

// promptToMessages turns prompt: string | string[] into chat messages. An
// array alternates user and assistant turns, starting from user.
func promptToMessages(body []byte) ([]byte, error) {
	prompt := gjson.GetBytes(body, "prompt")

	var messages []map[string]interface{}
	switch {
	case prompt.Type == gjson.String:
		messages = []map[string]interface{}{
			{"role": "user", "content": prompt.String()},
		}
	case prompt.IsArray():
		for i, p := range prompt.Array() {
			role := "user"
			if i%2 == 1 {
				role = "assistant"
			}
			messages = append(messages, map[string]interface{}{
				"role": role, "content": p.String(),
			})
		}
		if len(messages) == 0 {
			return nil, errors.New("Missing or empty field: prompt")
		}
	default:
		return nil, errors.New("Missing or empty field: prompt")
	}

	out, err := sjson.DeleteBytes(body, "prompt")
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "messages", messages)
}

// completeChat runs the shared forwarding path. The upstream is always asked
// to stream; non-stream clients get the aggregated result.
func (s *Server) completeChat(c *gin.Context, body []byte, model string, streaming bool) {
	requestID := newRequestID()
	started := time.Now()
	s.collector.RecordRequestStart(model, "", "")

	res, err := s.forwarder.Forward(c.Request.Context(), model, body, true)
	if errors.Is(err, forward.ErrNoCapacity) {
		s.collector.RecordRequestAbandoned()
		c.JSON(http.StatusServiceUnavailable, middleware.ErrorResponse{
			Error: middleware.ErrorDetail{
				Message: "No available account for model " + model,
				Type:    "service_unavailable_error",
				Code:    "no_available_account",
			},
		})
		return
	}
	if err != nil {
		s.collector.RecordRequestFailure(time.Since(started))
		c.JSON(http.StatusInternalServerError, middleware.ErrorResponse{
			Error: middleware.ErrorDetail{
				Message: err.Error(),
				Type:    "internal_error",
			},
		})
		return
	}

	if res.Selection != nil {
		s.collector.RecordRequestRouted(res.Selection.Provider.ID, res.Selection.Account.ID)
	}

	fr := res.Forward
	if !fr.Success {
		s.collector.RecordRequestFailure(fr.Latency)
		status := fr.Status
		if status < 400 {
			status = http.StatusInternalServerError
		}
		c.JSON(status, middleware.ErrorResponse{
			Error: middleware.ErrorDetail{
				Message: errMessage(fr.Err),
				Type:    "api_error",
			},
		})
		return
	}

	defer res.Cancel()
	if fr.Stream != nil {
		defer fr.Stream.Close()
	}

	if streaming {
		s.streamResponse(c, requestID, model, body, res, started)
		return
	}
	s.aggregateResponse(c, requestID, model, body, res, started)
}

// aggregateResponse drains the upstream stream into one buffered completion.
func (s *Server) aggregateResponse(c *gin.Context, requestID, model string, body []byte, res *forward.Result, started time.Time) {
	agg := stream.NewAggregator(requestID, model, time.Now().Unix())
	parser := sse.NewParser()

	if res.Forward.Stream != nil {
		buf := make([]byte, 4096)
		for {
			n, err := res.Forward.Stream.Read(buf)
			if n > 0 {
				for _, ev := range parser.Feed(buf[:n]) {
					agg.Add(ev)
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				logrus.Debugf("upstream read ended early: %v", err)
				break
			}
		}
		for _, ev := range parser.Flush() {
			agg.Add(ev)
		}
	} else {
		// Buffered upstream bodies arrive as a single pseudo event.
		agg.Add(sse.Event{Data: string(res.Forward.Body)})
	}

	if !agg.HasUsage() {
		agg.AddUsage(token.EstimateInputTokens(body), token.EstimateOutputTokens(agg.Content()))
	}

	s.collector.RecordRequestSuccess(time.Since(started))
	c.JSON(http.StatusOK, agg.Response())
}

// handleModels serves GET /v1/models: the union of concrete supported models
// across enabled providers that have at least one active account.
func (s *Server) handleModels(c *gin.Context) {
	created := time.Now().Unix()
	seen := make(map[string]bool)
	data := make([]gin.H, 0)

	for _, p := range s.store.GetProviders() {
		if !p.Enabled {
			continue
		}
		active := false
		for _, a := range s.store.GetAccountsByProviderID(p.ID, false) {
			if a.Selectable() {
				active = true
				break
			}
		}
		if !active {
			continue
		}

		ownedBy := p.Name
		if ownedBy == "" {
			ownedBy = p.ID
		}
		for _, m := range p.SupportedModels {
			if strings.Contains(m, "*") || seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, gin.H{
				"id":       m,
				"object":   "model",
				"created":  created,
				"owned_by": ownedBy,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleStatus serves GET /v1/status with traffic counters and pool health.
func (s *Server) handleStatus(c *gin.Context) {
	providers := s.store.GetProviders()
	pool := make([]gin.H, 0, len(providers))
	for _, p := range providers {
		accounts := s.store.GetAccountsByProviderID(p.ID, false)
		selectable := 0
		for _, a := range accounts {
			if a.Selectable() {
				selectable++
			}
		}
		pool = append(pool, gin.H{
			"id":                  p.ID,
			"name":                p.Name,
			"enabled":             p.Enabled,
			"accounts":            len(accounts),
			"selectable_accounts": selectable,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"statistics": s.collector.GetStatistics(),
		"providers":  pool,
	})
}

func errMessage(err error) string {
	if err == nil {
		return "upstream request failed"
	}
	return err.Error()
}
