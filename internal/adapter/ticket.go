package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/config"
)

const ticketDefaultBase = "https://ai.brontal.cn"

// ticketAdapter authenticates with a session ticket carried as a cookie.
// Stream chunks arrive as vendor JSON with the text under data.message.
type ticketAdapter struct {
	client   *http.Client
	progress ProgressFunc
}

func newTicketAdapter(client *http.Client, progress ProgressFunc) *ticketAdapter {
	return &ticketAdapter{client: client, progress: progressOrNop(progress)}
}

func (a *ticketAdapter) Name() string                { return "ticket" }
func (a *ticketAdapter) AuthStyle() config.AuthStyle { return config.AuthStyleCookie }

func (a *ticketAdapter) ValidateToken(ctx context.Context, creds map[string]string) (*ValidateResult, error) {
	if creds["ticket"] == "" {
		return &ValidateResult{Valid: false, Error: "missing ticket"}, nil
	}

	info, err := a.GetAccountInfo(ctx, creds)
	if err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}
	// This vendor exposes no guest flag; contactless accounts are sessions.
	if err := rejectGuest(info, true); err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}

	return &ValidateResult{Valid: true, TokenType: "cookie", AccountInfo: info}, nil
}

func (a *ticketAdapter) RefreshToken(ctx context.Context, creds map[string]string) (*Credential, error) {
	return nil, nil
}

func (a *ticketAdapter) ForwardChatCompletion(ctx context.Context, req *Request, creds map[string]string) *ForwardResult {
	start := time.Now()

	httpReq, err := newJSONRequest(ctx, baseURL(req, ticketDefaultBase)+"/api/v1/chat", vendorChatBody(req))
	if err != nil {
		return failure(0, err, time.Since(start))
	}
	httpReq.Header.Set("Cookie", "ticket="+creds["ticket"])
	applyTemplateHeaders(httpReq, req.Headers)

	return executeUpstream(a.client, httpReq, req.Stream, start)
}

func (a *ticketAdapter) GetAccountInfo(ctx context.Context, creds map[string]string) (*AccountInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ticketDefaultBase+"/api/v1/user", nil)
	if err != nil {
		return nil, err
	}
	applyFakeHeaders(httpReq)
	httpReq.Header.Set("Cookie", "ticket="+creds["ticket"])

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("user info returned %d", resp.StatusCode)
	}

	data := gjson.ParseBytes(readLimited(resp))
	return &AccountInfo{
		UserID: firstField(data, "data.uid", "data.id"),
		Email:  firstField(data, "data.email"),
		Phone:  firstField(data, "data.mobile", "data.phone"),
		Name:   firstField(data, "data.nickname", "data.name"),
	}, nil
}
