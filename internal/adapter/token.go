package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/config"
)

const tokenDefaultBase = "https://api.lumichat.ai"

// tokenAdapter speaks to the vendor with a plain bearer token. Its upstream
// is already OpenAI-compatible, so streams pass through untransformed.
type tokenAdapter struct {
	client   *http.Client
	progress ProgressFunc
}

func newTokenAdapter(client *http.Client, progress ProgressFunc) *tokenAdapter {
	return &tokenAdapter{client: client, progress: progressOrNop(progress)}
}

func (a *tokenAdapter) Name() string                { return "token" }
func (a *tokenAdapter) AuthStyle() config.AuthStyle { return config.AuthStyleToken }

func (a *tokenAdapter) ValidateToken(ctx context.Context, creds map[string]string) (*ValidateResult, error) {
	token := creds["token"]
	if token == "" {
		return &ValidateResult{Valid: false, Error: "missing token"}, nil
	}

	info, err := a.GetAccountInfo(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := rejectGuest(info, false); err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}

	return &ValidateResult{Valid: true, TokenType: "access", AccountInfo: info}, nil
}

func (a *tokenAdapter) RefreshToken(ctx context.Context, creds map[string]string) (*Credential, error) {
	return nil, nil
}

func (a *tokenAdapter) ForwardChatCompletion(ctx context.Context, req *Request, creds map[string]string) *ForwardResult {
	start := time.Now()

	httpReq, err := newJSONRequest(ctx, baseURL(req, tokenDefaultBase)+"/v1/chat/completions", openaiChatBody(req))
	if err != nil {
		return failure(0, err, time.Since(start))
	}
	httpReq.Header.Set("Authorization", "Bearer "+creds["token"])
	applyTemplateHeaders(httpReq, req.Headers)

	result := executeUpstream(a.client, httpReq, req.Stream, start)
	result.SkipTransform = result.Stream != nil
	return result
}

func (a *tokenAdapter) GetAccountInfo(ctx context.Context, creds map[string]string) (*AccountInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenDefaultBase+"/v1/user/profile", nil)
	if err != nil {
		return nil, err
	}
	applyFakeHeaders(httpReq)
	httpReq.Header.Set("Authorization", "Bearer "+creds["token"])

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("profile request returned %d", resp.StatusCode)
	}

	body := readLimited(resp)
	data := gjson.ParseBytes(body)
	return &AccountInfo{
		UserID:  firstField(data, "data.id", "id", "user_id"),
		Email:   firstField(data, "data.email", "email"),
		Phone:   firstField(data, "data.phone", "phone"),
		Name:    firstField(data, "data.name", "name"),
		IsGuest: data.Get("data.is_guest").Bool() || data.Get("is_guest").Bool(),
	}, nil
}
