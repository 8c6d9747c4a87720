package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/config"
)

const refreshDefaultBase = "https://open.quillon.cn"

// refreshAdapter holds a long-lived refresh token and trades it for a short
// access token before each session. Stream chunks arrive as vendor JSON with
// the text under data.content.
type refreshAdapter struct {
	client   *http.Client
	progress ProgressFunc
}

func newRefreshAdapter(client *http.Client, progress ProgressFunc) *refreshAdapter {
	return &refreshAdapter{client: client, progress: progressOrNop(progress)}
}

func (a *refreshAdapter) Name() string                { return "refresh" }
func (a *refreshAdapter) AuthStyle() config.AuthStyle { return config.AuthStyleRefresh }

func (a *refreshAdapter) ValidateToken(ctx context.Context, creds map[string]string) (*ValidateResult, error) {
	cred, err := a.RefreshToken(ctx, creds)
	if err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}
	if cred == nil {
		return &ValidateResult{Valid: false, Error: "missing refresh_token"}, nil
	}

	info, err := a.accountInfo(ctx, cred.Value)
	if err != nil {
		return nil, err
	}
	// Real accounts on this vendor always carry an email or a phone.
	if err := rejectGuest(info, true); err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}

	return &ValidateResult{Valid: true, TokenType: "refresh", AccountInfo: info}, nil
}

func (a *refreshAdapter) RefreshToken(ctx context.Context, creds map[string]string) (*Credential, error) {
	refreshToken := creds["refresh_token"]
	if refreshToken == "" {
		return nil, nil
	}

	a.progress("refreshing", "exchanging refresh token", nil)

	body := []byte(fmt.Sprintf(`{"refresh_token":%q}`, refreshToken))
	httpReq, err := newJSONRequest(ctx, refreshDefaultBase+"/api/auth/refresh", body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("refresh returned %d", resp.StatusCode)
	}

	data := gjson.ParseBytes(readLimited(resp))
	accessToken := firstField(data, "data.access_token", "access_token")
	if accessToken == "" {
		return nil, fmt.Errorf("refresh response missing access_token")
	}

	cred := &Credential{
		Type:         "access",
		Value:        accessToken,
		RefreshToken: firstField(data, "data.refresh_token", "refresh_token"),
	}
	if exp := data.Get("data.expires_in"); exp.Exists() {
		cred.ExpiresAt = time.Now().Add(time.Duration(exp.Int()) * time.Second)
	}

	a.progress("refreshed", "access token obtained", nil)
	return cred, nil
}

func (a *refreshAdapter) ForwardChatCompletion(ctx context.Context, req *Request, creds map[string]string) *ForwardResult {
	start := time.Now()

	accessToken := creds["access_token"]
	if accessToken == "" {
		accessToken = creds["token"]
	}
	if accessToken == "" {
		return failure(401, fmt.Errorf("no access token available"), time.Since(start))
	}

	httpReq, err := newJSONRequest(ctx, baseURL(req, refreshDefaultBase)+"/api/chat/completions", vendorChatBody(req))
	if err != nil {
		return failure(0, err, time.Since(start))
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	applyTemplateHeaders(httpReq, req.Headers)

	return executeUpstream(a.client, httpReq, req.Stream, start)
}

func (a *refreshAdapter) GetAccountInfo(ctx context.Context, creds map[string]string) (*AccountInfo, error) {
	accessToken := creds["access_token"]
	if accessToken == "" {
		cred, err := a.RefreshToken(ctx, creds)
		if err != nil || cred == nil {
			return nil, err
		}
		accessToken = cred.Value
	}
	return a.accountInfo(ctx, accessToken)
}

func (a *refreshAdapter) accountInfo(ctx context.Context, accessToken string) (*AccountInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, refreshDefaultBase+"/api/user/info", nil)
	if err != nil {
		return nil, err
	}
	applyFakeHeaders(httpReq)
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

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
		UserID:  firstField(data, "data.id", "data.user_id"),
		Email:   firstField(data, "data.email"),
		Phone:   firstField(data, "data.phone", "data.mobile"),
		Name:    firstField(data, "data.name", "data.username"),
		IsGuest: data.Get("data.is_guest").Bool(),
	}, nil
}
