package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/auth"
	"github.com/polyrelay/polyrelay/internal/config"
)

const jwtSignDefaultBase = "https://chat.veloquent.com"

// jwtSignSecret is the fixed signing constant carried by the vendor's web
// client. Ported verbatim.
const jwtSignSecret = "a9f3c1e75b08d4266f1e93b7c05a84dd"

// jwtSignAdapter authenticates with a vendor JWT and signs every request
// with the vendor's mangled-timestamp scheme.
type jwtSignAdapter struct {
	client   *http.Client
	progress ProgressFunc
}

func newJWTSignAdapter(client *http.Client, progress ProgressFunc) *jwtSignAdapter {
	return &jwtSignAdapter{client: client, progress: progressOrNop(progress)}
}

func (a *jwtSignAdapter) Name() string                { return "jwtsign" }
func (a *jwtSignAdapter) AuthStyle() config.AuthStyle { return config.AuthStyleJWT }

// signHeaders attaches the X-Timestamp, X-Nonce and X-Sign triple.
func (a *jwtSignAdapter) signHeaders(req *http.Request) {
	timestamp := mangleTimestamp(strconv.FormatInt(time.Now().UnixMilli(), 10))
	nonce := hexNonce(32)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Sign", signTimestamp(timestamp, nonce, jwtSignSecret))
}

func (a *jwtSignAdapter) ValidateToken(ctx context.Context, creds map[string]string) (*ValidateResult, error) {
	token := creds["token"]
	if !auth.LooksLikeJWT(token) {
		return &ValidateResult{Valid: false, Error: "token is not a JWT"}, nil
	}

	claims, err := auth.DecodeVendorJWT(token)
	if err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}
	if claims.Expired() {
		return &ValidateResult{Valid: false, Error: "token expired"}, nil
	}

	info, err := a.GetAccountInfo(ctx, creds)
	if err != nil {
		// Introspection unreachable: fall back to the JWT payload.
		info = &AccountInfo{UserID: claims.Identity(), Email: claims.Email}
	}
	if err := rejectGuest(info, false); err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}

	return &ValidateResult{Valid: true, TokenType: "jwt", AccountInfo: info}, nil
}

func (a *jwtSignAdapter) RefreshToken(ctx context.Context, creds map[string]string) (*Credential, error) {
	return nil, nil
}

func (a *jwtSignAdapter) ForwardChatCompletion(ctx context.Context, req *Request, creds map[string]string) *ForwardResult {
	start := time.Now()

	httpReq, err := newJSONRequest(ctx, baseURL(req, jwtSignDefaultBase)+"/api/chat/completions", vendorChatBody(req))
	if err != nil {
		return failure(0, err, time.Since(start))
	}
	httpReq.Header.Set("Authorization", "Bearer "+creds["token"])
	a.signHeaders(httpReq)
	applyTemplateHeaders(httpReq, req.Headers)

	return executeUpstream(a.client, httpReq, req.Stream, start)
}

func (a *jwtSignAdapter) GetAccountInfo(ctx context.Context, creds map[string]string) (*AccountInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, jwtSignDefaultBase+"/api/user/current", nil)
	if err != nil {
		return nil, err
	}
	applyFakeHeaders(httpReq)
	httpReq.Header.Set("Authorization", "Bearer "+creds["token"])
	a.signHeaders(httpReq)

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
		UserID:   firstField(data, "data.id", "data.user_id", "id"),
		Email:    firstField(data, "data.email", "email"),
		Phone:    firstField(data, "data.phone", "phone"),
		Name:     firstField(data, "data.name", "name"),
		Nickname: firstField(data, "data.nickname", "nickname"),
		IsGuest:  data.Get("data.is_guest").Bool(),
	}, nil
}
