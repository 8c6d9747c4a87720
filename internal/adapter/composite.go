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

const compositeDefaultBase = "https://api.minglow.cn"

// compositeAdapter authenticates with a "realUserID+jwt" composite token and
// signs every call with the vendor's user-info scheme. Stream chunks arrive
// as bare JSON strings or {content} objects.
type compositeAdapter struct {
	client   *http.Client
	progress ProgressFunc
	deviceID string
}

func newCompositeAdapter(client *http.Client, progress ProgressFunc) *compositeAdapter {
	return &compositeAdapter{
		client:   client,
		progress: progressOrNop(progress),
		deviceID: newDeviceID(),
	}
}

func (a *compositeAdapter) Name() string                { return "composite" }
func (a *compositeAdapter) AuthStyle() config.AuthStyle { return config.AuthStyleComposite }

// resolveCreds normalizes the two accepted credential shapes into a user id
// and JWT pair.
func resolveCreds(creds map[string]string) (userID, jwtToken string, err error) {
	if token := creds["token"]; token != "" {
		uid, jwt, ok := splitCompositeToken(token)
		if ok {
			return uid, jwt, nil
		}
		jwtToken = jwt
	} else {
		userID = creds["realUserID"]
		jwtToken = creds["jwt"]
	}

	if jwtToken == "" {
		return "", "", fmt.Errorf("missing jwt credential")
	}
	if userID == "" {
		claims, err := auth.DecodeVendorJWT(jwtToken)
		if err != nil {
			return "", "", fmt.Errorf("cannot derive user id: %w", err)
		}
		userID = claims.Identity()
		if userID == "" {
			return "", "", fmt.Errorf("jwt carries no user id")
		}
	}
	return userID, jwtToken, nil
}

// signHeaders attaches the token, x-timestamp, x-signature and yy headers.
func (a *compositeAdapter) signHeaders(req *http.Request, userID, jwtToken string) {
	now := time.Now()
	unixMillis := strconv.FormatInt(now.UnixMilli(), 10)
	unixSeconds := now.Unix()

	yy, xSignature, _ := userInfoSignature(userID, jwtToken, unixMillis, unixSeconds)
	req.Header.Set("token", jwtToken)
	req.Header.Set("x-timestamp", strconv.FormatInt(unixSeconds, 10))
	req.Header.Set("x-signature", xSignature)
	req.Header.Set("yy", yy)
	req.Header.Set("x-device-id", a.deviceID)
}

func (a *compositeAdapter) ValidateToken(ctx context.Context, creds map[string]string) (*ValidateResult, error) {
	userID, jwtToken, err := resolveCreds(creds)
	if err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}

	if claims, err := auth.DecodeVendorJWT(jwtToken); err == nil && claims.Expired() {
		return &ValidateResult{Valid: false, Error: "token expired"}, nil
	}

	info, err := a.accountInfo(ctx, userID, jwtToken)
	if err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}
	if err := rejectGuest(info, false); err != nil {
		return &ValidateResult{Valid: false, Error: err.Error()}, nil
	}

	return &ValidateResult{Valid: true, TokenType: "jwt", AccountInfo: info}, nil
}

func (a *compositeAdapter) RefreshToken(ctx context.Context, creds map[string]string) (*Credential, error) {
	return nil, nil
}

func (a *compositeAdapter) ForwardChatCompletion(ctx context.Context, req *Request, creds map[string]string) *ForwardResult {
	start := time.Now()

	userID, jwtToken, err := resolveCreds(creds)
	if err != nil {
		return failure(401, err, time.Since(start))
	}

	httpReq, err := newJSONRequest(ctx, baseURL(req, compositeDefaultBase)+"/v1/api/chat/completions", vendorChatBody(req))
	if err != nil {
		return failure(0, err, time.Since(start))
	}
	a.signHeaders(httpReq, userID, jwtToken)
	applyTemplateHeaders(httpReq, req.Headers)

	return executeUpstream(a.client, httpReq, req.Stream, start)
}

func (a *compositeAdapter) GetAccountInfo(ctx context.Context, creds map[string]string) (*AccountInfo, error) {
	userID, jwtToken, err := resolveCreds(creds)
	if err != nil {
		return nil, err
	}
	return a.accountInfo(ctx, userID, jwtToken)
}

func (a *compositeAdapter) accountInfo(ctx context.Context, userID, jwtToken string) (*AccountInfo, error) {
	now := time.Now()
	unixMillis := strconv.FormatInt(now.UnixMilli(), 10)
	unixSeconds := now.Unix()
	yy, xSignature, queryStr := userInfoSignature(userID, jwtToken, unixMillis, unixSeconds)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		compositeDefaultBase+"/v1/api/user/info?"+queryStr, nil)
	if err != nil {
		return nil, err
	}
	applyFakeHeaders(httpReq)
	httpReq.Header.Set("token", jwtToken)
	httpReq.Header.Set("x-timestamp", strconv.FormatInt(unixSeconds, 10))
	httpReq.Header.Set("x-signature", xSignature)
	httpReq.Header.Set("yy", yy)
	httpReq.Header.Set("x-device-id", a.deviceID)

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
		UserID:   firstField(data, "data.user_id", "data.id"),
		Email:    firstField(data, "data.email"),
		Phone:    firstField(data, "data.phone"),
		Name:     firstField(data, "data.name"),
		Nickname: firstField(data, "data.nickname"),
		IsGuest:  data.Get("data.is_guest").Bool(),
	}, nil
}
