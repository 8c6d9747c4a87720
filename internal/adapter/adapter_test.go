package adapter

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/polyrelay/polyrelay/internal/config"
)

func TestRegistryCoversAllStyles(t *testing.T) {
	reg := NewRegistry(nil, nil)

	for _, style := range []config.AuthStyle{
		config.AuthStyleToken,
		config.AuthStyleRefresh,
		config.AuthStyleJWT,
		config.AuthStyleCookie,
		config.AuthStyleComposite,
	} {
		a, ok := reg.ForStyle(style)
		require.True(t, ok, "style %s", style)
		assert.Equal(t, style, a.AuthStyle())
	}

	_, ok := reg.ForStyle(config.AuthStyle("bogus"))
	assert.False(t, ok)
}

func TestTokenAdapterForwardStream(t *testing.T) {
	var gotAuth, gotModel string
	var gotStream bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model").String()
		gotStream = gjson.GetBytes(body, "stream").Bool()
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	a := newTokenAdapter(srv.Client(), nil)
	result := a.ForwardChatCompletion(context.Background(), &Request{
		Body:    []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
		Model:   "upstream-model",
		Stream:  true,
		APIBase: srv.URL,
	}, map[string]string{"token": "tok-1"})

	require.True(t, result.Success)
	require.NotNil(t, result.Stream)
	defer result.Stream.Close()

	// This vendor already speaks OpenAI SSE.
	assert.True(t, result.SkipTransform)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "upstream-model", gotModel)
	assert.True(t, gotStream)
}

func TestTokenAdapterForwardBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":"pong"}}]}`)
	}))
	defer srv.Close()

	a := newTokenAdapter(srv.Client(), nil)
	result := a.ForwardChatCompletion(context.Background(), &Request{
		Body:    []byte(`{"model":"m","messages":[]}`),
		Model:   "m",
		APIBase: srv.URL,
	}, map[string]string{"token": "t"})

	require.True(t, result.Success)
	assert.Nil(t, result.Stream)
	assert.False(t, result.SkipTransform)
	assert.Equal(t, "pong", gjson.GetBytes(result.Body, "choices.0.message.content").String())
	assert.Greater(t, result.Latency, time.Duration(0))
}

func TestForwardUpstreamErrorStatusPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := newTokenAdapter(srv.Client(), nil)
	result := a.ForwardChatCompletion(context.Background(), &Request{
		Body:    []byte(`{"model":"m"}`),
		Model:   "m",
		APIBase: srv.URL,
	}, map[string]string{"token": "t"})

	assert.False(t, result.Success)
	assert.Equal(t, http.StatusTooManyRequests, result.Status)
	assert.ErrorContains(t, result.Err, "429")
}

func TestForwardContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the cancellation reaches the handler context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	a := newTokenAdapter(srv.Client(), nil)
	result := a.ForwardChatCompletion(ctx, &Request{
		Body:    []byte(`{"model":"m"}`),
		Model:   "m",
		APIBase: srv.URL,
	}, map[string]string{"token": "t"})

	assert.False(t, result.Success)
	assert.Error(t, result.Err)
}

func TestRefreshAdapterRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "rt-1", gjson.GetBytes(body, "refresh_token").String())
		io.WriteString(w, `{"data":{"access_token":"at-2","refresh_token":"rt-2","expires_in":3600}}`)
	}))
	defer srv.Close()

	a := newRefreshAdapter(srv.Client(), nil)
	// Point the fixed endpoint at the test server through the transport.
	a.client = rewriteClient(srv)

	cred, err := a.RefreshToken(context.Background(), map[string]string{"refresh_token": "rt-1"})
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "access", cred.Type)
	assert.Equal(t, "at-2", cred.Value)
	assert.Equal(t, "rt-2", cred.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ExpiresAt, time.Minute)
}

func TestRefreshAdapterNilProgressSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		io.WriteString(w, `{"data":{"access_token":"at-1"}}`)
	}))
	defer srv.Close()

	// A directly constructed adapter without a sink must still refresh.
	a := newRefreshAdapter(rewriteClient(srv), nil)
	cred, err := a.RefreshToken(context.Background(), map[string]string{"refresh_token": "rt"})
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "at-1", cred.Value)
}

func TestRefreshAdapterNoRefreshTokenIsNull(t *testing.T) {
	a := newRefreshAdapter(http.DefaultClient, nil)
	cred, err := a.RefreshToken(context.Background(), map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestRefreshAdapterForwardRequiresAccessToken(t *testing.T) {
	a := newRefreshAdapter(http.DefaultClient, nil)
	result := a.ForwardChatCompletion(context.Background(), &Request{
		Body:  []byte(`{"model":"m"}`),
		Model: "m",
	}, map[string]string{})

	assert.False(t, result.Success)
	assert.Equal(t, http.StatusUnauthorized, result.Status)
}

func TestJWTSignAdapterSignsRequests(t *testing.T) {
	var gotTimestamp, gotNonce, gotSign string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTimestamp = r.Header.Get("X-Timestamp")
		gotNonce = r.Header.Get("X-Nonce")
		gotSign = r.Header.Get("X-Sign")
		io.WriteString(w, `{"content":"ok"}`)
	}))
	defer srv.Close()

	a := newJWTSignAdapter(srv.Client(), nil)
	result := a.ForwardChatCompletion(context.Background(), &Request{
		Body:    []byte(`{"model":"m","messages":[]}`),
		Model:   "m",
		APIBase: srv.URL,
	}, map[string]string{"token": "eyJa.eyJb.c"})

	require.True(t, result.Success)
	require.Len(t, gotNonce, 32)
	assert.Equal(t, signTimestamp(gotTimestamp, gotNonce, jwtSignSecret), gotSign)

	// Mangling is idempotent, so an emitted timestamp is a fixed point.
	assert.Equal(t, gotTimestamp, mangleTimestamp(gotTimestamp))
}

func TestJWTSignAdapterRejectsNonJWT(t *testing.T) {
	a := newJWTSignAdapter(http.DefaultClient, nil)
	res, err := a.ValidateToken(context.Background(), map[string]string{"token": "not-a-jwt"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestTicketAdapterSendsCookie(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		io.WriteString(w, `{"data":{"message":"ok"}}`)
	}))
	defer srv.Close()

	a := newTicketAdapter(srv.Client(), nil)
	result := a.ForwardChatCompletion(context.Background(), &Request{
		Body:    []byte(`{"model":"m","messages":[]}`),
		Model:   "m",
		APIBase: srv.URL,
	}, map[string]string{"ticket": "tk-9"})

	require.True(t, result.Success)
	assert.Equal(t, "ticket=tk-9", gotCookie)
}

func TestCompositeResolveCreds(t *testing.T) {
	uid, jwt, err := resolveCreds(map[string]string{"token": "42+eyJa.eyJb.c"})
	require.NoError(t, err)
	assert.Equal(t, "42", uid)
	assert.Equal(t, "eyJa.eyJb.c", jwt)

	uid, jwt, err = resolveCreds(map[string]string{"jwt": "eyJa.eyJb.c", "realUserID": "77"})
	require.NoError(t, err)
	assert.Equal(t, "77", uid)
	assert.Equal(t, "eyJa.eyJb.c", jwt)

	// Without a separator the user id comes out of the JWT payload.
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"user_id":"u55"}`))
	token := "eyJh." + payload + ".sig"
	uid, jwt, err = resolveCreds(map[string]string{"token": token})
	require.NoError(t, err)
	assert.Equal(t, "u55", uid)
	assert.Equal(t, token, jwt)

	_, _, err = resolveCreds(map[string]string{})
	assert.Error(t, err)
}

func TestCompositeAdapterSignsRequests(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		io.WriteString(w, `"ok"`)
	}))
	defer srv.Close()

	a := newCompositeAdapter(srv.Client(), nil)
	result := a.ForwardChatCompletion(context.Background(), &Request{
		Body:    []byte(`{"model":"m","messages":[]}`),
		Model:   "m",
		APIBase: srv.URL,
	}, map[string]string{"token": "42+eyJa.eyJb.c"})

	require.True(t, result.Success)
	assert.Equal(t, "eyJa.eyJb.c", gotHeaders.Get("token"))
	assert.Len(t, gotHeaders.Get("x-signature"), 32)
	assert.Len(t, gotHeaders.Get("yy"), 32)
	assert.NotEmpty(t, gotHeaders.Get("x-timestamp"))
	assert.NotEmpty(t, gotHeaders.Get("x-device-id"))
}

// rewriteClient returns a client that redirects every request to the test
// server, preserving path and query.
func rewriteClient(srv *httptest.Server) *http.Client {
	target := srv.Listener.Addr().String()
	return &http.Client{
		Transport: rewriteTransport{target: target, base: srv.Client().Transport},
	}
}

type rewriteTransport struct {
	target string
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.target
	return t.base.RoundTrip(req)
}
