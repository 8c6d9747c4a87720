// Package forward dispatches a selected request to its vendor adapter and
// settles the bookkeeping that follows: account counters, failure feedback
// and the request deadline.
package forward

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/balancer"
	"github.com/polyrelay/polyrelay/internal/config"
)

// ErrNoCapacity signals that the balancer found no serviceable account.
var ErrNoCapacity = errors.New("no available account")

// Store is the configuration write surface the forwarder needs.
type Store interface {
	GetSettings() config.Settings
	RecordAccountUsage(accountID string) bool
	UpdateAccount(accountID string, fn func(*config.Account)) bool
	AddLog(level, message string, fields map[string]interface{})
}

// Result pairs the selection with the upstream outcome. Cancel must be called
// once the response (including any stream) is fully consumed.
type Result struct {
	Selection *balancer.Selection
	Forward   *adapter.ForwardResult
	Cancel    context.CancelFunc
}

// Forwarder owns one registry and one balancer, shared across requests.
type Forwarder struct {
	store    Store
	balancer *balancer.Balancer
	registry *adapter.Registry
}

// New creates a forwarder.
func New(store Store, b *balancer.Balancer, registry *adapter.Registry) *Forwarder {
	return &Forwarder{store: store, balancer: b, registry: registry}
}

// Forward selects an account for requestModel and issues the upstream call.
// There is exactly one attempt per request; failover happens across requests
// through the balancer's failure window.
func (f *Forwarder) Forward(ctx context.Context, requestModel string, body []byte, stream bool) (*Result, error) {
	sel, err := f.balancer.SelectAccount(requestModel)
	if err != nil {
		return nil, ErrNoCapacity
	}

	ad, ok := f.registry.ForStyle(sel.Provider.AuthStyle)
	if !ok {
		return nil, errors.New("no adapter for auth style " + string(sel.Provider.AuthStyle))
	}

	settings := f.store.GetSettings()
	timeout := time.Duration(settings.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultTimeoutMs) * time.Millisecond
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)

	creds := f.refreshedCredentials(fctx, ad, sel)

	result := ad.ForwardChatCompletion(fctx, &adapter.Request{
		Body:    body,
		Model:   sel.ActualModel,
		Stream:  stream,
		APIBase: sel.Provider.APIBase,
		Headers: sel.Provider.Headers,
	}, creds)

	f.settle(sel, result)

	if !result.Success {
		cancel()
		if errors.Is(result.Err, context.DeadlineExceeded) || errors.Is(fctx.Err(), context.DeadlineExceeded) {
			result.Status = http.StatusGatewayTimeout
		}
	}

	return &Result{Selection: sel, Forward: result, Cancel: cancel}, nil
}

// refreshedCredentials runs the adapter's refresh flow when the vendor has
// one. A nil refresh is not an error; the request proceeds on the stored
// credentials and the failure window catches a stale token downstream.
func (f *Forwarder) refreshedCredentials(ctx context.Context, ad adapter.Adapter, sel *balancer.Selection) map[string]string {
	creds := make(map[string]string, len(sel.Account.Credentials)+1)
	for k, v := range sel.Account.Credentials {
		creds[k] = v
	}

	cred, err := ad.RefreshToken(ctx, creds)
	if err != nil {
		logrus.Debugf("token refresh failed for account %s: %v", sel.Account.ID, err)
		return creds
	}
	if cred == nil {
		return creds
	}

	creds["access_token"] = cred.Value
	if cred.RefreshToken != "" {
		creds["refresh_token"] = cred.RefreshToken
	}

	// Persist the rotated refresh token so the next request starts fresh.
	f.store.UpdateAccount(sel.Account.ID, func(a *config.Account) {
		if a.Credentials == nil {
			a.Credentials = make(map[string]string)
		}
		a.Credentials["access_token"] = cred.Value
		if cred.RefreshToken != "" {
			a.Credentials["refresh_token"] = cred.RefreshToken
		}
	})
	return creds
}

// settle applies the counter and failure-window discipline for one outcome.
func (f *Forwarder) settle(sel *balancer.Selection, result *adapter.ForwardResult) {
	if result.Success {
		f.store.RecordAccountUsage(sel.Account.ID)
		f.balancer.ClearAccountFailure(sel.Account.ID)
		return
	}

	// Rate limiting is the vendor pushing back, not the account breaking.
	if result.Status != http.StatusTooManyRequests {
		f.balancer.MarkAccountFailed(sel.Account.ID)
	}

	f.store.AddLog("warn", "upstream forward failed", map[string]interface{}{
		"account_id":  sel.Account.ID,
		"provider_id": sel.Provider.ID,
		"model":       sel.ActualModel,
		"status":      result.Status,
		"error":       errString(result.Err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
