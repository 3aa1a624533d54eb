package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/retail-bank-web/realtime/internal/backend"
	"github.com/retail-bank-web/realtime/internal/model"
)

// TokenSource is the pluggable auth callback invoked once per connection attempt.
type TokenSource interface {
	Token(ctx context.Context) (*model.TokenDetails, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (*model.TokenDetails, error)

// Token calls f.
func (f TokenSourceFunc) Token(ctx context.Context) (*model.TokenDetails, error) {
	return f(ctx)
}

// HTTPTokenSource fetches tokens from the token endpoint with the session credential.
type HTTPTokenSource struct {
	endpoint      string
	sessionCookie string
	cred          backend.Credential
	clientID      string
	http          *http.Client
}

// NewHTTPTokenSource creates a token source. clientID is advisory: the
// server binds the token to the verified identity regardless.
func NewHTTPTokenSource(endpoint, sessionCookie string, cred backend.Credential, clientID string) *HTTPTokenSource {
	return &HTTPTokenSource{
		endpoint:      endpoint,
		sessionCookie: sessionCookie,
		cred:          cred,
		clientID:      clientID,
		http:          &http.Client{Timeout: 15 * time.Second},
	}
}

type tokenError struct {
	ErrorMessage string `json:"errorMessage"`
}

// Token requests a fresh capability token.
func (s *HTTPTokenSource) Token(ctx context.Context) (*model.TokenDetails, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, model.NewError(model.KindConfiguration, "invalid token endpoint", err)
	}
	if s.clientID != "" {
		q := u.Query()
		q.Set("clientId", s.clientID)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, model.NewError(model.KindConfiguration, "invalid token request", err)
	}
	switch s.cred.Source {
	case backend.SourceBearer:
		req.Header.Set("Authorization", "Bearer "+s.cred.Value)
	default:
		req.AddCookie(&http.Cookie{Name: s.sessionCookie, Value: s.cred.Value})
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, model.NewError(model.KindServiceUnavailable, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, model.NewError(model.KindServiceUnavailable, "failed to read token response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(body, &te) == nil && te.ErrorMessage != "" {
			msg = te.ErrorMessage
		}
		return nil, model.NewError(model.KindFromStatus(resp.StatusCode), msg,
			fmt.Errorf("token endpoint returned %d", resp.StatusCode))
	}

	var details model.TokenDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, model.NewError(model.KindUpstreamIssuance, "malformed token response", err)
	}
	return &details, nil
}
