// Package backend is the HTTP client for the REST backend endpoints the
// realtime layer depends on: the profile fetch that resolves a session to
// an identity and the account unlock request.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/retail-bank-web/realtime/internal/model"
)

// ErrUnreachable wraps transport-level failures talking to the backend.
var ErrUnreachable = errors.New("backend unreachable")

// Source records where a session credential was found.
type Source int

const (
	SourceCookie Source = iota
	SourceBearer
)

// Credential is a session credential together with the place it came from,
// so it can be forwarded the same way.
type Credential struct {
	Value  string
	Source Source
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status        int
	Message       string
	AccountLocked bool
	LockReason    string
	LockedUntil   *time.Time
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// errorBody covers the error shapes the backend returns.
type errorBody struct {
	Detail       string     `json:"detail"`
	Error        string     `json:"error"`
	ErrorMessage string     `json:"errorMessage"`
	Code         string     `json:"code"`
	AccountLock  bool       `json:"account_locked"`
	LockReason   string     `json:"lock_reason"`
	LockedUntil  string     `json:"locked_until"`
}

// Config configures the backend client.
type Config struct {
	BaseURL       string
	ProfilePath   string
	UnlockPath    string
	SessionCookie string
	Timeout       time.Duration
}

// Client calls the backend on behalf of a session.
type Client struct {
	baseURL       string
	profilePath   string
	unlockPath    string
	sessionCookie string
	http          *http.Client
}

// NewClient creates a new backend Client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		profilePath:   cfg.ProfilePath,
		unlockPath:    cfg.UnlockPath,
		sessionCookie: cfg.SessionCookie,
		http:          &http.Client{Timeout: timeout},
	}
}

// FetchProfile resolves a credential to the user's profile.
func (c *Client) FetchProfile(ctx context.Context, cred Credential) (*model.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.profilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}
	c.attach(req, cred)

	var profile model.Profile
	if err := c.do(req, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// SubmitUnlockRequest sends the user's justification for lifting an account lock.
func (c *Client) SubmitUnlockRequest(ctx context.Context, cred Credential, justification string) error {
	body, err := json.Marshal(map[string]string{"justification": justification})
	if err != nil {
		return fmt.Errorf("failed to encode unlock request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.unlockPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build unlock request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.attach(req, cred)

	return c.do(req, nil)
}

// attach forwards the credential in the location it was received in.
func (c *Client) attach(req *http.Request, cred Credential) {
	switch cred.Source {
	case SourceBearer:
		req.Header.Set("Authorization", "Bearer "+cred.Value)
	default:
		req.AddCookie(&http.Cookie{Name: c.sessionCookie, Value: cred.Value})
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}

	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}
	for _, msg := range []string{body.ErrorMessage, body.Detail, body.Error} {
		if msg != "" {
			apiErr.Message = msg
			break
		}
	}
	apiErr.AccountLocked = body.AccountLock || body.Code == "account_locked"
	apiErr.LockReason = body.LockReason
	if body.LockedUntil != "" {
		if until, err := time.Parse(time.RFC3339, body.LockedUntil); err == nil {
			apiErr.LockedUntil = &until
		}
	}
	return apiErr
}

// IsAccountLocked reports whether err is a backend response flagging the account as locked.
func IsAccountLocked(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.AccountLocked {
		return apiErr, true
	}
	return nil, false
}

// Session binds a Client to one credential. It is what the client-side
// components (lock controller) hold.
type Session struct {
	client *Client
	cred   Credential
}

// NewSession creates a session-bound view of the client.
func (c *Client) NewSession(cred Credential) *Session {
	return &Session{client: c, cred: cred}
}

// FetchProfile fetches the session user's profile.
func (s *Session) FetchProfile(ctx context.Context) (*model.Profile, error) {
	return s.client.FetchProfile(ctx, s.cred)
}

// SubmitUnlockRequest submits an unlock request for the session user.
func (s *Session) SubmitUnlockRequest(ctx context.Context, justification string) error {
	return s.client.SubmitUnlockRequest(ctx, s.cred, justification)
}
