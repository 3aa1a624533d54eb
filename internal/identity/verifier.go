// Package identity resolves an inbound request's session credential to a
// verified principal. The principal's id is the only identity used downstream.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/backend"
	"github.com/retail-bank-web/realtime/internal/model"
)

// ProfileFetcher is the backend identity call.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, cred backend.Credential) (*model.Profile, error)
}

// Verifier validates session credentials against the backend.
type Verifier struct {
	fetcher       ProfileFetcher
	sessionCookie string
	logger        *zap.Logger
}

// NewVerifier creates a new Verifier. sessionCookie is the cookie name that
// carries the session credential.
func NewVerifier(fetcher ProfileFetcher, sessionCookie string, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		fetcher:       fetcher,
		sessionCookie: sessionCookie,
		logger:        logger,
	}
}

// Credential extracts the session credential from r. The cookie takes
// precedence over the Authorization header.
func (v *Verifier) Credential(r *http.Request) (backend.Credential, bool) {
	if cookie, err := r.Cookie(v.sessionCookie); err == nil && cookie.Value != "" {
		return backend.Credential{Value: cookie.Value, Source: backend.SourceCookie}, true
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return backend.Credential{Value: token, Source: backend.SourceBearer}, true
	}
	return backend.Credential{}, false
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Verify resolves the request's credential to a principal.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) (model.Principal, error) {
	cred, ok := v.Credential(r)
	if !ok {
		return model.Principal{}, model.NewError(model.KindUnauthenticated,
			"Unauthorized: Authentication required", model.ErrCredentialMissing)
	}

	profile, err := v.fetcher.FetchProfile(ctx, cred)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) {
			return model.Principal{}, model.NewError(model.KindUnauthenticated,
				"Unauthorized: Invalid session", model.ErrInvalidSession)
		}
		v.logger.Error("identity service call failed", zap.Error(err))
		return model.Principal{}, model.NewError(model.KindServiceUnavailable,
			"Identity service unavailable", errors.Join(model.ErrIdentityUnavailable, err))
	}
	if profile.ID == "" {
		return model.Principal{}, model.NewError(model.KindUnauthenticated,
			"Unauthorized: Invalid session", model.ErrInvalidSession)
	}

	return model.Principal{ID: profile.ID}, nil
}

// Reconcile compares a caller-declared client id with the verified principal.
// The verified id always wins. A disagreeing declaration is logged as an
// anomaly and reported through the second return value; it is never an error.
func Reconcile(principal model.Principal, declared string, logger *zap.Logger) (model.Principal, bool) {
	if declared == "" || declared == principal.ID {
		return principal, false
	}
	if logger != nil {
		logger.Warn("declared client id does not match verified identity",
			zap.String("declared_client_id", declared),
			zap.String("verified_id", principal.ID),
		)
	}
	return principal, true
}
