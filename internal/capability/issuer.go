package capability

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/model"
)

// OpSubscribe is the only operation granted to browser sessions.
const OpSubscribe = "subscribe"

// ErrEmptyPrincipal is returned when Issue is called without a verified id.
var ErrEmptyPrincipal = errors.New("principal id is empty")

// Params describes the token a vendor is asked to mint.
type Params struct {
	ClientID   string
	Capability map[string][]string
	TTL        time.Duration
}

// Vendor mints capability tokens. apiKey is the server-side secret.
type Vendor interface {
	RequestToken(ctx context.Context, apiKey string, params Params) (*model.TokenDetails, error)
}

// KeyValidator is implemented by vendors that can check an API key
// locally. A key it rejects is a configuration error, not an upstream one.
type KeyValidator interface {
	ValidateKey(apiKey string) error
}

// Issuer turns verified principals into capability tokens.
type Issuer struct {
	vendor Vendor
	apiKey string
	ttl    time.Duration
	logger *zap.Logger
}

// NewIssuer creates a new Issuer. An empty apiKey is accepted here and
// reported as a configuration error on every Issue call.
func NewIssuer(vendor Vendor, apiKey string, ttl time.Duration, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{
		vendor: vendor,
		apiKey: strings.TrimSpace(apiKey),
		ttl:    ttl,
		logger: logger,
	}
}

// Issue mints a token scoped to the principal's private channel.
func (i *Issuer) Issue(ctx context.Context, principal model.Principal) (*model.TokenDetails, error) {
	if principal.ID == "" {
		return nil, model.NewError(model.KindUnauthenticated,
			"Unauthorized: Authentication required", ErrEmptyPrincipal)
	}
	if i.apiKey == "" {
		i.logger.Error("realtime transport api key is not configured")
		return nil, model.NewError(model.KindConfiguration,
			"Server configuration error: realtime transport key not configured", model.ErrTransportKeyMissing)
	}
	if v, ok := i.vendor.(KeyValidator); ok {
		if err := v.ValidateKey(i.apiKey); err != nil {
			i.logger.Error("realtime transport api key is malformed", zap.Error(err))
			return nil, model.NewError(model.KindConfiguration,
				"Server configuration error: realtime transport key is malformed", err)
		}
	}

	params := Params{
		ClientID: principal.ID,
		Capability: map[string][]string{
			model.UserChannel(principal.ID): {OpSubscribe},
		},
		TTL: i.ttl,
	}

	details, err := i.vendor.RequestToken(ctx, i.apiKey, params)
	if err != nil {
		detail := i.redact(err.Error())
		i.logger.Warn("transport vendor token request failed",
			zap.String("client_id", principal.ID),
			zap.String("detail", detail),
		)
		return nil, model.NewError(model.KindUpstreamIssuance,
			"Failed to create token request: "+detail, model.ErrIssuanceFailed)
	}
	return details, nil
}

// redact strips the API key and its secret half from vendor error text.
func (i *Issuer) redact(detail string) string {
	detail = strings.ReplaceAll(detail, i.apiKey, "[redacted]")
	if _, secret, ok := strings.Cut(i.apiKey, ":"); ok && secret != "" {
		detail = strings.ReplaceAll(detail, secret, "[redacted]")
	}
	return detail
}
