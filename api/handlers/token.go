package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/audit"
	"github.com/retail-bank-web/realtime/internal/identity"
	"github.com/retail-bank-web/realtime/internal/model"
)

// PrincipalVerifier resolves a request to a verified principal.
type PrincipalVerifier interface {
	Verify(ctx context.Context, r *http.Request) (model.Principal, error)
}

// TokenIssuer mints capability tokens for verified principals.
type TokenIssuer interface {
	Issue(ctx context.Context, principal model.Principal) (*model.TokenDetails, error)
}

// AuditRecorder records token requests.
type AuditRecorder interface {
	Record(ctx context.Context, entry *audit.Entry) error
}

// TokenHandler serves the capability token endpoint.
type TokenHandler struct {
	verifier PrincipalVerifier
	issuer   TokenIssuer
	audit    AuditRecorder
	logger   *zap.Logger
}

// NewTokenHandler creates a new TokenHandler. recorder may be nil.
func NewTokenHandler(verifier PrincipalVerifier, issuer TokenIssuer, recorder AuditRecorder, logger *zap.Logger) *TokenHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenHandler{
		verifier: verifier,
		issuer:   issuer,
		audit:    recorder,
		logger:   logger,
	}
}

// Issue handles GET /api/realtime/token - issues a capability token bound to
// the caller's verified identity. The optional clientId query parameter is
// advisory and never changes the binding.
func (h *TokenHandler) Issue(c *gin.Context) {
	ctx := c.Request.Context()
	declared := c.Query("clientId")
	entry := &audit.Entry{
		DeclaredClientID: declared,
		RemoteAddr:       c.ClientIP(),
	}

	principal, err := h.verifier.Verify(ctx, c.Request)
	if err != nil {
		h.reject(c, entry, err)
		return
	}
	principal, mismatch := identity.Reconcile(principal, declared, h.logger)
	entry.VerifiedID = principal.ID
	entry.IdentityMismatch = mismatch

	token, err := h.issuer.Issue(ctx, principal)
	if err != nil {
		h.reject(c, entry, err)
		return
	}

	entry.Outcome = audit.OutcomeIssued
	h.record(ctx, entry)
	h.logger.Info("capability token issued",
		zap.String("verified_id", principal.ID),
		zap.Int64("expires", token.Expires),
	)
	c.JSON(http.StatusOK, token)
}

func (h *TokenHandler) reject(c *gin.Context, entry *audit.Entry, err error) {
	kind := model.KindOf(err)
	entry.Outcome = audit.OutcomeRejected
	entry.ErrorKind = kind.String()
	h.record(c.Request.Context(), entry)

	if kind == model.KindUnauthenticated {
		h.logger.Debug("token request rejected", zap.String("kind", kind.String()), zap.Error(err))
	} else {
		h.logger.Error("token request failed", zap.String("kind", kind.String()), zap.Error(err))
	}
	sendKindError(c, err)
}

// record writes the audit entry. Audit failures never affect the response.
func (h *TokenHandler) record(ctx context.Context, entry *audit.Entry) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, entry); err != nil {
		h.logger.Warn("failed to record token request", zap.Error(err))
	}
}

// RegisterRoutes registers the token route on a Gin router group.
func (h *TokenHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/realtime/token", h.Issue)
}
