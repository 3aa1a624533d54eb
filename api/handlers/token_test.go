package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retail-bank-web/realtime/internal/audit"
	"github.com/retail-bank-web/realtime/internal/backend"
	"github.com/retail-bank-web/realtime/internal/capability"
	"github.com/retail-bank-web/realtime/internal/db"
	"github.com/retail-bank-web/realtime/internal/identity"
	"github.com/retail-bank-web/realtime/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// countingVendor wraps a vendor and counts calls.
type countingVendor struct {
	next  capability.Vendor
	calls int
	err   error
}

func (v *countingVendor) RequestToken(ctx context.Context, apiKey string, params capability.Params) (*model.TokenDetails, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return v.next.RequestToken(ctx, apiKey, params)
}

func (v *countingVendor) ValidateKey(apiKey string) error {
	if kv, ok := v.next.(capability.KeyValidator); ok {
		return kv.ValidateKey(apiKey)
	}
	return nil
}

// fakeBackend serves the profile endpoint: the cookie or bearer value
// "valid-<id>" resolves to user <id>.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := ""
		if c, err := r.Cookie("access_token"); err == nil {
			cred = c.Value
		} else if h := r.Header.Get("Authorization"); len(h) > 7 {
			cred = h[7:]
		}
		w.Header().Set("Content-Type", "application/json")
		if len(cred) < 7 || cred[:6] != "valid-" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Given token not valid for any token type"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": json.Number(cred[6:]), "is_locked": false})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type tokenFixture struct {
	router *gin.Engine
	vendor *countingVendor
	audit  *audit.Repository
	key    *capability.Key
}

func setupTestTokenHandler(t *testing.T, apiKey string, backendURL string) (*tokenFixture, func()) {
	t.Helper()

	testDB, err := db.NewTestDB()
	require.NoError(t, err)

	client := backend.NewClient(backend.Config{
		BaseURL:       backendURL,
		ProfilePath:   "/api/users/profile/",
		SessionCookie: "access_token",
		Timeout:       2 * time.Second,
	})
	verifier := identity.NewVerifier(client, "access_token", zap.NewNop())
	vendor := &countingVendor{next: capability.NewKeySigner(nil)}
	issuer := capability.NewIssuer(vendor, apiKey, time.Hour, zap.NewNop())
	repo := audit.NewRepository(testDB)

	router := gin.New()
	NewTokenHandler(verifier, issuer, repo, zap.NewNop()).RegisterRoutes(router.Group("/api"))

	f := &tokenFixture{router: router, vendor: vendor, audit: repo}
	if key, err := capability.ParseKey(apiKey); err == nil {
		f.key = key
	}
	return f, func() { testDB.Close() }
}

func newAPIKey(t *testing.T) string {
	t.Helper()
	key, err := capability.GenerateKey("main")
	require.NoError(t, err)
	return key
}

func doTokenRequest(router http.Handler, query string, setup func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/realtime/token"+query, nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func withCookie(value string) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "access_token", Value: value})
	}
}

func TestIssue_ValidCookieSession(t *testing.T) {
	backendSrv := fakeBackend(t)
	f, cleanup := setupTestTokenHandler(t, newAPIKey(t), backendSrv.URL)
	defer cleanup()

	rec := doTokenRequest(f.router, "", withCookie("valid-42"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var details model.TokenDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.Equal(t, "42", details.ClientID)
	assert.Equal(t, map[string][]string{"user:42": {capability.OpSubscribe}}, details.Capability)

	claims, err := capability.Verify(f.key, details.Token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "42", claims.ClientID)
	assert.True(t, claims.Allows("user:42", capability.OpSubscribe))
	assert.False(t, claims.Allows("user:43", capability.OpSubscribe))

	entries, err := f.audit.ListByVerifiedID(context.Background(), "42", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeIssued, entries[0].Outcome)
	assert.False(t, entries[0].IdentityMismatch)
}

func TestIssue_BearerHeaderSession(t *testing.T) {
	backendSrv := fakeBackend(t)
	f, cleanup := setupTestTokenHandler(t, newAPIKey(t), backendSrv.URL)
	defer cleanup()

	rec := doTokenRequest(f.router, "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer valid-7")
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var details model.TokenDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.Equal(t, "7", details.ClientID)
}

func TestIssue_NoCredential(t *testing.T) {
	backendSrv := fakeBackend(t)
	f, cleanup := setupTestTokenHandler(t, newAPIKey(t), backendSrv.URL)
	defer cleanup()

	rec := doTokenRequest(f.router, "?clientId=42", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"errorMessage":"Unauthorized: Authentication required"}`, rec.Body.String())
	assert.Zero(t, f.vendor.calls)

	rejected, err := f.audit.CountByOutcome(context.Background(), audit.OutcomeRejected, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, rejected)
}

func TestIssue_InvalidSession(t *testing.T) {
	backendSrv := fakeBackend(t)
	f, cleanup := setupTestTokenHandler(t, newAPIKey(t), backendSrv.URL)
	defer cleanup()

	rec := doTokenRequest(f.router, "", withCookie("expired"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"errorMessage":"Unauthorized: Invalid session"}`, rec.Body.String())
	assert.Zero(t, f.vendor.calls)
}

func TestIssue_MissingTransportKey(t *testing.T) {
	backendSrv := fakeBackend(t)
	f, cleanup := setupTestTokenHandler(t, "", backendSrv.URL)
	defer cleanup()

	rec := doTokenRequest(f.router, "", withCookie("valid-42"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.ErrorMessage, "Server configuration error")
	assert.Zero(t, f.vendor.calls)
}

func TestIssue_MalformedTransportKey(t *testing.T) {
	backendSrv := fakeBackend(t)
	f, cleanup := setupTestTokenHandler(t, "main:not-base64!", backendSrv.URL)
	defer cleanup()

	rec := doTokenRequest(f.router, "", withCookie("valid-42"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.ErrorMessage, "Server configuration error")
	assert.NotContains(t, body.ErrorMessage, "not-base64")
	assert.Zero(t, f.vendor.calls)
}

func TestIssue_IdentityServiceUnreachable(t *testing.T) {
	backendSrv := fakeBackend(t)
	url := backendSrv.URL
	backendSrv.Close()

	f, cleanup := setupTestTokenHandler(t, newAPIKey(t), url)
	defer cleanup()

	rec := doTokenRequest(f.router, "", withCookie("valid-42"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"errorMessage":"Identity service unavailable"}`, rec.Body.String())
	assert.Zero(t, f.vendor.calls)
}

func TestIssue_VendorFailure(t *testing.T) {
	backendSrv := fakeBackend(t)
	apiKey := newAPIKey(t)
	f, cleanup := setupTestTokenHandler(t, apiKey, backendSrv.URL)
	defer cleanup()
	f.vendor.err = errors.New("vendor rejected key " + apiKey)

	rec := doTokenRequest(f.router, "", withCookie("valid-42"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), apiKey)
	assert.Contains(t, rec.Body.String(), "Failed to create token request")
}

func TestIssue_DeclaredClientIDMismatchIsIgnored(t *testing.T) {
	backendSrv := fakeBackend(t)
	f, cleanup := setupTestTokenHandler(t, newAPIKey(t), backendSrv.URL)
	defer cleanup()

	rec := doTokenRequest(f.router, "?clientId=999", withCookie("valid-42"))
	require.Equal(t, http.StatusOK, rec.Code)

	var details model.TokenDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	assert.Equal(t, "42", details.ClientID)

	anomalies, err := f.audit.CountAnomalies(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, anomalies)
}

// Without a credential no vendor call is ever made, whatever the client
// declares.
func TestProperty_NoAnonymousIssuance(t *testing.T) {
	backendSrv := fakeBackend(t)
	f, cleanup := setupTestTokenHandler(t, newAPIKey(t), backendSrv.URL)
	defer cleanup()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("unauthenticated requests never reach the vendor", prop.ForAll(
		func(declared string) bool {
			rec := doTokenRequest(f.router, "?clientId="+declared, nil)
			return rec.Code == http.StatusUnauthorized && f.vendor.calls == 0
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
