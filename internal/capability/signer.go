package capability

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/retail-bank-web/realtime/internal/clock"
	"github.com/retail-bank-web/realtime/internal/codec"
	"github.com/retail-bank-web/realtime/internal/model"
)

const signatureSize = ed25519.SignatureSize

// Errors returned by ParseKey and Verify.
var (
	ErrMalformedKey     = errors.New("capability: api key must be <keyName>:<base64 seed>")
	ErrTokenTooShort    = errors.New("capability: token too short for signature")
	ErrInvalidSignature = errors.New("capability: invalid signature")
	ErrTokenExpired     = errors.New("capability: token has expired")
	ErrKeyMismatch      = errors.New("capability: token was signed by a different key")
)

// Claims is the signed payload of a capability token.
type Claims struct {
	KeyName    string              `cbor:"1,keyasint"`
	ClientID   string              `cbor:"2,keyasint"`
	Capability map[string][]string `cbor:"3,keyasint"`
	ID         string              `cbor:"4,keyasint"`
	IssuedAt   int64               `cbor:"5,keyasint"`
	ExpiresAt  int64               `cbor:"6,keyasint"`
}

// Allows reports whether the claims grant op on channel.
func (c *Claims) Allows(channel, op string) bool {
	for _, granted := range c.Capability[channel] {
		if granted == op || granted == "*" {
			return true
		}
	}
	return false
}

// Key is a parsed transport API key.
type Key struct {
	Name    string
	private ed25519.PrivateKey
}

// ParseKey parses "<keyName>:<base64 seed>".
func ParseKey(apiKey string) (*Key, error) {
	name, encoded, ok := strings.Cut(strings.TrimSpace(apiKey), ":")
	if !ok || name == "" || encoded == "" {
		return nil, ErrMalformedKey
	}
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: seed is not base64", ErrMalformedKey)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrMalformedKey, ed25519.SeedSize, len(seed))
	}
	return &Key{Name: name, private: ed25519.NewKeyFromSeed(seed)}, nil
}

// GenerateKey creates a fresh API key string for name.
func GenerateKey(name string) (string, error) {
	_, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", err
	}
	return name + ":" + base64.StdEncoding.EncodeToString(private.Seed()), nil
}

// Public returns the verification key.
func (k *Key) Public() ed25519.PublicKey {
	return k.private.Public().(ed25519.PublicKey)
}

// KeySigner is the Vendor implementation backed by an Ed25519 API key.
type KeySigner struct {
	clock clock.Clock
}

// NewKeySigner creates a KeySigner. A nil clock uses real time.
func NewKeySigner(c clock.Clock) *KeySigner {
	if c == nil {
		c = clock.Real()
	}
	return &KeySigner{clock: c}
}

// ValidateKey reports whether apiKey parses as a signing key.
func (s *KeySigner) ValidateKey(apiKey string) error {
	_, err := ParseKey(apiKey)
	return err
}

// RequestToken mints a token for params signed with apiKey.
func (s *KeySigner) RequestToken(ctx context.Context, apiKey string, params Params) (*model.TokenDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := ParseKey(apiKey)
	if err != nil {
		return nil, err
	}
	if params.ClientID == "" {
		return nil, errors.New("capability: client id is required")
	}

	now := s.clock.Now()
	claims := &Claims{
		KeyName:    key.Name,
		ClientID:   params.ClientID,
		Capability: params.Capability,
		ID:         uuid.NewString(),
		IssuedAt:   now.UnixMilli(),
		ExpiresAt:  now.Add(params.TTL).UnixMilli(),
	}

	token, err := Mint(key, claims)
	if err != nil {
		return nil, err
	}
	return &model.TokenDetails{
		Token:      token,
		KeyName:    key.Name,
		ClientID:   claims.ClientID,
		Capability: claims.Capability,
		Issued:     claims.IssuedAt,
		Expires:    claims.ExpiresAt,
	}, nil
}

// Mint signs claims and returns the encoded token.
func Mint(key *Key, claims *Claims) (string, error) {
	payload, err := codec.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("capability: encoding claims: %w", err)
	}
	signature := ed25519.Sign(key.private, payload)

	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verify checks a token's signature, key name and expiry at now.
func Verify(key *Key, token string, now time.Time) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64url", ErrInvalidSignature)
	}
	if len(raw) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]
	if !ed25519.Verify(key.Public(), payload, signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := codec.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("capability: decoding claims: %w", err)
	}
	if claims.KeyName != key.Name {
		return nil, ErrKeyMismatch
	}
	if now.UnixMilli() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}
