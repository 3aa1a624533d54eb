// Package capability issues scoped, time-limited capability tokens for the
// realtime transport.
//
// The Issuer is the authorization boundary: it only accepts a principal
// produced by the identity verifier and always binds the token's client id
// to that principal, never to a caller-declared id. Missing server
// configuration fails closed; there is no anonymous fallback.
//
// KeySigner is the transport's own token vendor. A token is the base64url
// encoding of
//
//	[CBOR claims] [64-byte Ed25519 signature]
//
// where the signing key is derived from the seed half of the API key
// "<keyName>:<base64 seed>". The relay verifies tokens with the same key.
package capability
