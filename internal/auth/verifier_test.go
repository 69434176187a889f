package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/following-feed/internal/identity"
)

const testServiceDID = "did:web:feed.example.com"

type stubResolver struct {
	idents map[string]*identity.Identity
	err    error
	calls  int
}

func (r *stubResolver) Resolve(_ context.Context, did string) (*identity.Identity, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	ident, ok := r.idents[did]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return ident, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultClaims(iss string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": iss,
		"aud": testServiceDID,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
}

func signK256(t *testing.T, priv *btcec.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(SigningMethodES256K, claims).SignedString(priv)
	require.NoError(t, err)
	return token
}

func signP256(t *testing.T, priv *ecdsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(priv)
	require.NoError(t, err)
	return token
}

func k256Identity(t *testing.T) (*btcec.PrivateKey, *identity.Identity) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv, &identity.Identity{
		DID: "did:plc:alice",
		Key: &identity.SigningKey{Type: identity.KeyTypeK256, K256: priv.PubKey()},
	}
}

func p256Identity(t *testing.T) (*ecdsa.PrivateKey, *identity.Identity) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return priv, &identity.Identity{
		DID: "did:plc:petra",
		Key: &identity.SigningKey{Type: identity.KeyTypeP256, P256: &priv.PublicKey},
	}
}

func TestVerifyAcceptsValidK256Token(t *testing.T) {
	priv, ident := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}, testLogger())

	did, err := v.Verify(context.Background(), signK256(t, priv, defaultClaims(ident.DID)))
	require.NoError(t, err)
	assert.Equal(t, ident.DID, did)
}

func TestVerifyAcceptsValidP256Token(t *testing.T) {
	priv, ident := p256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}, testLogger())

	did, err := v.Verify(context.Background(), signP256(t, priv, defaultClaims(ident.DID)))
	require.NoError(t, err)
	assert.Equal(t, ident.DID, did)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	priv, ident := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}, testLogger())

	token := signK256(t, priv, defaultClaims(ident.DID))

	// Flip a character in the middle of the signature segment. The tail is
	// avoided because its low bits are base64 padding that lenient decoders
	// ignore.
	i := len(token) - 20
	flipped := byte('A')
	if token[i] == 'A' {
		flipped = 'B'
	}
	tampered := token[:i] + string(flipped) + token[i+1:]

	_, err := v.Verify(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	priv, ident := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}, testLogger())

	claims := defaultClaims(ident.DID)
	claims["exp"] = time.Now().Add(-5 * time.Minute).Unix()

	_, err := v.Verify(context.Background(), signK256(t, priv, claims))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyAllowsSmallClockSkew(t *testing.T) {
	priv, ident := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}, testLogger())

	claims := defaultClaims(ident.DID)
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()

	_, err := v.Verify(context.Background(), signK256(t, priv, claims))
	assert.NoError(t, err)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	priv, ident := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}, testLogger())

	claims := defaultClaims(ident.DID)
	claims["aud"] = "did:web:other.example.com"

	_, err := v.Verify(context.Background(), signK256(t, priv, claims))
	assert.ErrorIs(t, err, ErrBadAudience)
}

func TestVerifyRejectsMissingExpiry(t *testing.T) {
	priv, ident := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}, testLogger())

	claims := defaultClaims(ident.DID)
	delete(claims, "exp")

	_, err := v.Verify(context.Background(), signK256(t, priv, claims))
	assert.Error(t, err)
}

func TestVerifyRejectsAlgorithmConfusion(t *testing.T) {
	// The resolver publishes a k256 key, but the token declares ES256 and is
	// signed with an attacker-controlled P-256 key.
	_, ident := k256Identity(t)
	attacker, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	v := NewVerifier(testServiceDID, &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}, testLogger())

	_, err = v.Verify(context.Background(), signP256(t, attacker, defaultClaims(ident.DID)))
	assert.ErrorIs(t, err, ErrAlgorithmMismatch)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewVerifier(testServiceDID, &stubResolver{}, testLogger())

	for _, token := range []string{"", "garbage", "a.b", "a.b.c.d"} {
		_, err := v.Verify(context.Background(), token)
		assert.ErrorIs(t, err, ErrMalformedToken, "token %q", token)
	}
}

func TestVerifyRejectsMissingIssuer(t *testing.T) {
	priv, _ := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{}, testLogger())

	claims := defaultClaims("")
	delete(claims, "iss")

	_, err := v.Verify(context.Background(), signK256(t, priv, claims))
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyRejectsUnknownIssuer(t *testing.T) {
	priv, ident := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{}, testLogger())

	_, err := v.Verify(context.Background(), signK256(t, priv, defaultClaims(ident.DID)))
	assert.ErrorIs(t, err, ErrUnknownIssuer)
}

func TestVerifySurfacesResolverOutage(t *testing.T) {
	priv, ident := k256Identity(t)
	v := NewVerifier(testServiceDID, &stubResolver{err: errors.New("dns timeout")}, testLogger())

	_, err := v.Verify(context.Background(), signK256(t, priv, defaultClaims(ident.DID)))
	assert.ErrorIs(t, err, ErrResolverUnavailable)
}

func TestVerifyCachesResolvedKeys(t *testing.T) {
	priv, ident := k256Identity(t)
	resolver := &stubResolver{idents: map[string]*identity.Identity{ident.DID: ident}}
	v := NewVerifier(testServiceDID, resolver, testLogger())

	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), signK256(t, priv, defaultClaims(ident.DID)))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, resolver.calls)
}

func TestVerifyCachesNegativeResults(t *testing.T) {
	priv, ident := k256Identity(t)
	resolver := &stubResolver{err: errors.New("dns timeout")}
	v := NewVerifier(testServiceDID, resolver, testLogger())

	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), signK256(t, priv, defaultClaims(ident.DID)))
		assert.ErrorIs(t, err, ErrResolverUnavailable)
	}
	assert.Equal(t, 1, resolver.calls)
}
