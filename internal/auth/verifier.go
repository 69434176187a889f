// Package auth verifies inbound atproto service tokens. Every request is
// independently verified; the only state is a pair of TTL-bounded caches over
// identity resolution results.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/blackmichael/following-feed/internal/identity"
)

// Typed rejection reasons. Handlers map these to response codes; none of them
// may be downgraded to anonymous access.
var (
	ErrMalformedToken      = errors.New("malformed token")
	ErrUnknownIssuer       = errors.New("unknown issuer identity")
	ErrResolverUnavailable = errors.New("identity resolution unavailable")
	ErrBadSignature        = errors.New("invalid token signature")
	ErrAlgorithmMismatch   = errors.New("token algorithm does not match published key")
	ErrTokenExpired        = errors.New("token expired or not yet valid")
	ErrBadAudience         = errors.New("token audience mismatch")
)

const (
	// clockSkewLeeway tolerates modest clock drift between us and token issuers.
	clockSkewLeeway = 30 * time.Second

	// positiveCacheTTL bounds how long a resolved key may be reused. Kept well
	// under any reasonable key-rotation window.
	positiveCacheTTL = 10 * time.Minute

	// negativeCacheTTL is deliberately short so a fixed resolution problem is
	// not masked for long.
	negativeCacheTTL = 30 * time.Second

	cacheSize = 1024
)

// Resolver is the identity-resolution dependency of the verifier.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*identity.Identity, error)
}

// Verifier checks bearer service tokens against the issuer's published
// signing key. Safe for concurrent use.
type Verifier struct {
	serviceDID string
	resolver   Resolver
	logger     *slog.Logger

	keys     *expirable.LRU[string, *identity.SigningKey]
	failures *expirable.LRU[string, error]
}

// NewVerifier creates a Verifier that accepts tokens addressed to serviceDID.
func NewVerifier(serviceDID string, resolver Resolver, logger *slog.Logger) *Verifier {
	return &Verifier{
		serviceDID: serviceDID,
		resolver:   resolver,
		logger:     logger,
		keys:       expirable.NewLRU[string, *identity.SigningKey](cacheSize, nil, positiveCacheTTL),
		failures:   expirable.NewLRU[string, error](cacheSize, nil, negativeCacheTTL),
	}
}

// Verify checks the token and returns the verified issuer DID, which is the
// requester identity for feed assembly.
//
// No claim is trusted before the signature is checked: the issuer is read from
// the unverified claims only to know whose key to resolve, and the resolved
// key then decides which algorithm is acceptable. A token declaring a
// different algorithm than the published key type is rejected outright.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	parser := jwt.NewParser()

	unverified, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	issuer, err := unverified.Claims.GetIssuer()
	if err != nil || issuer == "" {
		return "", fmt.Errorf("%w: missing iss claim", ErrMalformedToken)
	}

	key, err := v.resolveKey(ctx, issuer)
	if err != nil {
		return "", err
	}

	var (
		expectedAlg string
		verifyKey   any
	)
	switch key.Type {
	case identity.KeyTypeK256:
		expectedAlg = "ES256K"
		verifyKey = key.K256
	case identity.KeyTypeP256:
		expectedAlg = "ES256"
		verifyKey = key.P256
	default:
		return "", fmt.Errorf("%w: unsupported key type %s", ErrUnknownIssuer, key.Type)
	}

	if alg := unverified.Method.Alg(); alg != expectedAlg {
		return "", fmt.Errorf("%w: token says %s, key requires %s", ErrAlgorithmMismatch, alg, expectedAlg)
	}

	_, err = jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return verifyKey, nil },
		jwt.WithValidMethods([]string{expectedAlg}),
		jwt.WithAudience(v.serviceDID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkewLeeway),
	)
	if err != nil {
		return "", classifyParseError(err)
	}

	return issuer, nil
}

func (v *Verifier) resolveKey(ctx context.Context, did string) (*identity.SigningKey, error) {
	if key, ok := v.keys.Get(did); ok {
		return key, nil
	}
	if rejection, ok := v.failures.Get(did); ok {
		return nil, rejection
	}

	ident, err := v.resolver.Resolve(ctx, did)
	if err != nil {
		rejection := classifyResolveError(err)
		v.failures.Add(did, rejection)
		v.logger.Warn("identity resolution failed", "did", did, "error", err)
		return nil, rejection
	}

	v.keys.Add(did, ident.Key)
	return ident.Key, nil
}

func classifyResolveError(err error) error {
	switch {
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, identity.ErrNoSigningKey),
		errors.Is(err, identity.ErrUnsupportedDID):
		return fmt.Errorf("%w: %v", ErrUnknownIssuer, err)
	default:
		return fmt.Errorf("%w: %v", ErrResolverUnavailable, err)
	}
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrBadAudience, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}
