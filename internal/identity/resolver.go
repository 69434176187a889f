// Package identity resolves decentralized identifiers to their current
// atproto signing key and service metadata.
package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/mr-tron/base58"
)

var (
	// ErrNotFound means the DID does not resolve to a document.
	ErrNotFound = errors.New("identity not found")

	// ErrNoSigningKey means the DID document has no usable atproto signing key.
	ErrNoSigningKey = errors.New("no atproto signing key in DID document")

	// ErrUnsupportedDID means the DID method is neither plc nor web.
	ErrUnsupportedDID = errors.New("unsupported DID method")
)

// KeyType identifies the curve of a signing key.
type KeyType string

const (
	KeyTypeK256 KeyType = "k256" // secp256k1
	KeyTypeP256 KeyType = "p256" // NIST P-256
)

// Multicodec varint prefixes for compressed public keys.
var (
	prefixK256 = []byte{0xe7, 0x01}
	prefixP256 = []byte{0x80, 0x24}
)

// SigningKey is a resolved public key. Exactly one of K256 and P256 is set,
// matching Type.
type SigningKey struct {
	Type KeyType
	K256 *btcec.PublicKey
	P256 *ecdsa.PublicKey
}

// Identity is the result of resolving a DID.
type Identity struct {
	DID string
	Key *SigningKey

	// PDSEndpoint is the identity's personal data server URL, if published.
	PDSEndpoint string
}

// Resolver performs DID resolution over HTTP. It holds no mutable state;
// callers that need caching layer it on top.
type Resolver struct {
	plcURL     string
	httpClient *http.Client
}

// NewResolver creates a resolver using the given PLC directory base URL.
func NewResolver(plcURL string) *Resolver {
	return &Resolver{
		plcURL: strings.TrimSuffix(plcURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type didDocument struct {
	ID                 string `json:"id"`
	VerificationMethod []struct {
		ID                 string `json:"id"`
		Type               string `json:"type"`
		Controller         string `json:"controller"`
		PublicKeyMultibase string `json:"publicKeyMultibase"`
	} `json:"verificationMethod"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// Resolve fetches and parses the DID document for did, returning the identity
// with its current signing key. Unknown DIDs return ErrNotFound; network
// failures are returned as-is for the caller to classify as transport errors.
func (r *Resolver) Resolve(ctx context.Context, did string) (*Identity, error) {
	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.plcURL + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		if host == "" || strings.Contains(host, ":") {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedDID, did)
		}
		docURL = "https://" + host + "/.well-known/did.json"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDID, did)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch DID document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch DID document: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read DID document: %w", err)
	}

	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse DID document: %w", err)
	}

	key, err := signingKeyFromDoc(&doc)
	if err != nil {
		return nil, err
	}

	ident := &Identity{DID: did, Key: key}
	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" || strings.HasSuffix(svc.ID, "#atproto_pds") {
			ident.PDSEndpoint = svc.ServiceEndpoint
			break
		}
	}
	return ident, nil
}

func signingKeyFromDoc(doc *didDocument) (*SigningKey, error) {
	for _, vm := range doc.VerificationMethod {
		if !strings.HasSuffix(vm.ID, "#atproto") {
			continue
		}
		if vm.PublicKeyMultibase == "" {
			return nil, ErrNoSigningKey
		}
		key, err := ParseMultikey(vm.PublicKeyMultibase)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		return key, nil
	}
	return nil, ErrNoSigningKey
}

// ParseMultikey decodes a multibase publicKeyMultibase value (base58btc with a
// multicodec prefix) into a signing key.
func ParseMultikey(multikey string) (*SigningKey, error) {
	if !strings.HasPrefix(multikey, "z") {
		return nil, fmt.Errorf("unsupported multibase prefix in %q", multikey)
	}
	decoded, err := base58.Decode(multikey[1:])
	if err != nil {
		return nil, fmt.Errorf("decode base58: %w", err)
	}
	if len(decoded) < 2 {
		return nil, fmt.Errorf("multikey too short")
	}

	prefix, keyBytes := decoded[:2], decoded[2:]
	switch {
	case prefix[0] == prefixK256[0] && prefix[1] == prefixK256[1]:
		pub, err := btcec.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse secp256k1 key: %w", err)
		}
		return &SigningKey{Type: KeyTypeK256, K256: pub}, nil

	case prefix[0] == prefixP256[0] && prefix[1] == prefixP256[1]:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), keyBytes)
		if x == nil {
			return nil, fmt.Errorf("parse p256 key: invalid compressed point")
		}
		return &SigningKey{
			Type: KeyTypeP256,
			P256: &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported key multicodec prefix %x", prefix)
	}
}
