package webpush

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Push services reject tokens valid longer than 24h; sign for 12h and
	// refresh well before that.
	vapidTokenLifetime = 12 * time.Hour
	vapidTokenRefresh  = 1 * time.Hour
)

// vapidKey is the parsed application server key pair used to sign VAPID
// authorization tokens.
type vapidKey struct {
	signing *ecdsa.PrivateKey
	public  string // base64url uncompressed point, sent as the k= parameter
}

func parseVAPIDKey(privateKey string) (*vapidKey, error) {
	raw, err := decodeKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("webpush: invalid vapid private key: %w", err)
	}

	// Let crypto/ecdh validate the scalar, then lift it into an ecdsa key
	// for ES256 signing.
	ecdhKey, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("webpush: invalid vapid private key: %w", err)
	}
	point := ecdhKey.PublicKey().Bytes()

	signing := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(point[1:33]),
			Y:     new(big.Int).SetBytes(point[33:65]),
		},
		D: new(big.Int).SetBytes(raw),
	}

	return &vapidKey{
		signing: signing,
		public:  base64.RawURLEncoding.EncodeToString(point),
	}, nil
}

func (k *vapidKey) token(audience, subject string) (string, error) {
	claims := jwt.MapClaims{
		"aud": audience,
		"exp": time.Now().Add(vapidTokenLifetime).Unix(),
		"sub": subject,
	}
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(k.signing)
}

// GenerateVAPIDKeys creates a fresh P-256 application server key pair,
// returned as base64url strings suitable for configuration.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.RawURLEncoding.EncodeToString(key.Bytes()),
		base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		nil
}

// endpointAudience extracts the push service origin, which VAPID tokens are
// scoped to.
func endpointAudience(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("webpush: invalid endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("webpush: endpoint missing scheme or host")
	}
	return u.Scheme + "://" + u.Host, nil
}

// decodeKey accepts the base64 variants browsers and tooling produce:
// padded or unpadded, URL-safe or standard alphabet.
func decodeKey(value string) ([]byte, error) {
	value = strings.TrimRight(value, "=")
	if b, err := base64.RawURLEncoding.DecodeString(value); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(value)
}

type cachedToken struct {
	value   string
	expires time.Time
}

// tokenCache reuses signed VAPID tokens per push service origin until they
// near expiry, avoiding an ECDSA signature per notification.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken)}
}

func (tc *tokenCache) get(audience string, key *vapidKey, subject string) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if cached, ok := tc.tokens[audience]; ok && time.Now().Before(cached.expires) {
		return cached.value, nil
	}

	token, err := key.token(audience, subject)
	if err != nil {
		return "", err
	}
	tc.tokens[audience] = cachedToken{
		value:   token,
		expires: time.Now().Add(vapidTokenLifetime - vapidTokenRefresh),
	}
	return token, nil
}
