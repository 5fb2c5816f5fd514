package push

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rendis/agentrt/pkg/schema"
)

// JWKSPath is where agents publish their public keys.
const JWKSPath = "/.well-known/jwks.json"

// JWKSURL returns the key set location for an endpoint URL.
func JWKSURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", schema.NewErrorf(schema.ErrCodeInvalidParams, "invalid push url %q", endpoint)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: JWKSPath}).String(), nil
}

// Verifier checks ES256 tokens against remote key sets. Keys are cached by
// key set URL and kid.
type Verifier struct {
	client *http.Client
	keys   *lru.Cache[string, *ecdsa.PublicKey]
	// Window bounds the accepted distance between iat and now.
	Window time.Duration
}

func NewVerifier(client *http.Client) *Verifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	keys, _ := lru.New[string, *ecdsa.PublicKey](256)
	return &Verifier{client: client, keys: keys, Window: 60 * time.Second}
}

// Verify parses token, resolving its kid against the key set at jwksURL,
// and checks that iat lies within the window.
func (v *Verifier) Verify(ctx context.Context, jwksURL, token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, jwksURL, kid)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "token rejected: %s", err).WithCause(err)
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "token has no iat")
	}
	if d := time.Since(iat.Time); d > v.Window || d < -v.Window {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "token iat outside %s window", v.Window)
	}
	return claims, nil
}

func (v *Verifier) key(ctx context.Context, jwksURL, kid string) (*ecdsa.PublicKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("token has no kid")
	}
	if k, ok := v.keys.Get(jwksURL + "#" + kid); ok {
		return k, nil
	}
	set, err := v.fetch(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	var found *ecdsa.PublicKey
	for _, jwk := range set.Keys {
		pub, err := publicKey(jwk)
		if err != nil {
			continue
		}
		v.keys.Add(jwksURL+"#"+jwk.Kid, pub)
		if jwk.Kid == kid {
			found = pub
		}
	}
	if found == nil {
		return nil, fmt.Errorf("kid %s not found at %s", kid, jwksURL)
	}
	return found, nil
}

func (v *Verifier) fetch(ctx context.Context, jwksURL string) (*schema.JWKSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", jwksURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %w", jwksURL, &statusError{code: resp.StatusCode})
	}
	var set schema.JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode %s: %w", jwksURL, err)
	}
	return &set, nil
}
