package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rendis/agentrt/pkg/schema"
)

// Signer holds the agent's ES256 signing key.
type Signer struct {
	kid string
	key *ecdsa.PrivateKey
}

// NewSigner generates a fresh P-256 key with a random key id.
func NewSigner() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate push key: %w", err)
	}
	return &Signer{kid: uuid.NewString(), key: key}, nil
}

// SigningKeySecret is the vault key the signing key is kept under.
const SigningKeySecret = "push_signing_key"

// KeyVault is the part of a secrets vault LoadSigner needs.
type KeyVault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
}

type storedKey struct {
	KID string `json:"kid"`
	DER []byte `json:"der"`
}

// LoadSigner returns the signer kept in vault, creating and storing one on
// first use, so the published key set survives restarts.
func LoadSigner(ctx context.Context, vault KeyVault) (*Signer, error) {
	raw, err := vault.Resolve(ctx, SigningKeySecret)
	switch {
	case err == nil:
		var sk storedKey
		if err := json.Unmarshal(raw, &sk); err != nil {
			return nil, fmt.Errorf("decode push key: %w", err)
		}
		key, err := x509.ParseECPrivateKey(sk.DER)
		if err != nil {
			return nil, fmt.Errorf("parse push key: %w", err)
		}
		return &Signer{kid: sk.KID, key: key}, nil
	case schema.CodeOf(err) != schema.ErrCodeNotFound:
		return nil, err
	}

	s, err := NewSigner()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(s.key)
	if err != nil {
		return nil, fmt.Errorf("encode push key: %w", err)
	}
	raw, err = json.Marshal(storedKey{KID: s.kid, DER: der})
	if err != nil {
		return nil, err
	}
	if err := vault.Store(ctx, SigningKeySecret, raw); err != nil {
		return nil, fmt.Errorf("store push key: %w", err)
	}
	return s, nil
}

// KeyID returns the kid placed in every token header.
func (s *Signer) KeyID() string { return s.kid }

// Sign issues an ES256 token with iat set to now.
func (s *Signer) Sign(claims jwt.MapClaims) (string, error) {
	out := jwt.MapClaims{"iat": time.Now().Unix()}
	for k, v := range claims {
		out[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, out)
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.key)
}

// JWKS returns the public half of the key as a key set.
func (s *Signer) JWKS() schema.JWKSet {
	pub := s.key.PublicKey
	size := (pub.Curve.Params().BitSize + 7) / 8
	return schema.JWKSet{Keys: []schema.JWK{{
		Kty: "EC",
		Kid: s.kid,
		Use: "sig",
		Alg: "ES256",
		Crv: "P-256",
		X:   b64(pub.X, size),
		Y:   b64(pub.Y, size),
	}}}
}

func b64(n *big.Int, size int) string {
	return base64.RawURLEncoding.EncodeToString(n.FillBytes(make([]byte, size)))
}

// publicKey decodes an EC P-256 JWK.
func publicKey(k schema.JWK) (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || (k.Crv != "" && k.Crv != "P-256") {
		return nil, fmt.Errorf("unsupported key %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("key %s is not on P-256", k.Kid)
	}
	return pub, nil
}
