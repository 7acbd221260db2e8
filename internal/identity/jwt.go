package identity

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/raveos/rave/internal/raverr"
)

const (
	discoveryTTL = time.Hour
	clockSkew    = 30 * time.Second
)

// JWTValidator verifies RS256 tokens against the OIDC provider's published
// keys. Discovery document and JWKS are cached for an hour.
type JWTValidator struct {
	issuer   string
	clientID string
	http     *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	now func() time.Time
}

// NewJWTValidator builds a validator for the configured issuer and audience.
func NewJWTValidator(issuer, clientID string) *JWTValidator {
	return &JWTValidator{
		issuer:   issuer,
		clientID: clientID,
		http:     &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// Claims are the verified token claims.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience audience `json:"aud"`
	IssuedAt int64    `json:"iat"`
	Expiry   int64    `json:"exp"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups"`
}

// audience tolerates both string and array encodings of aud.
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = audience{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*a = audience(list)
	return nil
}

func (a audience) contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

// Validate verifies an RS256 token: signature by kid, issuer, audience,
// required claims, and expiry with clock skew.
func (v *JWTValidator) Validate(ctx context.Context, token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, raverr.New(raverr.KindAuthentication, "malformed token")
	}

	headerBytes, err := base64URLDecode(parts[0])
	if err != nil {
		return nil, raverr.Wrap(raverr.KindAuthentication, err, "decode token header")
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, raverr.Wrap(raverr.KindAuthentication, err, "parse token header")
	}
	if header.Alg != "RS256" {
		return nil, raverr.New(raverr.KindAuthentication, "unsupported algorithm %q", header.Alg)
	}

	key, err := v.signingKey(ctx, header.Kid)
	if err != nil {
		return nil, err
	}

	signature, err := base64URLDecode(parts[2])
	if err != nil {
		return nil, raverr.Wrap(raverr.KindAuthentication, err, "decode token signature")
	}
	hashed := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], signature); err != nil {
		return nil, raverr.New(raverr.KindAuthentication, "invalid token signature")
	}

	payload, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, raverr.Wrap(raverr.KindAuthentication, err, "decode token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, raverr.Wrap(raverr.KindAuthentication, err, "parse token claims")
	}

	if claims.Subject == "" || claims.IssuedAt == 0 || claims.Expiry == 0 || len(claims.Audience) == 0 {
		return nil, raverr.New(raverr.KindAuthentication, "token missing required claims")
	}
	if claims.Issuer != v.issuer {
		return nil, raverr.New(raverr.KindAuthentication, "issuer mismatch")
	}
	if !claims.Audience.contains(v.clientID) {
		return nil, raverr.New(raverr.KindAuthentication, "audience mismatch")
	}

	now := v.now()
	if now.After(time.Unix(claims.Expiry, 0).Add(clockSkew)) {
		return nil, raverr.New(raverr.KindAuthentication, "token expired")
	}
	if now.Add(clockSkew).Before(time.Unix(claims.IssuedAt, 0)) {
		return nil, raverr.New(raverr.KindAuthentication, "token issued in the future")
	}
	return &claims, nil
}

// signingKey returns the RSA key for kid, refreshing the JWKS cache when it
// is stale or the kid is unknown.
func (v *JWTValidator) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keys != nil && v.now().Sub(v.fetchedAt) < discoveryTTL {
		if key, ok := v.keys[kid]; ok {
			return key, nil
		}
	}
	if err := v.refreshLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, raverr.New(raverr.KindAuthentication, "unknown signing key %q", kid)
	}
	return key, nil
}

func (v *JWTValidator) refreshLocked(ctx context.Context) error {
	var disc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	discURL := strings.TrimSuffix(v.issuer, "/") + "/.well-known/openid-configuration"
	if err := v.getJSON(ctx, discURL, &disc); err != nil {
		return err
	}
	if disc.JWKSURI == "" {
		return raverr.New(raverr.KindAuthentication, "discovery document has no jwks_uri")
	}

	var jwks struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := v.getJSON(ctx, disc.JWKSURI, &jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		nBytes, err := base64URLDecode(k.N)
		if err != nil {
			continue
		}
		eBytes, err := base64URLDecode(k.E)
		if err != nil {
			continue
		}
		e := 0
		for _, b := range eBytes {
			e = e<<8 | int(b)
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}
	}
	if len(keys) == 0 {
		return raverr.New(raverr.KindAuthentication, "jwks contains no usable RSA keys")
	}
	v.keys = keys
	v.fetchedAt = v.now()
	return nil
}

func (v *JWTValidator) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return raverr.Wrap(raverr.KindInternal, err, "build oidc request")
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return raverr.New(raverr.KindTransient, "fetch %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "decode %s", url)
	}
	return nil
}

// base64URLDecode decodes base64url with or without padding.
func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	case 1:
		return nil, fmt.Errorf("invalid base64url length")
	}
	return base64.URLEncoding.DecodeString(s)
}
