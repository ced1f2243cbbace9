package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identity is the result of a successful credential check.
type Identity struct {
	UserID string
}

// TokenVerifier validates a bearer credential and yields the stable user id.
// The gateway and the HTTP middleware both go through this interface so
// tests can substitute a static verifier.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Claims carried by a convoy access token.
type Claims struct {
	Subject   string `json:"sub"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

const (
	issuer   = "convoy"
	audience = "convoy-api"
	tokenTTL = 24 * time.Hour
)

// HMACVerifier signs and validates HS256 tokens locally. This is the single
// token strategy for the service: one signed bearer token whose sub claim is
// the user id.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier enforces a minimum secret length so the service cannot
// start with a guessable key.
func NewHMACVerifier(secret string) (*HMACVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	return &HMACVerifier{secret: []byte(secret)}, nil
}

// Issue creates a signed token for the given user id.
func (v *HMACVerifier) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().Unix()
	claims := Claims{
		Subject:   userID,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + int64(tokenTTL/time.Second),
		IssuedAt:  now,
		NotBefore: now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	signed := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	return signed + "." + computeHMAC(signed, v.secret), nil
}

// Verify checks the signature and the time-window claims.
func (v *HMACVerifier) Verify(token string) (Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, errors.New("invalid token format")
	}

	signed := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(computeHMAC(signed, v.secret)), []byte(parts[2])) {
		return Identity{}, errors.New("invalid signature")
	}

	claimsJSON, err := base64URLDecode(parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("failed to decode claims: %v", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return Identity{}, fmt.Errorf("failed to unmarshal claims: %v", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return Identity{}, errors.New("token expired")
	}
	if now < claims.NotBefore {
		return Identity{}, errors.New("token not yet valid")
	}
	if claims.Issuer != issuer {
		return Identity{}, errors.New("invalid issuer")
	}
	if claims.Audience != audience {
		return Identity{}, errors.New("invalid audience")
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("missing subject")
	}

	return Identity{UserID: claims.Subject}, nil
}

// StaticVerifier maps raw tokens to user ids. Test-only.
type StaticVerifier map[string]string

func (s StaticVerifier) Verify(token string) (Identity, error) {
	userID, ok := s[token]
	if !ok {
		return Identity{}, errors.New("unknown token")
	}
	return Identity{UserID: userID}, nil
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64URLEncode(h.Sum(nil))
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64URLDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
