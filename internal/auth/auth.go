// Package auth issues and checks the bearer tokens that identify a registry
// caller by address, and runs the signed-challenge login that precedes them.
package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "metaprofile"
	audience          = "metaprofile-registry"
	secretEnvVariable = "METAPROFILE_AUTH_SECRET"
	clockSkew         = 5 * time.Second

	// RoleAdmin marks tokens issued to the registry admin address.
	RoleAdmin = "admin"
)

var (
	signingKeyOnce sync.Once
	signingKey     []byte
	signingKeyErr  error
	signingKeyMu   sync.Mutex
)

// Claims carries the caller address in the subject and the service roles.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Caller returns the address the token was issued to.
func (c *Claims) Caller() (common.Address, error) {
	if !common.IsHexAddress(c.Subject) {
		return common.Address{}, ErrInvalidToken
	}
	return common.HexToAddress(c.Subject), nil
}

// GenerateToken signs an HS256 token for caller valid for ttl.
func GenerateToken(caller common.Address, roles []string, ttl time.Duration) (string, error) {
	switch {
	case caller == (common.Address{}):
		return "", errors.New("auth: caller address is required")
	case ttl <= 0:
		return "", errors.New("auth: ttl must be positive")
	}
	key, err := secret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		Roles: normalizeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   caller.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate checks signature, issuer, audience and lifetime. Every
// failure is reported as ErrInvalidToken; a missing secret is returned as is.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	key, err := secret()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, err := claims.Caller(); err != nil {
		return nil, err
	}
	claims.Roles = normalizeRoles(claims.Roles)
	return claims, nil
}

// normalizeRoles lower-cases, sorts and deduplicates role names.
func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			out = append(out, role)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func secret() ([]byte, error) {
	signingKeyMu.Lock()
	defer signingKeyMu.Unlock()
	signingKeyOnce.Do(func() {
		raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
		if raw == "" {
			signingKeyErr = errMissingSecret
			return
		}
		signingKey = []byte(raw)
	})
	return signingKey, signingKeyErr
}

// ResetSecretForTests forgets the cached signing key so the next call rereads
// the environment.
func ResetSecretForTests() {
	signingKeyMu.Lock()
	defer signingKeyMu.Unlock()
	signingKeyOnce = sync.Once{}
	signingKey, signingKeyErr = nil, nil
}
