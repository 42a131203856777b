package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrMissingSecret = errors.New("jwt secret is not configured")
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidRole   = errors.New("invalid role")
)

// TokenConfig holds signing settings for operator tokens
type TokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// OperatorClaims are the claims carried by an operator token
type OperatorClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether any of the claimed roles grants required.
func (c *OperatorClaims) HasRole(required Role) bool {
	for _, r := range c.Roles {
		if Role(r).HasPermission(required) {
			return true
		}
	}
	return false
}

// IssueOperatorToken signs a token for subject with the given roles
func IssueOperatorToken(subject string, roles []Role, cfg TokenConfig) (string, time.Time, error) {
	if len(cfg.Secret) == 0 {
		return "", time.Time{}, ErrMissingSecret
	}
	if len(roles) == 0 {
		return "", time.Time{}, fmt.Errorf("%w: at least one role is required", ErrInvalidRole)
	}

	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if !r.IsValid() {
			return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidRole, r)
		}
		names = append(names, r.String())
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := OperatorClaims{
		Roles: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateOperatorToken verifies the signature, expiry and issuer of a token
func ValidateOperatorToken(tokenString string, cfg TokenConfig) (*OperatorClaims, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}

	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if cfg.Issuer != "" && !claims.VerifyIssuer(cfg.Issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	return claims, nil
}
