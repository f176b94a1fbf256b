package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoJWKS       = errors.New("no JWKS URL provided")
)

// Claims are the access-token claims minted and accepted by this server.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenValidator verifies an access token and returns its claims.
type TokenValidator interface {
	Validate(tokenString string) (*Claims, error)
}

// LocalValidator mints and verifies HS256 tokens with a shared secret.
type LocalValidator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewLocalValidator creates the HS256 validator used when no external
// identity provider is configured.
func NewLocalValidator(secret string, ttl time.Duration) *LocalValidator {
	return &LocalValidator{
		secret: []byte(secret),
		issuer: "destek-server",
		ttl:    ttl,
	}
}

// Mint issues a signed access token for the given user.
func (v *LocalValidator) Mint(userID, username string, now time.Time) (token string, expiresAt time.Time, err error) {
	expiresAt = now.Add(v.ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate verifies the signature and expiry and returns the claims.
func (v *LocalValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no user_id in token claims", ErrInvalidToken)
	}
	return claims, nil
}
