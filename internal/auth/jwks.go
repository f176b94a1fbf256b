package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
)

// JWKSValidator verifies tokens signed by an external identity provider,
// fetching the key set from its JWKS endpoint. Used when AUTH_MODE=jwks.
type JWKSValidator struct {
	jwksURL string

	mu     sync.RWMutex
	keySet jwk.Set
}

// NewJWKSValidator fetches the key set once at startup. Keys are refreshed
// lazily when a token arrives with an unknown key ID.
func NewJWKSValidator(jwksURL string) (*JWKSValidator, error) {
	if jwksURL == "" {
		return nil, ErrNoJWKS
	}
	keySet, err := jwk.Fetch(context.Background(), jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSValidator{jwksURL: jwksURL, keySet: keySet}, nil
}

// RefreshKeys re-fetches the JWKS from the configured URL.
func (v *JWKSValidator) RefreshKeys() error {
	keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh JWKS from %s: %w", v.jwksURL, err)
	}
	v.mu.Lock()
	v.keySet = keySet
	v.mu.Unlock()
	return nil
}

func (v *JWKSValidator) lookup(kid string) (jwk.Key, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet.LookupKeyID(kid)
}

// Validate verifies a token against the provider's key set.
func (v *JWKSValidator) Validate(tokenString string) (*Claims, error) {
	// Parse the header first to learn which key signed the token.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse token header: %v", ErrInvalidToken, err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
	}

	key, found := v.lookup(kid)
	if !found {
		// The provider may have rotated keys since startup.
		if err := v.RefreshKeys(); err != nil {
			return nil, fmt.Errorf("%w: key %s not found and refresh failed: %v", ErrInvalidToken, kid, err)
		}
		key, found = v.lookup(kid)
		if !found {
			return nil, fmt.Errorf("%w: key %s not found", ErrInvalidToken, kid)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("%w: failed to get raw key: %v", ErrInvalidToken, err)
	}

	validated, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return rawKey, nil
	})
	if err != nil {
		if jwtErr, ok := err.(*jwt.ValidationError); ok && jwtErr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := validated.Claims.(*Claims)
	if !ok || !validated.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(time.Now(), true) {
		return nil, ErrExpiredToken
	}

	// External providers put the identity in sub; map it onto our claims.
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no user_id or sub in token claims", ErrInvalidToken)
	}
	if claims.Username == "" {
		claims.Username = claims.UserID
	}
	return claims, nil
}
