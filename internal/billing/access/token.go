package access

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sproutlyapp/sproutly/internal/billing/model"
)

// Minter issues short-lived entitlement tokens the app backend can verify
// locally instead of calling the billing service per access check.
type Minter struct {
	secret []byte
	ttl    time.Duration
}

func NewMinter(secret []byte, ttl time.Duration) *Minter {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Minter{secret: secret, ttl: ttl}
}

// EntitlementClaims is the token payload: who, which tier, which features.
type EntitlementClaims struct {
	Tier     model.Tier `json:"tier"`
	Features []string   `json:"features"`
	jwt.RegisteredClaims
}

// Issue signs a token for the user's current entitlements.
func (m *Minter) Issue(userID int64, tier model.Tier, features []string) (string, error) {
	now := time.Now().UTC()
	claims := EntitlementClaims{
		Tier:     tier,
		Features: features,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			Issuer:    "sproutly-billing",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign entitlement token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (m *Minter) Verify(tokenString string) (*EntitlementClaims, error) {
	claims := &EntitlementClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse entitlement token: %w", err)
	}
	return claims, nil
}
