package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClusterClaims identify another node of the same deployment calling
// the control API.
type ClusterClaims struct {
	ServerID string   `json:"server_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// ClusterTokens signs and verifies node-to-node tokens with the shared
// cluster key.
type ClusterTokens struct {
	key      []byte
	issuer   string
	tokenTTL time.Duration
}

// NewClusterTokens creates a signer/verifier for the shared key.
func NewClusterTokens(key []byte, issuer string, ttl time.Duration) *ClusterTokens {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ClusterTokens{key: key, issuer: issuer, tokenTTL: ttl}
}

// Generate creates a short-lived token for this node.
func (c *ClusterTokens) Generate(serverID string, roles []string) (string, error) {
	now := time.Now()
	claims := ClusterClaims{
		ServerID: serverID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.key)
}

// Validate parses and verifies a node token.
func (c *ClusterTokens) Validate(tokenString string) (*ClusterClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ClusterClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*ClusterClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	return claims, nil
}
