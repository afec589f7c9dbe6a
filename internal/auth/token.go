// ABOUTME: Agent credential verification for the chat gateway
// ABOUTME: HS256 JWTs with typed claims carrying the agent identity, role, and issuer

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every minted token and required on verification, so
// agent tokens from unrelated services signed with a leaked shared secret
// still fail the join handshake.
const Issuer = "livechat-gateway"

// RoleAgent is the only role the gateway accepts on an agent join.
const RoleAgent = "agent"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongRole    = errors.New("token does not carry the agent role")
)

// AgentClaims is the claim set minted for agent consoles. Subject holds the
// agent id.
type AgentClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier authenticates agent credentials presented on join.
type TokenVerifier interface {
	Verify(tokenString string) (agentID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token signature, issuer, expiry, and role, and returns
// the agent id from the subject claim.
func (v *JWTVerifier) Verify(tokenString string) (agentID string, err error) {
	claims := &AgentClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Role != RoleAgent {
		return "", ErrWrongRole
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	return claims.Subject, nil
}

// Generate mints an agent token for the given agent id with expiration.
func (v *JWTVerifier) Generate(agentID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		Role: RoleAgent,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
