package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

// TokenValidator validates and issues HMAC-signed access tokens
type TokenValidator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenValidator creates a new token validator
func NewTokenValidator(secret, issuer string, ttl time.Duration) *TokenValidator {
	return &TokenValidator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}
}

// JWTClaims is the token payload. Tokens minted by older clients carry the
// subject under "_id" instead of "user_id".
type JWTClaims struct {
	UserID   string `json:"user_id,omitempty"`
	LegacyID string `json:"_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ValidateJWT validates a JWT token and returns user claims
func (tv *TokenValidator) ValidateJWT(tokenString string) (*types.UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tv.secret, nil
	})
	if err != nil {
		return nil, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, fmt.Sprintf("invalid token: %v", err))
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "invalid token claims")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.LegacyID
	}
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "token carries no user id")
	}

	role := types.UserRole(claims.Role)
	if role == "" {
		role = types.RoleClient
	}

	return &types.UserClaims{UserID: userID, Role: role}, nil
}

// GenerateToken signs a token for the given identity
func (tv *TokenValidator) GenerateToken(userID string, role types.UserRole) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		UserID: userID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tv.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tv.issuer,
			Subject:   userID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tv.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
