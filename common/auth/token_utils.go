package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrSecretNotConfigured = errors.New("JWT secret not configured")
	ErrInvalidToken        = errors.New("invalid or expired token")
)

const anonymousPrefix = "anon:"

const (
	RoleCustomer = "customer"
	RoleCashier  = "cashier"
	RoleAdmin    = "admin"
)

// Identity is what the service needs from a verified token.
type Identity struct {
	Subject string
	Role    string
	StoreID string
}

// Validator verifies HMAC-signed tokens issued by the auth service.
type Validator struct {
	secret []byte
}

func NewValidator(secret string) *Validator {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Validator{}
	}
	return &Validator{secret: []byte(secret)}
}

// ParseAndValidateToken parses a JWT token string and returns its claims.
// If expectedType is non-empty, the claim "typ" must match it.
func (v *Validator) ParseAndValidateToken(tokenStr, expectedType string) (jwt.MapClaims, error) {
	if v == nil || v.secret == nil {
		return nil, ErrSecretNotConfigured
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if expectedType != "" {
		if typ, ok := claims["typ"].(string); !ok || typ != expectedType {
			return nil, fmt.Errorf("invalid token type")
		}
	}
	return claims, nil
}

// Identify validates an access token and extracts the caller identity.
func (v *Validator) Identify(tokenStr string) (Identity, error) {
	claims, err := v.ParseAndValidateToken(tokenStr, "")
	if err != nil {
		return Identity{}, err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, ErrInvalidToken
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = RoleCustomer
	}
	store, _ := claims["store_id"].(string)
	return Identity{Subject: sub, Role: role, StoreID: store}, nil
}

// Sign issues a token for id. Used by the register CLI and tests.
func (v *Validator) Sign(id Identity, ttl time.Duration) (string, error) {
	if v == nil || v.secret == nil {
		return "", ErrSecretNotConfigured
	}
	claims := jwt.MapClaims{
		"sub":  id.Subject,
		"role": id.Role,
		"typ":  "access",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	}
	if id.StoreID != "" {
		claims["store_id"] = id.StoreID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ActorID derives the reservation owner for an authenticated caller acting in
// storeID. Cashiers hold stock per register session within the store.
func ActorID(id Identity, storeID string) string {
	switch id.Role {
	case RoleCashier, RoleAdmin:
		return fmt.Sprintf("%s:%s@%s", id.Role, id.Subject, storeID)
	default:
		return "customer:" + id.Subject
	}
}

// AnonymousActorID is the owner id of a visitor without an account.
func AnonymousActorID(sessionID string) string {
	return anonymousPrefix + sessionID
}

// PublicActorID is the form of actorID that may be shown to other sessions.
// An anonymous id embeds the session id, which authorizes releases, so it is
// replaced by a digest of it. Other ids are returned unchanged.
func PublicActorID(actorID string) string {
	session, ok := strings.CutPrefix(actorID, anonymousPrefix)
	if !ok {
		return actorID
	}
	sum := sha256.Sum256([]byte(session))
	return anonymousPrefix + "#" + hex.EncodeToString(sum[:16])
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}
