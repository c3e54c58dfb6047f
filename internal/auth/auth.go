package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-supportchat/internal/types"
)

const (
	TokenCookieKey = "token"
	TokenQueryKey  = "token"
	DefaultExpiry  = 24 * time.Hour

	userIdClaim = "user-id"
	roleClaim   = "role"
	expClaim    = "exp"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller supplied by the host application.
type Identity struct {
	UserId string     `json:"user_id"`
	Role   types.Role `json:"role"`
}

func (i Identity) Participant() types.Participant {
	return types.Participant{UserId: i.UserId, Role: i.Role}
}

func IssueToken(key []byte, id Identity, exp time.Duration) (string, error) {
	if err := id.Participant().Validate(); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: id.UserId,
		roleClaim:   string(id.Role),
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(key)
}

func ParseToken(key []byte, tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	userId, _ := claims[userIdClaim].(string)
	role, _ := claims[roleClaim].(string)
	id := Identity{UserId: userId, Role: types.Role(role)}
	if err := id.Participant().Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return id, nil
}

// TokenFromRequest looks for a token in the session cookie, then the
// Authorization header, then the query string. Browsers cannot set headers
// on a websocket handshake, hence the query fallback.
func TokenFromRequest(r *http.Request) (string, bool) {
	if c, err := r.Cookie(TokenCookieKey); err == nil && c.Value != "" {
		return c.Value, true
	}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") && token != "" {
			return token, true
		}
	}

	if token := r.URL.Query().Get(TokenQueryKey); token != "" {
		return token, true
	}

	return "", false
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
