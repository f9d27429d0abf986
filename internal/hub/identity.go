package hub

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrMissingToken = errors.New("missing token")

// Identity is the stable identity a connection is bound to at the handshake.
// Presence is keyed by UserID, so two connections from the same user merge
// into one presence entry.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// Authenticator resolves an Identity from the upgrade request. With a secret
// configured, the `token` query parameter must carry an HS256 JWT whose
// subject is the user id; without one the server runs open and trusts
// `user_id`/`name`/`avatar` query parameters, assigning an anonymous id when
// none is supplied.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Identify(r *http.Request) (Identity, error) {
	q := r.URL.Query()

	if len(a.secret) == 0 {
		userID := q.Get("user_id")
		if userID == "" {
			userID = "anon-" + uuid.New().String()[:8]
		}
		return Identity{
			UserID: userID,
			Name:   q.Get("name"),
			Avatar: q.Get("avatar"),
		}, nil
	}

	tokenString := q.Get("token")
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}
	return a.validateToken(tokenString)
}

func (a *Authenticator) validateToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return Identity{}, errors.New("invalid token subject")
	}

	id := Identity{UserID: userID}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	if avatar, ok := claims["avatar"].(string); ok {
		id.Avatar = avatar
	}
	return id, nil
}
