package identity

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is what the auth layer vouches for about the person behind a
// connection. It never changes once attached to a connection.
type Identity struct {
	ViewerID      string `json:"viewerId"`
	DisplayHandle string `json:"displayHandle"`
	AvatarRef     string `json:"avatarRef"`
}

// Anonymous reports whether the identity was made up for a connection
// that never presented a token.
func (i *Identity) Anonymous() bool {
	return strings.HasPrefix(i.ViewerID, AnonymousPrefix)
}

const AnonymousPrefix = "anonymous:"

// NewAnonymous derives a viewer identity from the connection itself so
// that two anonymous tabs never collapse into one viewer.
func NewAnonymous(connectionID string, avatarRef string) *Identity {
	return &Identity{
		ViewerID:  AnonymousPrefix + connectionID,
		AvatarRef: avatarRef,
	}
}

// Provider resolves the token a client presented into an identity.
type Provider interface {
	Resolve(token string) (*Identity, error)
}

// TokenFromRequest looks for a token in, in order, the Authorization
// bearer header, the "token" query parameter and the "jwt" cookie.
// Browsers cannot set headers on a websocket handshake, hence the others.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("jwt"); err == nil {
		return cookie.Value
	}
	return ""
}
