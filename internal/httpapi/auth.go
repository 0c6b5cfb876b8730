package httpapi

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const tokenHeader = "x-oc-jwt"

// chatClaims is what the chat platform signs into each command call.
type chatClaims struct {
	ConversationID string `json:"conversation_id,omitempty"`
	AuthorID       string `json:"author_id,omitempty"`
	jwt.RegisteredClaims
}

type tokenVerifier struct {
	key *ecdsa.PublicKey
}

// newTokenVerifier returns nil when no key is configured, which turns
// verification off.
func newTokenVerifier(publicKeyPEM string) (*tokenVerifier, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return nil, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse chat public key: %w", err)
	}
	return &tokenVerifier{key: key}, nil
}

func (v *tokenVerifier) verify(raw string) (*chatClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("missing " + tokenHeader + " header")
	}
	claims := &chatClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

type claimsKey struct{}

// requireToken verifies the chat token on every route it wraps. Browsers
// cannot set headers on a websocket handshake, so a token query parameter is
// accepted as well.
func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(tokenHeader)
		if strings.TrimSpace(raw) == "" {
			raw = r.URL.Query().Get("token")
		}
		claims, err := s.verifier.verify(raw)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(ctx context.Context) *chatClaims {
	c, _ := ctx.Value(claimsKey{}).(*chatClaims)
	return c
}

// scoped replaces the caller-supplied ids with the ones signed into the token.
func scoped(ctx context.Context, conversationID, authorID string) (string, string) {
	c := claimsFrom(ctx)
	if c == nil {
		return conversationID, authorID
	}
	if c.ConversationID != "" {
		conversationID = c.ConversationID
	}
	if c.AuthorID != "" {
		authorID = c.AuthorID
	}
	return conversationID, authorID
}

// mayAccess reports whether the caller's token covers conversationID.
func mayAccess(ctx context.Context, conversationID string) bool {
	c := claimsFrom(ctx)
	return c == nil || c.ConversationID == "" || c.ConversationID == conversationID
}
