package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/auth"
	"github.com/dukerupert/hapo/internal/model"
)

// TokenCookieName is the cookie browsers carry the access token in.
const TokenCookieName = "hapo_token"

type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*model.Account, *model.Session, error)
}

// BearerToken returns the access token from the Authorization header,
// falling back to the token cookie.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if c, err := r.Cookie(TokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

// RequireAuth resolves the access token to an account and live session
// and populates AuthContext.
func RequireAuth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := BearerToken(r)
			if tok == "" {
				writeError(w, http.StatusUnauthorized, apperr.ErrInvalidToken)
				return
			}

			acct, sess, err := authn.Authenticate(r.Context(), tok)
			if err != nil {
				status := http.StatusUnauthorized
				if apperr.KindOf(err) == apperr.KindStorage {
					status = http.StatusServiceUnavailable
				}
				writeError(w, status, err)
				return
			}

			ac := auth.AuthContext{
				AccountID: acct.ID,
				Role:      acct.Role,
				SessionID: sess.ID,
			}
			if acct.ParentID != nil {
				ac.ParentID = *acct.ParentID
			}

			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireParent checks that the authenticated account is a parent.
func RequireParent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsParent(r.Context()) {
			writeError(w, http.StatusForbidden, apperr.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string      `json:"code"`
		Kind    apperr.Kind `json:"kind"`
		Message string      `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	var body errorBody
	body.Error.Code = apperr.CodeOf(err)
	body.Error.Kind = apperr.KindOf(err)
	body.Error.Message = http.StatusText(status)
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Error.Message = e.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
