package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/hapo/internal/account"
	"github.com/dukerupert/hapo/internal/auth"
	"github.com/dukerupert/hapo/internal/middleware"
	"github.com/dukerupert/hapo/internal/model"
)

type AuthHandler struct {
	accounts      *account.Service
	secureCookies bool
	logger        *slog.Logger
}

func NewAuthHandler(accounts *account.Service, secureCookies bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, secureCookies: secureCookies, logger: logger}
}

func (h *AuthHandler) setTokenCookie(w http.ResponseWriter, t *model.Tokens) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookieName,
		Value:    t.AccessToken,
		Path:     "/",
		Expires:  t.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req account.SignUpInput
	if err := decode(w, r, "signup", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	res, err := h.accounts.SignUp(r.Context(), req)
	if err != nil {
		var data any
		if res != nil {
			data = res
		}
		writeError(w, r, h.logger, err, data)
		return
	}
	writeOK(w, http.StatusCreated, res)
}

type codeRequest struct {
	AccountID string `json:"account_id"`
	Code      string `json:"code"`
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decode(w, r, "verify_code", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	if err := h.accounts.VerifyEmail(r.Context(), req.AccountID, req.Code); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, map[string]bool{"email_verified": true})
}

type accountRef struct {
	AccountID string `json:"account_id"`
}

func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req accountRef
	if err := decode(w, r, "account_ref", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	if err := h.accounts.ResendEmailVerification(r.Context(), req.AccountID); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, map[string]bool{"sent": true})
}

type signInRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decode(w, r, "signin", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	res, err := h.accounts.SignIn(r.Context(), req.Identifier, req.Password)
	if err != nil {
		var data any
		if res != nil {
			data = res
		}
		writeError(w, r, h.logger, err, data)
		return
	}
	if res.Tokens != nil {
		h.setTokenCookie(w, res.Tokens)
	}
	writeOK(w, http.StatusOK, res)
}

func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decode(w, r, "verify_code", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	tokens, err := h.accounts.VerifyMFA(r.Context(), req.AccountID, req.Code)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	h.setTokenCookie(w, tokens)
	writeOK(w, http.StatusOK, account.SignInResult{Status: account.StatusAuthenticated, AccountID: tokens.AccountID, Tokens: tokens})
}

func (h *AuthHandler) ResendMFA(w http.ResponseWriter, r *http.Request) {
	var req accountRef
	if err := decode(w, r, "account_ref", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	if err := h.accounts.ResendMFA(r.Context(), req.AccountID); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, map[string]bool{"sent": true})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(w, r, "refresh", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	tokens, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	h.setTokenCookie(w, tokens)
	writeOK(w, http.StatusOK, tokens)
}

type validateRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type validateResponse struct {
	Tokens    *model.Tokens `json:"tokens"`
	Refreshed bool          `json:"refreshed"`
}

func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decode(w, r, "validate", &req); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}

	tokens, refreshed, err := h.accounts.ValidateToken(r.Context(), req.AccessToken, req.RefreshToken)
	if err != nil {
		h.clearTokenCookie(w)
		writeError(w, r, h.logger, err, nil)
		return
	}
	if refreshed {
		h.setTokenCookie(w, tokens)
	}
	writeOK(w, http.StatusOK, validateResponse{Tokens: tokens, Refreshed: refreshed})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Logout(r.Context(), auth.SessionID(r.Context())); err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	h.clearTokenCookie(w)
	writeOK(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.GetAccount(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, acct)
}
