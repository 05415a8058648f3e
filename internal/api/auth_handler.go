package api

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/websocket"
)

// AuthHandler issues and revokes bearer tokens.
type AuthHandler struct {
	authn  websocket.Authenticator
	tokens *auth.TokenStore
	mail   imap.MailService
}

func NewAuthHandler(authn websocket.Authenticator, tokens *auth.TokenStore, mail imap.MailService) *AuthHandler {
	return &AuthHandler{authn: authn, tokens: tokens, mail: mail}
}

type loginResponse struct {
	Success   bool      `json:"success"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login checks the credentials against the mail server and returns a token
// that can replace them on later requests.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct{ credentialFields }
	if err := decodeJSON(w, r, maxRequestBody, &req); err != nil {
		writeError(w, "AuthHandler", err)
		return
	}
	// A bearer token cannot be traded for a new one.
	creds, err := req.fromBody()
	if err != nil {
		writeError(w, "AuthHandler", err)
		return
	}

	if err := h.authn.Authenticate(r.Context(), creds); err != nil {
		writeError(w, "AuthHandler", err)
		return
	}

	token, expires, err := h.tokens.Issue(creds)
	if err != nil {
		writeError(w, "AuthHandler", err)
		return
	}
	log.WithField("account", logging.Account(creds.Email)).Info("AuthHandler: token issued")

	writeJSON(w, http.StatusOK, loginResponse{Success: true, Email: creds.Email, Token: token, ExpiresAt: expires})
}

// Logout drops the account's pooled sessions, cached data and tokens. Body
// credentials are verified first so one account cannot log out another.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req struct{ credentialFields }
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err != nil {
		writeError(w, "AuthHandler", err)
		return
	}
	if _, bearer := auth.CredentialsFromContext(r.Context()); !bearer {
		if err := h.authn.Authenticate(r.Context(), creds); err != nil {
			writeError(w, "AuthHandler", err)
			return
		}
	}

	h.mail.Logout(r.Context(), creds)
	revoked := h.tokens.RevokeAccount(creds.AccountID())
	log.WithField("account", logging.Account(creds.Email)).Infof("AuthHandler: logged out, %d tokens revoked", revoked)

	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

// Status reports whether the request carries a valid bearer token.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	creds, ok := auth.CredentialsFromContext(r.Context())
	writeJSON(w, http.StatusOK, struct {
		Success         bool   `json:"success"`
		IsAuthenticated bool   `json:"isAuthenticated"`
		Email           string `json:"email,omitempty"`
	}{true, ok, creds.Email})
}
