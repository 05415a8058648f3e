package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/attachment"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/search"
	"github.com/vdavid/mailgate/internal/smtp"
)

const (
	defaultMailbox = "INBOX"
	// maxRequestBody limits JSON bodies of every endpoint except send.
	maxRequestBody = 1 << 20
	maxUIDs        = 1000
)

// validationError is a malformed or incomplete request. It is reported
// before any IMAP work is done.
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// credentialFields is embedded in every JSON request that talks to the mail
// server. The fields are optional when the request carries a bearer token.
type credentialFields struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// credentials resolves who the request acts for: bearer token credentials
// from WithBearer win over the body fields.
func (f credentialFields) credentials(r *http.Request) (models.Credentials, error) {
	if creds, ok := auth.CredentialsFromContext(r.Context()); ok {
		return creds, nil
	}
	return f.fromBody()
}

func (f credentialFields) fromBody() (models.Credentials, error) {
	var missing []string
	email := strings.TrimSpace(f.Email)
	if email == "" {
		missing = append(missing, "email")
	}
	if f.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return models.Credentials{}, invalid("missing required fields: %s", strings.Join(missing, ", "))
	}
	return models.Credentials{Email: email, Password: f.Password}, nil
}

type credentialed interface {
	credentials(r *http.Request) (models.Credentials, error)
}

// readRequest decodes the JSON body into req and resolves its credentials.
func readRequest(w http.ResponseWriter, r *http.Request, limit int64, req credentialed) (models.Credentials, error) {
	if err := decodeJSON(w, r, limit, req); err != nil {
		return models.Credentials{}, err
	}
	return req.credentials(r)
}

// decodeJSON reads a JSON request body of at most limit bytes into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return invalid("request body is required")
		case errors.As(err, &tooLarge):
			return invalid("request body is larger than %d bytes", tooLarge.Limit)
		default:
			return invalid("invalid request body: %v", err)
		}
	}
	return nil
}

func mailboxOrDefault(mailbox string) string {
	if mailbox = strings.TrimSpace(mailbox); mailbox == "" {
		return defaultMailbox
	}
	return mailbox
}

func validateUIDs(uids []uint32) error {
	if len(uids) == 0 {
		return invalid("uids must not be empty")
	}
	if len(uids) > maxUIDs {
		return invalid("at most %d uids per request", maxUIDs)
	}
	for _, uid := range uids {
		if uid == 0 {
			return invalid("uids must be positive")
		}
	}
	return nil
}

// statusFor maps an error onto the HTTP status the client sees.
func statusFor(err error) int {
	var validation *validationError
	var policy *attachment.PolicyError
	switch {
	case errors.As(err, &validation),
		errors.As(err, &policy),
		errors.Is(err, search.ErrInvalidQuery),
		errors.Is(err, smtp.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, imap.ErrAuthFailed),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, imap.ErrMessageNotFound),
		errors.Is(err, attachment.ErrPartNotFound):
		return http.StatusNotFound
	case errors.Is(err, imap.ErrPoolExhausted),
		errors.Is(err, imap.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeError writes the failure envelope. Server-side failures are logged
// under the handler's name.
func writeError(w http.ResponseWriter, handler string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("%s: %v", handler, err)
	}
	writeJSON(w, status, errorResponse{Success: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("API: Failed to encode response: %v", err)
	}
}
