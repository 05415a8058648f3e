package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/models"
)

type contextKey string

// CredentialsKey is the context key used to store credentials resolved from a
// bearer token.
const CredentialsKey contextKey = "credentials"

// errNoToken means the request carried no Authorization header at all.
var errNoToken = errors.New("no bearer token")

// WithBearer resolves an optional "Authorization: Bearer <token>" header into
// credentials stored in the request context. Requests without the header pass
// through untouched; requests with a malformed, unknown or expired token are
// rejected with 401.
func WithBearer(tokens *TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r.Header.Get("Authorization"))
			if errors.Is(err, errNoToken) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				log.Printf("Auth: %v", err)
				writeUnauthorized(w)
				return
			}

			creds, err := tokens.Validate(token)
			if err != nil {
				log.Printf("Auth: Token validation failed: %v", err)
				writeUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), CredentialsKey, creds)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken parses an Authorization header value: "Bearer <token>" (RFC 7235).
// The scheme is case-insensitive.
func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errNoToken
	}

	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	if token == "" {
		return "", errors.New("empty token after Bearer")
	}
	return token, nil
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"success":false,"error":"Unauthorized"}`))
}

// CredentialsFromContext returns the credentials resolved by WithBearer.
func CredentialsFromContext(ctx context.Context) (models.Credentials, bool) {
	creds, ok := ctx.Value(CredentialsKey).(models.Credentials)
	return creds, ok
}
