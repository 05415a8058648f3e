package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vdavid/mailgate/internal/crypto"
	"github.com/vdavid/mailgate/internal/models"
)

const issuer = "mailgate"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// record is the server-side half of a token. The IMAP password never leaves
// the process; it is kept sealed and bound to the token ID.
type record struct {
	email   string
	sealed  []byte
	expires time.Time
}

// TokenStore issues and validates bearer tokens. A token is a signed HS256 JWT
// whose ID points at a record holding the sealed password, so a token is only
// usable while this process still has the record.
type TokenStore struct {
	secret []byte
	ttl    time.Duration
	enc    *crypto.Encryptor
	now    func() time.Time

	mu      sync.Mutex
	records map[string]record
}

// NewTokenStore creates a store. An empty secret is replaced by a random one,
// which invalidates tokens across restarts.
func NewTokenStore(secret string, ttl time.Duration, enc *crypto.Encryptor) (*TokenStore, error) {
	if enc == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenStore{
		secret:  key,
		ttl:     ttl,
		enc:     enc,
		now:     time.Now,
		records: make(map[string]record),
	}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Issue mints a token for credentials that were already verified upstream.
func (s *TokenStore) Issue(creds models.Credentials) (string, time.Time, error) {
	id := uuid.NewString()
	now := s.now()
	expires := now.Add(s.ttl)

	sealed, err := s.enc.Seal(creds.Password, id)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to seal password: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   creds.AccountID(),
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	s.mu.Lock()
	s.records[id] = record{email: creds.Email, sealed: sealed, expires: expires}
	s.mu.Unlock()

	return signed, expires, nil
}

// Validate checks the signature and expiry of a token and returns the
// credentials it stands for.
func (s *TokenStore) Validate(token string) (models.Credentials, error) {
	c, err := s.parse(token)
	if err != nil {
		return models.Credentials{}, err
	}

	s.mu.Lock()
	rec, ok := s.records[c.ID]
	s.mu.Unlock()
	if !ok {
		return models.Credentials{}, fmt.Errorf("%w: revoked or unknown", ErrInvalidToken)
	}
	if !s.now().Before(rec.expires) {
		return models.Credentials{}, ErrTokenExpired
	}

	password, err := s.enc.Open(rec.sealed, c.ID)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	creds := models.Credentials{Email: rec.email, Password: password}
	if creds.AccountID() != c.Subject {
		return models.Credentials{}, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	return creds, nil
}

func (s *TokenStore) parse(token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &c, nil
}

// Revoke forgets a token. Invalid tokens are ignored.
func (s *TokenStore) Revoke(token string) {
	c, err := s.parse(token)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.records, c.ID)
	s.mu.Unlock()
}

// RevokeAccount forgets every token of an account and returns how many there
// were.
func (s *TokenStore) RevokeAccount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if (models.Credentials{Email: rec.email}).AccountID() == accountID {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// PurgeExpired drops records whose tokens have expired.
func (s *TokenStore) PurgeExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if !now.Before(rec.expires) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
