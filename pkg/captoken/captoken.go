// Package captoken issues and verifies signed capability tokens.
//
// A capability token grants one action on one subject. Tokens are HS256 JWTs
// whose signing key is derived per action from a process-wide secret, so a
// token minted for one action never verifies for another. Nothing is stored:
// verification only needs the secret.
package captoken

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest accepted signing secret, in bytes.
const MinSecretLength = 32

const (
	defaultIssuer = "pledges"
	keyInfoPrefix = "pledges/captoken/"
)

var (
	ErrSecretTooShort = errors.New("token secret must be at least 32 bytes")
	ErrEmptySubject   = errors.New("token subject cannot be empty")
	ErrEmptyAction    = errors.New("token action cannot be empty")
	ErrInvalidTTL     = errors.New("token ttl must be positive")
)

// Claims is the JWT payload of a capability token.
type Claims struct {
	Action string `json:"act"`
	jwt.RegisteredClaims
}

type signingSecret struct {
	secret     []byte
	validUntil time.Time // zero for the current secret
}

// Service issues and verifies capability tokens. It is safe for concurrent use
// and read-only after construction.
type Service struct {
	current signingSecret
	retired []signingSecret
	issuer  string
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service) error

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		s.now = now
		return nil
	}
}

// WithIssuer sets the iss claim written to and required of every token.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		if issuer == "" {
			return errors.New("issuer cannot be empty")
		}
		s.issuer = issuer
		return nil
	}
}

// WithRetiredSecret keeps accepting tokens signed with a previous secret
// until validUntil. New tokens are always signed with the current secret.
func WithRetiredSecret(secret []byte, validUntil time.Time) Option {
	return func(s *Service) error {
		if len(secret) < MinSecretLength {
			return fmt.Errorf("retired secret: %w", ErrSecretTooShort)
		}
		s.retired = append(s.retired, signingSecret{secret: secret, validUntil: validUntil})
		return nil
	}
}

// New creates a Service signing with secret.
func New(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	s := &Service{
		current: signingSecret{secret: secret},
		issuer:  defaultIssuer,
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue returns a token for action on subject that expires after ttl.
func (s *Service) Issue(subject, action string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	return s.issue(subject, action, jwt.NewNumericDate(s.now().Add(ttl)))
}

// IssueReusable returns a token for action on subject that never expires.
// It stays valid for as long as the signing secret does.
func (s *Service) IssueReusable(subject, action string) (string, error) {
	return s.issue(subject, action, nil)
}

func (s *Service) issue(subject, action string, expiresAt *jwt.NumericDate) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if action == "" {
		return "", ErrEmptyAction
	}
	claims := &Claims{
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: expiresAt,
			ID:        uuid.NewString(),
		},
	}
	key, err := deriveKey(s.current.secret, action)
	if err != nil {
		return "", err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign capability token: %w", err)
	}
	return signed, nil
}

// Verify reports whether token grants action on subject right now. It does
// not say why a token was rejected.
func (s *Service) Verify(subject, action, token string) bool {
	if subject == "" || action == "" || token == "" {
		return false
	}
	now := s.now()
	if s.verifyWith(s.current.secret, subject, action, token) {
		return true
	}
	for _, r := range s.retired {
		if now.Before(r.validUntil) && s.verifyWith(r.secret, subject, action, token) {
			return true
		}
	}
	return false
}

func (s *Service) verifyWith(secret []byte, subject, action, token string) bool {
	key, err := deriveKey(secret, action)
	if err != nil {
		return false
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithSubject(subject),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(claims.Action), []byte(action)) == 1
}

func deriveKey(secret []byte, action string) ([]byte, error) {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, nil, []byte(keyInfoPrefix+action))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return key, nil
}
