package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// DefaultMaxCachedTokens bounds a ValidatorCache unless WithMaxEntries says
// otherwise.
const DefaultMaxCachedTokens = 10000

type cacheEntry struct {
	user      User
	err       error
	expiresAt time.Time
}

type ValidatorCacheOption func(*ValidatorCache)

// WithMaxEntries caps how many tokens the cache holds. Results for tokens
// beyond the cap are returned but not remembered.
func WithMaxEntries(n int) ValidatorCacheOption {
	return func(c *ValidatorCache) {
		c.maxEntries = n
	}
}

// ValidatorCache remembers validation results per token for ttl. Lookup
// failures other than ErrInvalidToken are not cached. Expired entries are
// swept on insert at most once per ttl.
type ValidatorCache struct {
	validate   UserValidator
	ttl        time.Duration
	maxEntries int

	mu        sync.Mutex
	entries   map[string]cacheEntry
	nextSweep time.Time
}

func NewValidatorCache(validate UserValidator, ttl time.Duration, opts ...ValidatorCacheOption) *ValidatorCache {
	c := &ValidatorCache{
		validate:   validate,
		ttl:        ttl,
		maxEntries: DefaultMaxCachedTokens,
		entries:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CachedValidator wraps validate in a ValidatorCache with default limits.
func CachedValidator(validate UserValidator, ttl time.Duration) UserValidator {
	return NewValidatorCache(validate, ttl).Validate
}

func (c *ValidatorCache) Validate(ctx context.Context, token string) (User, error) {
	now := time.Now()
	c.mu.Lock()
	entry, ok := c.entries[token]
	if ok && now.After(entry.expiresAt) {
		delete(c.entries, token)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return entry.user, entry.err
	}

	user, err := c.validate(ctx, token)
	if err != nil && !errors.Is(err, ErrInvalidToken) {
		return User{}, err
	}
	c.store(token, cacheEntry{user: user, err: err, expiresAt: now.Add(c.ttl)}, now)
	return user, err
}

func (c *ValidatorCache) store(token string, entry cacheEntry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.Before(c.nextSweep) || len(c.entries) >= c.maxEntries {
		for key, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, key)
			}
		}
		c.nextSweep = now.Add(c.ttl)
	}
	if len(c.entries) >= c.maxEntries {
		return
	}
	c.entries[token] = entry
}

func (c *ValidatorCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
