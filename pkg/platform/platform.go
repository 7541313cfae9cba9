// Package platform is a client for the identity and profile platform that
// owns contributor accounts.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUnauthorized = errors.New("platform rejected credentials")
)

const (
	defaultTimeout = 10 * time.Second
	defaultRPS     = 10
	maxBatchSize   = 100
)

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Code int
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform %s returned status %d", e.Path, e.Code)
}

// User is a platform account.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Nicename  string `json:"nicename"`
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
}

type Config struct {
	BaseURL string
	// ClientID, ClientSecret and TokenURL enable OAuth2 client credentials
	// for directory and profile calls. Without them requests are anonymous.
	ClientID          string
	ClientSecret      string
	TokenURL          string
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

type Client struct {
	baseURL *url.URL
	service *http.Client
	plain   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("platform base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid platform base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRPS
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	plain := cfg.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: cfg.Timeout}
	}

	service := plain
	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, plain)
		service = cc.Client(ctx)
		service.Timeout = cfg.Timeout
	}

	return &Client{
		baseURL: base,
		service: service,
		plain:   plain,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		logger:  cfg.Logger,
	}, nil
}

// LookupUser resolves name as a login first and as a profile slug second.
func (c *Client) LookupUser(ctx context.Context, name string) (User, error) {
	var u User
	err := c.do(ctx, c.service, http.MethodGet, []string{"users", name}, nil, nil, &u)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}
	q := url.Values{"slug": {name}}
	if err := c.do(ctx, c.service, http.MethodGet, []string{"users"}, q, nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

type hoursResponse struct {
	HoursPerWeek int `json:"hours_per_week"`
}

// DeclaredWeeklyHours returns the hours per week username declares on their
// profile. A user without the field declares zero.
func (c *Client) DeclaredWeeklyHours(ctx context.Context, username string) (int, error) {
	var resp hoursResponse
	if err := c.do(ctx, c.service, http.MethodGet, []string{"users", username, "profile"}, nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.HoursPerWeek, nil
}

type batchRequest struct {
	Usernames []string `json:"usernames"`
}

type batchResponse struct {
	Hours map[string]int `json:"hours"`
}

// DeclaredWeeklyHoursBatch looks up many users, maxBatchSize per request.
// Users missing from the response are absent from the result.
func (c *Client) DeclaredWeeklyHoursBatch(ctx context.Context, usernames []string) (map[string]int, error) {
	out := make(map[string]int, len(usernames))
	for start := 0; start < len(usernames); start += maxBatchSize {
		end := min(start+maxBatchSize, len(usernames))
		var resp batchResponse
		body := batchRequest{Usernames: usernames[start:end]}
		if err := c.do(ctx, c.service, http.MethodPost, []string{"profiles", "hours"}, nil, body, &resp); err != nil {
			return nil, err
		}
		for name, h := range resp.Hours {
			out[name] = h
		}
	}
	return out, nil
}

// Me returns the user a bearer token belongs to.
func (c *Client) Me(ctx context.Context, bearer string) (User, error) {
	if bearer == "" {
		return User{}, ErrUnauthorized
	}
	var u User
	header := http.Header{"Authorization": {"Bearer " + bearer}}
	if err := c.doWithHeader(ctx, c.plain, http.MethodGet, []string{"me"}, nil, header, nil, &u); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrUnauthorized
		}
		return User{}, err
	}
	return u, nil
}

// endpoint appends segments to the base URL. Each segment is escaped on its
// own, so a login containing "/" or non-ASCII characters stays one segment.
func (c *Client) endpoint(segments []string) url.URL {
	u := *c.baseURL
	raw := u.EscapedPath()
	for _, seg := range segments {
		u.Path += "/" + seg
		raw += "/" + url.PathEscape(seg)
	}
	u.RawPath = raw
	return u
}

func (c *Client) do(ctx context.Context, hc *http.Client, method string, segments []string, query url.Values, body, out any) error {
	return c.doWithHeader(ctx, hc, method, segments, query, nil, body, out)
}

func (c *Client) doWithHeader(ctx context.Context, hc *http.Client, method string, segments []string, query url.Values, header http.Header, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.endpoint(segments)
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call platform: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrUserNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		c.logger.Debug("unexpected platform response", "path", path, "status", resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Path: path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode platform response: %w", err)
	}
	return nil
}
