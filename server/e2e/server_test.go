package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-michi/michi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"github.com/mscno/pledges/pkg/captoken"
	"github.com/mscno/pledges/pkg/platform"
	"github.com/mscno/pledges/server"
	"github.com/mscno/pledges/server/middleware"
	"github.com/mscno/pledges/server/notify"
	"github.com/mscno/pledges/server/pledges"
	"github.com/mscno/pledges/server/stores"
	"github.com/mscno/pledges/testutl"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var platformUsers = map[string]platform.User{
	"alice": {ID: 1, Login: "alice", Nicename: "alice-a", FirstName: "Alice", Email: "alice@example.org"},
	"bob":   {ID: 2, Login: "bob", Nicename: "bobby", Email: "bob@example.org"},
}

var (
	hoursMu       sync.Mutex
	platformHours = map[string]int{"alice": 12, "bob": 4}
)

func setHours(login string, hours int) {
	hoursMu.Lock()
	defer hoursMu.Unlock()
	platformHours[login] = hours
}

func hoursOf(login string) (int, bool) {
	hoursMu.Lock()
	defer hoursMu.Unlock()
	h, ok := platformHours[login]
	return h, ok
}

func newPlatform() *httptest.Server {
	mux := michi.NewRouter()
	mux.Handle("GET /users/{name}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := platformUsers[r.PathValue("name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(u)
	}))
	mux.Handle("GET /users", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := r.URL.Query().Get("slug")
		for _, u := range platformUsers {
			if u.Nicename == slug {
				_ = json.NewEncoder(w).Encode(u)
				return
			}
		}
		http.NotFound(w, r)
	}))
	mux.Handle("POST /profiles/hours", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Usernames []string `json:"usernames"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hours := map[string]int{}
		for _, name := range req.Usernames {
			if h, ok := hoursOf(name); ok {
				hours[name] = h
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"hours": hours})
	}))
	mux.Handle("GET /users/{name}/profile", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, _ := hoursOf(r.PathValue("name"))
		_ = json.NewEncoder(w).Encode(map[string]int{"hours_per_week": h})
	}))
	mux.Handle("GET /me", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		login := strings.TrimSuffix(middleware.ExtractBearerToken(r.Header.Get("Authorization")), "-token")
		u, ok := platformUsers[login]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(u)
	}))
	return httptest.NewServer(mux)
}

type mailSink struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (m *mailSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg notify.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (m *mailSink) last(to string) (notify.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.msgs) - 1; i >= 0; i-- {
		if m.msgs[i].To == to {
			return m.msgs[i], true
		}
	}
	return notify.Message{}, false
}

func tokenFrom(t *testing.T, body string) string {
	t.Helper()
	for _, field := range strings.Fields(body) {
		if !strings.HasPrefix(field, "http") {
			continue
		}
		u, err := url.Parse(field)
		require.NoError(t, err)
		if tok := u.Query().Get("token"); tok != "" {
			return tok
		}
	}
	t.Fatalf("no token link in %q", body)
	return ""
}

type stack struct {
	baseURL string
	svc     *pledges.Service
	mail    *mailSink
	client  *http.Client
}

func startStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	plat := newPlatform()
	t.Cleanup(plat.Close)
	sink := &mailSink{}
	mailer := httptest.NewServer(sink)
	t.Cleanup(mailer.Close)

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "pledges.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := stores.NewBoltStore(db)
	require.NoError(t, err)

	client, err := platform.New(platform.Config{BaseURL: plat.URL, RequestsPerSecond: 100, Logger: logger})
	require.NoError(t, err)
	adapter := server.NewPlatformAdapter(client)

	tokens, err := captoken.New([]byte(testSecret))
	require.NoError(t, err)

	port := testutl.GetPort()
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	svc, err := pledges.NewService(store, tokens, adapter, adapter,
		notify.NewWebhookNotifier(mailer.URL, "pledges@example.org", notify.WithLogger(logger)),
		pledges.WithLogger(logger),
		pledges.WithLinks(pledges.Links{BaseURL: base}),
	)
	require.NoError(t, err)

	limiter := middleware.NewRateLimiter(logger, middleware.IPAddressKeyFunc, rate.Inf, 1)
	t.Cleanup(limiter.Close)

	srv := server.NewHTTPServer(fmt.Sprintf("127.0.0.1:%d", port), logger)
	srv.Use(
		middleware.WithRecovery(logger),
		middleware.WithLogger(logger),
		middleware.WithCORS(logger, nil),
	)
	auth := middleware.WithPlatformAuth(middleware.CachedValidator(adapter.ValidateBearer, time.Minute), logger)
	server.NewAPI(svc, logger).Register(srv, limiter.Limit, auth)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			t.Errorf("server stopped: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	st := &stack{baseURL: base, svc: svc, mail: sink, client: &http.Client{Timeout: 5 * time.Second}}
	require.Eventually(t, func() bool {
		resp, err := st.client.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return st
}

func (s *stack) call(t *testing.T, method, path string, body any, bearer string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, s.baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestPledgeLifecycle(t *testing.T) {
	st := startStack(t)

	sub := pledges.Submission{
		OrgName:        "Acme",
		OrgDescription: "We build things.",
		OrgURL:         "https://www.acme.test/about",
		Email:          "ops@acme.test",
		Contributors:   []string{"@alice, bobby"},
	}
	var created server.PublicPledge
	require.Equal(t, http.StatusCreated, st.call(t, http.MethodPost, "/api/v1/pledges", sub, "", &created))

	confirm, ok := st.mail.last("ops@acme.test")
	require.True(t, ok)
	assert.Equal(t, "pledges@example.org", confirm.From)

	var published server.PublicPledge
	path := fmt.Sprintf("/api/v1/pledges/%s/confirm?token=%s", created.ID, url.QueryEscape(tokenFrom(t, confirm.Body)))
	require.Equal(t, http.StatusOK, st.call(t, http.MethodGet, path, nil, "", &published))
	assert.Equal(t, "published", published.Status)
	assert.Equal(t, 0, published.TotalHours)

	invite, ok := st.mail.last("alice@example.org")
	require.True(t, ok)
	assert.Equal(t, "Confirm your Acme sponsorship", invite.Subject)
	assert.Contains(t, invite.Body, "Howdy Alice")

	var mine []map[string]any
	require.Equal(t, http.StatusOK, st.call(t, http.MethodGet, "/api/v1/me/contributions", nil, "alice-token", &mine))
	require.Len(t, mine, 1)
	cid := mine[0]["id"].(string)

	require.Equal(t, http.StatusUnauthorized, st.call(t, http.MethodGet, "/api/v1/me/contributions", nil, "mallory-token", nil))
	require.Equal(t, http.StatusForbidden, st.call(t, http.MethodPost, "/api/v1/contributors/"+cid+"/confirm", nil, "bob-token", nil))
	require.Equal(t, http.StatusOK, st.call(t, http.MethodPost, "/api/v1/contributors/"+cid+"/confirm", nil, "alice-token", nil))

	var got server.PublicPledge
	require.Equal(t, http.StatusOK, st.call(t, http.MethodGet, "/api/v1/pledges/"+created.ID, nil, "", &got))
	assert.Equal(t, 1, got.ConfirmedContributors)
	assert.Equal(t, 12, got.TotalHours)

	setHours("alice", 20)
	t.Cleanup(func() { setHours("alice", 12) })
	res, err := st.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	require.Equal(t, http.StatusOK, st.call(t, http.MethodGet, "/api/v1/pledges/"+created.ID, nil, "", &got))
	assert.Equal(t, 20, got.TotalHours)

	require.Equal(t, http.StatusBadRequest, st.call(t, http.MethodPost, "/api/v1/pledges/"+created.ID+"/manage-link", map[string]string{"email": "ceo@acme.test"}, "", nil))
	require.Equal(t, http.StatusAccepted, st.call(t, http.MethodPost, "/api/v1/pledges/"+created.ID+"/manage-link", map[string]string{"email": "ops@acme.test"}, "", nil))
	manage, ok := st.mail.last("ops@acme.test")
	require.True(t, ok)
	assert.Equal(t, "Updating your Pledge", manage.Subject)

	withdraw := fmt.Sprintf("/api/v1/pledges/%s?token=%s", created.ID, url.QueryEscape(tokenFrom(t, manage.Body)))
	require.Equal(t, http.StatusNoContent, st.call(t, http.MethodDelete, withdraw, nil, "", nil))
	require.Equal(t, http.StatusNotFound, st.call(t, http.MethodGet, "/api/v1/pledges/"+created.ID, nil, "", nil))
}

func TestDuplicateSubmissions(t *testing.T) {
	st := startStack(t)
	sub := pledges.Submission{
		OrgName:        "Acme",
		OrgDescription: "We build things.",
		OrgURL:         "https://acme.test",
		Email:          "ops@acme.test",
		Contributors:   []string{"alice"},
	}
	require.Equal(t, http.StatusCreated, st.call(t, http.MethodPost, "/api/v1/pledges", sub, "", nil))

	sub.Email = "OPS@acme.test"
	sub.OrgURL = "https://other.test"
	var body struct {
		Error string `json:"error"`
	}
	require.Equal(t, http.StatusConflict, st.call(t, http.MethodPost, "/api/v1/pledges", sub, "", &body))
	assert.Equal(t, "This email address is already connected to an existing pledge.", body.Error)
}
