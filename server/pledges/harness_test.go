package pledges_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mscno/pledges/pkg/captoken"
	"github.com/mscno/pledges/server/model"
	"github.com/mscno/pledges/server/pledges"
	"github.com/mscno/pledges/server/stores"
	"github.com/mscno/pledges/testutl"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *pledges.Service
	store    *stores.MemoryStore
	tokens   *captoken.Service
	users    *testutl.Directory
	profiles *testutl.Profiles
	mail     *testutl.Mailbox
	clock    *clock
}

type harnessConfig struct {
	profiles pledges.ProfileSource
	store    func(*stores.MemoryStore) pledges.Store
	opts     []pledges.Option
}

type harnessOption func(*harnessConfig)

func withProfiles(p pledges.ProfileSource) harnessOption {
	return func(c *harnessConfig) { c.profiles = p }
}

// withStore lets a test put a wrapper in front of the harness store.
func withStore(wrap func(*stores.MemoryStore) pledges.Store) harnessOption {
	return func(c *harnessConfig) { c.store = wrap }
}

func withServiceOptions(opts ...pledges.Option) harnessOption {
	return func(c *harnessConfig) { c.opts = append(c.opts, opts...) }
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:    stores.NewMemoryStore(),
		users:    testutl.NewDirectory(testutl.User("alice"), testutl.User("bob"), testutl.User("carol"), testutl.User("dave")),
		profiles: testutl.NewProfiles(),
		mail:     testutl.NewMailbox(),
		clock:    &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.profiles.Set("alice", 10)
	h.profiles.Set("bob", 5)
	h.profiles.Set("carol", 8)

	cfg := &harnessConfig{
		profiles: h.profiles,
		store:    func(m *stores.MemoryStore) pledges.Store { return m },
	}
	for _, o := range hopts {
		o(cfg)
	}

	var err error
	h.tokens, err = captoken.New([]byte(testSecret), captoken.WithClock(h.clock.Now))
	require.NoError(t, err)

	opts := append([]pledges.Option{
		pledges.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		pledges.WithClock(h.clock.Now),
		pledges.WithLinks(pledges.Links{BaseURL: "https://pledges.test", ProfileEditURL: "https://profiles.test/edit"}),
	}, cfg.opts...)
	h.svc, err = pledges.NewService(cfg.store(h.store), h.tokens, h.users, cfg.profiles, h.mail, opts...)
	require.NoError(t, err)
	return h
}

func submission(domain string, contributors ...string) pledges.Submission {
	return pledges.Submission{
		OrgName:        "Acme",
		OrgDescription: "We build things.",
		OrgURL:         "https://www." + domain + "/about",
		Email:          "ops@" + domain,
		Contributors:   contributors,
	}
}

// create submits a pledge and returns it with the token from its
// confirmation email.
func (h *harness) create(t *testing.T, sub pledges.Submission) (model.Pledge, string) {
	t.Helper()
	p, err := h.svc.Create(context.Background(), sub)
	require.NoError(t, err)
	mail, ok := h.mail.Last(sub.Email)
	require.True(t, ok, "no confirmation email sent")
	return p, mail.Token()
}

// publish creates a pledge and confirms its email.
func (h *harness) publish(t *testing.T, sub pledges.Submission) model.Pledge {
	t.Helper()
	p, token := h.create(t, sub)
	require.NoError(t, h.svc.ConfirmEmail(context.Background(), p.ID, token))
	got, err := h.svc.Pledge(context.Background(), p.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) manageToken(t *testing.T, pledgeID string) string {
	t.Helper()
	token, err := h.tokens.IssueReusable(pledgeID, pledges.ActionManagePledge)
	require.NoError(t, err)
	return token
}

func (h *harness) contributor(t *testing.T, pledgeID, username string) model.Contributor {
	t.Helper()
	cs, err := h.svc.Contributors(context.Background(), pledgeID)
	require.NoError(t, err)
	for _, c := range cs {
		if c.Username == username {
			return c
		}
	}
	t.Fatalf("contributor %s not found on pledge %s", username, pledgeID)
	return model.Contributor{}
}

func (h *harness) pledge(t *testing.T, id string) model.Pledge {
	t.Helper()
	p, err := h.svc.Pledge(context.Background(), id)
	require.NoError(t, err)
	return p
}

func asValidation(t *testing.T, err error) *pledges.ValidationError {
	t.Helper()
	var verr *pledges.ValidationError
	require.True(t, errors.As(err, &verr), "expected *ValidationError, got %T: %v", err, err)
	return verr
}

func asConflict(t *testing.T, err error) *pledges.ConflictError {
	t.Helper()
	var cerr *pledges.ConflictError
	require.True(t, errors.As(err, &cerr), "expected *ConflictError, got %T: %v", err, err)
	return cerr
}
