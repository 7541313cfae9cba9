package captoken

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "0123456789abcdef0123456789abcdef"
	otherSecret = "fedcba9876543210fedcba9876543210"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc, err := New([]byte(testSecret), append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return svc, clock
}

func TestNew_RejectsShortSecret(t *testing.T) {
	_, err := New([]byte("short"))
	assert.ErrorIs(t, err, ErrSecretTooShort)

	_, err = New([]byte(testSecret), WithRetiredSecret([]byte("short"), time.Now()))
	assert.ErrorIs(t, err, ErrSecretTooShort)
}

func TestIssue_VerifyUntilExpiry(t *testing.T) {
	svc, clock := newTestService(t)

	token, err := svc.Issue("pledge-1", "confirm-pledge-email", time.Hour)
	require.NoError(t, err)
	assert.True(t, svc.Verify("pledge-1", "confirm-pledge-email", token))

	clock.Advance(59 * time.Minute)
	assert.True(t, svc.Verify("pledge-1", "confirm-pledge-email", token))

	clock.Advance(time.Minute)
	assert.False(t, svc.Verify("pledge-1", "confirm-pledge-email", token), "token must be rejected once ttl has elapsed")
}

func TestIssue_Errors(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name    string
		subject string
		action  string
		ttl     time.Duration
		wantErr error
	}{
		{name: "empty subject", subject: "", action: "a", ttl: time.Minute, wantErr: ErrEmptySubject},
		{name: "empty action", subject: "s", action: "", ttl: time.Minute, wantErr: ErrEmptyAction},
		{name: "zero ttl", subject: "s", action: "a", ttl: 0, wantErr: ErrInvalidTTL},
		{name: "negative ttl", subject: "s", action: "a", ttl: -time.Second, wantErr: ErrInvalidTTL},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Issue(tc.subject, tc.action, tc.ttl)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestVerify_ActionScoped(t *testing.T) {
	svc, _ := newTestService(t)

	confirm, err := svc.Issue("pledge-1", "confirm-pledge-email", time.Hour)
	require.NoError(t, err)
	manage, err := svc.IssueReusable("pledge-1", "manage-pledge")
	require.NoError(t, err)

	assert.False(t, svc.Verify("pledge-1", "manage-pledge", confirm))
	assert.False(t, svc.Verify("pledge-1", "confirm-pledge-email", manage))
	assert.True(t, svc.Verify("pledge-1", "manage-pledge", manage))
}

func TestVerify_SubjectScoped(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.IssueReusable("pledge-1", "manage-pledge")
	require.NoError(t, err)
	assert.False(t, svc.Verify("pledge-2", "manage-pledge", token))
}

func TestIssueReusable_NeverExpires(t *testing.T) {
	svc, clock := newTestService(t)

	token, err := svc.IssueReusable("pledge-1", "manage-pledge")
	require.NoError(t, err)

	clock.Advance(5 * 365 * 24 * time.Hour)
	assert.True(t, svc.Verify("pledge-1", "manage-pledge", token))
}

func TestIssue_TokensAreUnique(t *testing.T) {
	svc, _ := newTestService(t)

	a, err := svc.Issue("pledge-1", "confirm-pledge-email", time.Hour)
	require.NoError(t, err)
	b, err := svc.Issue("pledge-1", "confirm-pledge-email", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerify_RejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.IssueReusable("pledge-1", "manage-pledge")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	for name, tok := range map[string]string{
		"empty":        "",
		"not a jwt":    "hello",
		"tampered sig": tampered,
		"truncated":    parts[0] + "." + parts[1],
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, svc.Verify("pledge-1", "manage-pledge", tok))
		})
	}
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	svc, _ := newTestService(t)

	claims := &Claims{
		Action: "manage-pledge",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "pledge-1",
			Issuer:  defaultIssuer,
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.False(t, svc.Verify("pledge-1", "manage-pledge", unsigned))
}

func TestVerify_OtherSecretRejected(t *testing.T) {
	svc, _ := newTestService(t)
	other, err := New([]byte(otherSecret), WithClock(svc.now))
	require.NoError(t, err)

	token, err := other.IssueReusable("pledge-1", "manage-pledge")
	require.NoError(t, err)
	assert.False(t, svc.Verify("pledge-1", "manage-pledge", token))
}

func TestVerify_RetiredSecretGraceWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	old, err := New([]byte(otherSecret), WithClock(clock.Now))
	require.NoError(t, err)
	token, err := old.Issue("pledge-1", "confirm-pledge-email", 48*time.Hour)
	require.NoError(t, err)

	rotated, err := New([]byte(testSecret),
		WithClock(clock.Now),
		WithRetiredSecret([]byte(otherSecret), clock.Now().Add(24*time.Hour)),
	)
	require.NoError(t, err)

	assert.True(t, rotated.Verify("pledge-1", "confirm-pledge-email", token))

	clock.Advance(24 * time.Hour)
	assert.False(t, rotated.Verify("pledge-1", "confirm-pledge-email", token), "retired secret must stop verifying after its grace window")

	fresh, err := rotated.Issue("pledge-1", "confirm-pledge-email", time.Hour)
	require.NoError(t, err)
	assert.False(t, old.Verify("pledge-1", "confirm-pledge-email", fresh), "new tokens are signed with the current secret")
}

func TestVerify_IssuerMustMatch(t *testing.T) {
	svc, _ := newTestService(t)
	other, err := New([]byte(testSecret), WithClock(svc.now), WithIssuer("someone-else"))
	require.NoError(t, err)

	token, err := other.IssueReusable("pledge-1", "manage-pledge")
	require.NoError(t, err)
	assert.False(t, svc.Verify("pledge-1", "manage-pledge", token))
}
