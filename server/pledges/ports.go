package pledges

import (
	"context"
	"errors"
)

// ErrUnknownUser is returned by a UserDirectory when a name resolves to no account.
var ErrUnknownUser = errors.New("unknown platform user")

// PlatformUser is an account on the external identity platform.
type PlatformUser struct {
	Login     string `json:"login"`
	Nicename  string `json:"nicename"`
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
}

// DisplayName is the name used to greet the user in emails.
func (u PlatformUser) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Nicename != "" {
		return "@" + u.Nicename
	}
	return "@" + u.Login
}

// UserDirectory resolves usernames to platform accounts, trying the login
// first and the profile slug second.
type UserDirectory interface {
	LookupUser(ctx context.Context, name string) (PlatformUser, error)
}

// ProfileSource reports the weekly hours a user declares on their profile.
type ProfileSource interface {
	DeclaredWeeklyHours(ctx context.Context, username string) (int, error)
}

// BatchProfileSource is implemented by profile sources that can answer for
// many users in one round-trip. Users missing from the result count as zero.
type BatchProfileSource interface {
	ProfileSource
	DeclaredWeeklyHoursBatch(ctx context.Context, usernames []string) (map[string]int, error)
}

// Notifier hands an email to an external mailer. It reports success only;
// retries are the mailer's concern.
type Notifier interface {
	Send(ctx context.Context, to, subject, body, pledgeID string) bool
}
