package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mscno/pledges/pkg/platform"
	"github.com/mscno/pledges/server/middleware"
	"github.com/mscno/pledges/server/pledges"
)

// PlatformAdapter serves the pledge service's directory and profile ports
// and the API's bearer authentication from one platform client.
type PlatformAdapter struct {
	client *platform.Client
}

var (
	_ pledges.UserDirectory      = (*PlatformAdapter)(nil)
	_ pledges.BatchProfileSource = (*PlatformAdapter)(nil)
)

func NewPlatformAdapter(client *platform.Client) *PlatformAdapter {
	return &PlatformAdapter{client: client}
}

func (p *PlatformAdapter) LookupUser(ctx context.Context, name string) (pledges.PlatformUser, error) {
	u, err := p.client.LookupUser(ctx, name)
	if errors.Is(err, platform.ErrUserNotFound) {
		return pledges.PlatformUser{}, fmt.Errorf("%w: %s", pledges.ErrUnknownUser, name)
	}
	if err != nil {
		return pledges.PlatformUser{}, err
	}
	return pledges.PlatformUser{
		Login:     u.Login,
		Nicename:  u.Nicename,
		FirstName: u.FirstName,
		Email:     u.Email,
	}, nil
}

func (p *PlatformAdapter) DeclaredWeeklyHours(ctx context.Context, username string) (int, error) {
	return p.client.DeclaredWeeklyHours(ctx, username)
}

func (p *PlatformAdapter) DeclaredWeeklyHoursBatch(ctx context.Context, usernames []string) (map[string]int, error) {
	return p.client.DeclaredWeeklyHoursBatch(ctx, usernames)
}

// ValidateBearer is a middleware.UserValidator backed by the platform's
// identity endpoint.
func (p *PlatformAdapter) ValidateBearer(ctx context.Context, token string) (middleware.User, error) {
	u, err := p.client.Me(ctx, token)
	if errors.Is(err, platform.ErrUnauthorized) {
		return middleware.User{}, middleware.ErrInvalidToken
	}
	if err != nil {
		return middleware.User{}, err
	}
	return middleware.User{ID: u.ID, Login: u.Login}, nil
}
