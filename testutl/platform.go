package testutl

import (
	"context"
	"errors"
	"sync"

	"github.com/mscno/pledges/server/pledges"
)

// Directory is an in-memory pledges.UserDirectory. Users are found by login
// first and by nicename second.
type Directory struct {
	mu    sync.Mutex
	users map[string]pledges.PlatformUser
	err   error
	calls int
}

func NewDirectory(users ...pledges.PlatformUser) *Directory {
	d := &Directory{users: make(map[string]pledges.PlatformUser)}
	for _, u := range users {
		d.Add(u)
	}
	return d
}

// User builds a platform user whose email is derived from the login.
func User(login string) pledges.PlatformUser {
	return pledges.PlatformUser{Login: login, Nicename: login, Email: login + "@example.org"}
}

func (d *Directory) Add(u pledges.PlatformUser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.Login] = u
}

// Fail makes every lookup return err until it is called again with nil.
func (d *Directory) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Directory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *Directory) LookupUser(ctx context.Context, name string) (pledges.PlatformUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return pledges.PlatformUser{}, d.err
	}
	if u, ok := d.users[name]; ok {
		return u, nil
	}
	for _, u := range d.users {
		if u.Nicename == name {
			return u, nil
		}
	}
	return pledges.PlatformUser{}, pledges.ErrUnknownUser
}

// ErrProfileUnavailable is what Profiles returns for users marked as failing.
var ErrProfileUnavailable = errors.New("profile unavailable")

// Profiles is an in-memory pledges.ProfileSource.
type Profiles struct {
	mu      sync.Mutex
	hours   map[string]int
	failing map[string]bool
	lookups int
}

func NewProfiles() *Profiles {
	return &Profiles{hours: make(map[string]int), failing: make(map[string]bool)}
}

func (p *Profiles) Set(username string, hours int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hours[username] = hours
	delete(p.failing, username)
}

// Break makes lookups for username fail.
func (p *Profiles) Break(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[username] = true
}

// Lookups counts single-user lookups.
func (p *Profiles) Lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}

func (p *Profiles) DeclaredWeeklyHours(ctx context.Context, username string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	if p.failing[username] {
		return 0, ErrProfileUnavailable
	}
	return p.hours[username], nil
}

// BatchProfiles adds batch lookups to Profiles. A batch fails as a whole when
// any requested user is broken.
type BatchProfiles struct {
	*Profiles
	batches int
}

func NewBatchProfiles() *BatchProfiles {
	return &BatchProfiles{Profiles: NewProfiles()}
}

func (p *BatchProfiles) Batches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches
}

func (p *BatchProfiles) DeclaredWeeklyHoursBatch(ctx context.Context, usernames []string) (map[string]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
	out := make(map[string]int, len(usernames))
	for _, name := range usernames {
		if p.failing[name] {
			return nil, ErrProfileUnavailable
		}
		if h, ok := p.hours[name]; ok {
			out[name] = h
		}
	}
	return out, nil
}
