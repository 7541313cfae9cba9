package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPledgeNotFound      = errors.New("pledge not found")
	ErrContributorNotFound = errors.New("contributor not found")
	ErrContributorExists   = errors.New("contributor already listed on pledge")
	ErrEmailTaken          = errors.New("email already bound to a pledge")
	ErrDomainTaken         = errors.New("domain already bound to a pledge")
)

// PledgeStatus is the position of a pledge in its lifecycle. A submission is
// stored directly as pending confirmation, so no draft status is persisted.
type PledgeStatus string

const (
	PledgeStatusPendingConfirmation PledgeStatus = "pending-confirmation"
	PledgeStatusPublished           PledgeStatus = "published"
)

// Pledge is an organization's public commitment of sponsored contributor time.
//
// ConfirmedContributors and TotalHours are a cache rebuilt from the pledge's
// confirmed contributors; only the recompute engine writes them.
type Pledge struct {
	ID             string       `json:"id"`
	OrgName        string       `json:"org_name"`
	OrgDescription string       `json:"org_description"`
	OrgURL         string       `json:"org_url"`
	Domain         string       `json:"domain"`
	Email          string       `json:"email"`
	EmailConfirmed bool         `json:"email_confirmed"`
	Status         PledgeStatus `json:"status"`

	ConfirmedContributors int       `json:"confirmed_contributors"`
	TotalHours            int       `json:"total_hours"`
	RecomputedAt          time.Time `json:"recomputed_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the pledge has been soft-deleted.
func (p Pledge) Deleted() bool {
	return p.DeletedAt != nil
}

// EmailKey is the value email uniqueness is enforced on.
func (p Pledge) EmailKey() string {
	return EmailKey(p.Email)
}

// EmailKey folds an address for uniqueness comparisons.
func EmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewID returns a time-ordered opaque identifier, so sorting ids sorts
// records by creation.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
