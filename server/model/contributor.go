package model

import "time"

// ContributorStatus is the confirmation state of a contributor.
type ContributorStatus string

const (
	ContributorStatusPending   ContributorStatus = "pending"
	ContributorStatusConfirmed ContributorStatus = "confirmed"
	ContributorStatusDeclined  ContributorStatus = "declined"
)

// Contributor is a platform user whose time a pledge claims. Each record
// belongs to exactly one pledge and is never hard-deleted.
type Contributor struct {
	ID        string            `json:"id"`
	PledgeID  string            `json:"pledge_id"`
	Username  string            `json:"username"`
	Status    ContributorStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
