package pledges

import (
	"context"

	"github.com/mscno/pledges/server/model"
)

// PledgeStore persists pledges. Implementations enforce that email (case
// folded) and domain are unique among non-deleted pledges when a write
// commits, returning model.ErrEmailTaken or model.ErrDomainTaken. Deleted
// pledges are invisible to every read.
type PledgeStore interface {
	CreatePledge(ctx context.Context, pledge model.Pledge, contributors []model.Contributor) (model.Pledge, []model.Contributor, error)
	GetPledge(ctx context.Context, id string) (model.Pledge, error)
	UpdatePledge(ctx context.Context, id string, updateFn func(model.Pledge) (model.Pledge, error)) (model.Pledge, error)
	// UpdatePledgeRoster applies updateFn to a pledge and its contributors
	// and commits both together, or neither. updateFn returns the pledge to
	// store and the contributors to write: one carrying an id replaces that
	// stored contributor, one without an id is added to the pledge. The
	// written contributors are returned with their ids.
	UpdatePledgeRoster(ctx context.Context, id string, updateFn func(model.Pledge, []model.Contributor) (model.Pledge, []model.Contributor, error)) (model.Pledge, []model.Contributor, error)
	// ListPledges returns pledges in status, oldest first. A limit of zero
	// means no limit.
	ListPledges(ctx context.Context, status model.PledgeStatus, limit int) ([]model.Pledge, error)
	FindPledgeByEmail(ctx context.Context, email string) (model.Pledge, error)
	FindPledgeByDomain(ctx context.Context, domain string) (model.Pledge, error)
}

// ContributorStore persists contributors.
type ContributorStore interface {
	GetContributor(ctx context.Context, id string) (model.Contributor, error)
	UpdateContributor(ctx context.Context, id string, updateFn func(model.Contributor) (model.Contributor, error)) (model.Contributor, error)
	ListContributors(ctx context.Context, pledgeID string) ([]model.Contributor, error)
	ListContributorsByUsername(ctx context.Context, username string) ([]model.Contributor, error)
}

// SnapshotStore persists sitewide stats snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot model.StatsSnapshot) (model.StatsSnapshot, error)
	// ListSnapshots returns the newest snapshots first.
	ListSnapshots(ctx context.Context, limit int) ([]model.StatsSnapshot, error)
}

// Store is the full repository the service runs on.
type Store interface {
	PledgeStore
	ContributorStore
	SnapshotStore
}
