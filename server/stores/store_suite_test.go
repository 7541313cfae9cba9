package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mscno/pledges/server/model"
	"github.com/mscno/pledges/server/pledges"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ pledges.Store = (*MemoryStore)(nil)
	_ pledges.Store = (*BoltStore)(nil)
	_ pledges.Store = (*SQLiteStore)(nil)
	_ pledges.Store = (*DatastoreStore)(nil)
)

var suiteNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newPledge(name, email, domain string) model.Pledge {
	return model.Pledge{
		OrgName:   name,
		OrgURL:    "https://" + domain,
		Domain:    domain,
		Email:     email,
		Status:    model.PledgeStatusPendingConfirmation,
		CreatedAt: suiteNow,
		UpdatedAt: suiteNow,
	}
}

func contributors(names ...string) []model.Contributor {
	out := make([]model.Contributor, 0, len(names))
	for _, n := range names {
		out = append(out, model.Contributor{Username: n, CreatedAt: suiteNow, UpdatedAt: suiteNow})
	}
	return out
}

func publish(p model.Pledge) (model.Pledge, error) {
	p.EmailConfirmed = true
	p.Status = model.PledgeStatusPublished
	return p, nil
}

func addRoster(added []model.Contributor) func(model.Pledge, []model.Contributor) (model.Pledge, []model.Contributor, error) {
	return func(p model.Pledge, _ []model.Contributor) (model.Pledge, []model.Contributor, error) {
		return p, added, nil
	}
}

// runStoreSuite exercises the behaviour every pledges.Store must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) pledges.Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		p, cs, err := store.CreatePledge(ctx, newPledge("Acme", "ops@acme.org", "acme.org"), contributors("alice", "bob"))
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)
		require.Len(t, cs, 2)
		for _, c := range cs {
			assert.NotEmpty(t, c.ID)
			assert.Equal(t, p.ID, c.PledgeID)
			assert.Equal(t, model.ContributorStatusPending, c.Status)
		}

		got, err := store.GetPledge(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Acme", got.OrgName)
		assert.Equal(t, "acme.org", got.Domain)
		assert.Equal(t, model.PledgeStatusPendingConfirmation, got.Status)
		assert.True(t, got.CreatedAt.Equal(suiteNow))
		assert.Nil(t, got.DeletedAt)

		_, err = store.GetPledge(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrPledgeNotFound)
	})

	t.Run("UniqueEmailAndDomain", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, _, err := store.CreatePledge(ctx, newPledge("Acme", "ops@acme.org", "acme.org"), nil)
		require.NoError(t, err)

		_, _, err = store.CreatePledge(ctx, newPledge("Other", "OPS@Acme.org", "other.org"), nil)
		assert.ErrorIs(t, err, model.ErrEmailTaken)

		_, _, err = store.CreatePledge(ctx, newPledge("Other", "hello@other.org", "acme.org"), nil)
		assert.ErrorIs(t, err, model.ErrDomainTaken)

		byEmail, err := store.FindPledgeByEmail(ctx, "Ops@ACME.org")
		require.NoError(t, err)
		assert.Equal(t, "Acme", byEmail.OrgName)

		byDomain, err := store.FindPledgeByDomain(ctx, "acme.org")
		require.NoError(t, err)
		assert.Equal(t, byEmail.ID, byDomain.ID)

		_, err = store.FindPledgeByDomain(ctx, "nobody.org")
		assert.ErrorIs(t, err, model.ErrPledgeNotFound)
	})

	t.Run("UpdateMovesUniqueKeys", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		a, _, err := store.CreatePledge(ctx, newPledge("A", "a@a.org", "a.org"), nil)
		require.NoError(t, err)
		b, _, err := store.CreatePledge(ctx, newPledge("B", "b@b.org", "b.org"), nil)
		require.NoError(t, err)

		_, err = store.UpdatePledge(ctx, b.ID, func(p model.Pledge) (model.Pledge, error) {
			p.Domain = "a.org"
			return p, nil
		})
		assert.ErrorIs(t, err, model.ErrDomainTaken)

		got, err := store.GetPledge(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "b.org", got.Domain, "failed update must not be persisted")

		_, err = store.UpdatePledge(ctx, a.ID, func(p model.Pledge) (model.Pledge, error) {
			p.Domain = "a-renamed.org"
			p.Email = "new@a.org"
			return p, nil
		})
		require.NoError(t, err)

		_, err = store.UpdatePledge(ctx, b.ID, func(p model.Pledge) (model.Pledge, error) {
			p.Domain = "a.org"
			p.Email = "a@a.org"
			return p, nil
		})
		require.NoError(t, err, "released keys can be claimed again")

		_, err = store.FindPledgeByDomain(ctx, "a-renamed.org")
		require.NoError(t, err)
		moved, err := store.FindPledgeByEmail(ctx, "a@a.org")
		require.NoError(t, err)
		assert.Equal(t, b.ID, moved.ID)

		_, err = store.UpdatePledge(ctx, "missing", publish)
		assert.ErrorIs(t, err, model.ErrPledgeNotFound)
	})

	t.Run("SoftDelete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		p, _, err := store.CreatePledge(ctx, newPledge("Acme", "ops@acme.org", "acme.org"), nil)
		require.NoError(t, err)
		_, err = store.UpdatePledge(ctx, p.ID, publish)
		require.NoError(t, err)

		_, err = store.UpdatePledge(ctx, p.ID, func(p model.Pledge) (model.Pledge, error) {
			at := suiteNow.Add(time.Hour)
			p.DeletedAt = &at
			return p, nil
		})
		require.NoError(t, err)

		_, err = store.GetPledge(ctx, p.ID)
		assert.ErrorIs(t, err, model.ErrPledgeNotFound)
		_, err = store.FindPledgeByEmail(ctx, "ops@acme.org")
		assert.ErrorIs(t, err, model.ErrPledgeNotFound)
		published, err := store.ListPledges(ctx, model.PledgeStatusPublished, 0)
		require.NoError(t, err)
		assert.Empty(t, published)

		_, err = store.UpdatePledge(ctx, p.ID, publish)
		assert.ErrorIs(t, err, model.ErrPledgeNotFound)

		again, _, err := store.CreatePledge(ctx, newPledge("Acme again", "ops@acme.org", "acme.org"), nil)
		require.NoError(t, err, "a deleted pledge releases its email and domain")
		assert.NotEqual(t, p.ID, again.ID)
	})

	t.Run("ListPledges", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var ids []string
		for _, d := range []string{"one.org", "two.org", "three.org"} {
			p, _, err := store.CreatePledge(ctx, newPledge(d, "x@"+d, d), nil)
			require.NoError(t, err)
			_, err = store.UpdatePledge(ctx, p.ID, publish)
			require.NoError(t, err)
			ids = append(ids, p.ID)
		}
		_, _, err := store.CreatePledge(ctx, newPledge("pending", "x@pending.org", "pending.org"), nil)
		require.NoError(t, err)

		all, err := store.ListPledges(ctx, model.PledgeStatusPublished, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, p := range all {
			assert.Equal(t, ids[i], p.ID)
		}

		limited, err := store.ListPledges(ctx, model.PledgeStatusPublished, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, ids[0], limited[0].ID)

		pending, err := store.ListPledges(ctx, model.PledgeStatusPendingConfirmation, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "pending.org", pending[0].Domain)
	})

	t.Run("Contributors", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		a, created, err := store.CreatePledge(ctx, newPledge("A", "a@a.org", "a.org"), contributors("alice"))
		require.NoError(t, err)
		b, _, err := store.CreatePledge(ctx, newPledge("B", "b@b.org", "b.org"), contributors("alice", "carol"))
		require.NoError(t, err)

		_, _, err = store.UpdatePledgeRoster(ctx, a.ID, addRoster(contributors("alice")))
		assert.ErrorIs(t, err, model.ErrContributorExists)

		_, added, err := store.UpdatePledgeRoster(ctx, a.ID, addRoster(contributors("bob")))
		require.NoError(t, err)
		require.Len(t, added, 1)
		assert.NotEmpty(t, added[0].ID)
		assert.Equal(t, a.ID, added[0].PledgeID)

		_, _, err = store.UpdatePledgeRoster(ctx, "missing", addRoster(contributors("dave")))
		assert.ErrorIs(t, err, model.ErrPledgeNotFound)

		list, err := store.ListContributors(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alice", list[0].Username)
		assert.Equal(t, "bob", list[1].Username)

		updated, err := store.UpdateContributor(ctx, created[0].ID, func(c model.Contributor) (model.Contributor, error) {
			c.Status = model.ContributorStatusConfirmed
			c.Username = "mallory"
			return c, nil
		})
		require.NoError(t, err)
		assert.Equal(t, model.ContributorStatusConfirmed, updated.Status)
		assert.Equal(t, "alice", updated.Username, "identity fields are fixed")

		got, err := store.GetContributor(ctx, created[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.ContributorStatusConfirmed, got.Status)

		_, err = store.GetContributor(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrContributorNotFound)
		_, err = store.UpdateContributor(ctx, "missing", func(c model.Contributor) (model.Contributor, error) { return c, nil })
		assert.ErrorIs(t, err, model.ErrContributorNotFound)

		alice, err := store.ListContributorsByUsername(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, alice, 2)
		pledgeIDs := []string{alice[0].PledgeID, alice[1].PledgeID}
		assert.ElementsMatch(t, []string{a.ID, b.ID}, pledgeIDs)
	})

	t.Run("RosterCommitsTogether", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		a, _, err := store.CreatePledge(ctx, newPledge("A", "a@a.org", "a.org"), nil)
		require.NoError(t, err)
		b, created, err := store.CreatePledge(ctx, newPledge("B", "b@b.org", "b.org"), contributors("alice"))
		require.NoError(t, err)

		decline := func(p model.Pledge, existing []model.Contributor) (model.Pledge, []model.Contributor, error) {
			p.OrgName = "B renamed"
			alice := existing[0]
			alice.Status = model.ContributorStatusDeclined
			return p, append([]model.Contributor{alice}, contributors("bob")...), nil
		}

		_, _, err = store.UpdatePledgeRoster(ctx, b.ID, func(p model.Pledge, existing []model.Contributor) (model.Pledge, []model.Contributor, error) {
			p, writes, err := decline(p, existing)
			p.Domain = a.Domain
			return p, writes, err
		})
		assert.ErrorIs(t, err, model.ErrDomainTaken)

		_, _, err = store.UpdatePledgeRoster(ctx, b.ID, func(p model.Pledge, existing []model.Contributor) (model.Pledge, []model.Contributor, error) {
			p, writes, err := decline(p, existing)
			return p, append(writes, model.Contributor{ID: "missing", Status: model.ContributorStatusConfirmed}), err
		})
		assert.ErrorIs(t, err, model.ErrContributorNotFound)

		got, err := store.GetPledge(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "B", got.OrgName, "a failed roster update must not store the pledge")
		list, err := store.ListContributors(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, list, 1, "a failed roster update must not add contributors")
		assert.Equal(t, model.ContributorStatusPending, list[0].Status)

		updated, written, err := store.UpdatePledgeRoster(ctx, b.ID, decline)
		require.NoError(t, err)
		assert.Equal(t, "B renamed", updated.OrgName)
		require.Len(t, written, 2)

		list, err = store.ListContributors(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		statuses := map[string]model.ContributorStatus{}
		for _, c := range list {
			statuses[c.Username] = c.Status
		}
		assert.Equal(t, map[string]model.ContributorStatus{
			"alice": model.ContributorStatusDeclined,
			"bob":   model.ContributorStatusPending,
		}, statuses)

		got2, err := store.GetContributor(ctx, created[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got2.Username)
		assert.Equal(t, b.ID, got2.PledgeID)
	})

	t.Run("Snapshots", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			_, err := store.SaveSnapshot(ctx, model.StatsSnapshot{
				TakenAt:          suiteNow.Add(time.Duration(i) * time.Hour),
				PublishedPledges: i,
				TotalHours:       i * 10,
			})
			require.NoError(t, err)
		}

		latest, err := store.ListSnapshots(ctx, 2)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, 3, latest[0].PublishedPledges)
		assert.Equal(t, 2, latest[1].PublishedPledges)

		all, err := store.ListSnapshots(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("ConcurrentDuplicateCreate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := store.CreatePledge(ctx, newPledge("Race", "race@race.org", "race.org"), nil)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, model.ErrEmailTaken), errors.Is(err, model.ErrDomainTaken):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, workers-1, conflicts)
	})
}
