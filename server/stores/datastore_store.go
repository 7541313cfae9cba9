package stores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/mscno/pledges/server/model"
)

const (
	pledgeKind       = "Pledge"
	pledgeEmailKind  = "PledgeEmail"
	pledgeDomainKind = "PledgeDomain"
	contributorKind  = "Contributor"
	snapshotKind     = "StatsSnapshot"

	maxCommitAttempts = 3
)

type pledgeEntity struct {
	OrgName               string
	OrgDescription        string `datastore:",noindex"`
	OrgURL                string `datastore:",noindex"`
	Domain                string
	Email                 string
	EmailConfirmed        bool
	Status                string
	ConfirmedContributors int
	TotalHours            int
	RecomputedAt          time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Deleted               bool
	DeletedAt             time.Time
}

// claimEntity reserves a unique value (an email key or a domain) for a pledge.
type claimEntity struct {
	PledgeID string
}

type contributorEntity struct {
	PledgeID  string
	Username  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type snapshotEntity struct {
	TakenAt               time.Time
	PublishedPledges      int
	ConfirmedContributors int
	TotalHours            int
}

// DatastoreStore keeps records in Google Cloud Datastore. Email and domain
// uniqueness is held by claim entities keyed on the value, written in the
// same transaction as the pledge.
type DatastoreStore struct {
	client *datastore.Client
	logger *slog.Logger
}

func NewDatastoreStore(logger *slog.Logger, client *datastore.Client) *DatastoreStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatastoreStore{client: client, logger: logger}
}

func pledgeKey(id string) *datastore.Key {
	return datastore.NameKey(pledgeKind, id, nil)
}

func emailClaimKey(p model.Pledge) *datastore.Key {
	return datastore.NameKey(pledgeEmailKind, p.EmailKey(), nil)
}

func domainClaimKey(p model.Pledge) *datastore.Key {
	return datastore.NameKey(pledgeDomainKind, p.Domain, nil)
}

func contributorKey(id string) *datastore.Key {
	return datastore.NameKey(contributorKind, id, nil)
}

// inTransaction runs fn in a transaction, retrying when a concurrent commit
// touched the same entities. A retry sees the winner's writes.
func (s *DatastoreStore) inTransaction(ctx context.Context, fn func(tx *datastore.Transaction) error) error {
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err = s.tryTransaction(ctx, fn)
		if !errors.Is(err, datastore.ErrConcurrentTransaction) {
			return err
		}
		s.logger.Debug("datastore transaction contention, retrying", "attempt", attempt)
	}
	return err
}

func (s *DatastoreStore) tryTransaction(ctx context.Context, fn func(tx *datastore.Transaction) error) error {
	tx, err := s.client.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.Commit(); err != nil {
		if errors.Is(err, datastore.ErrConcurrentTransaction) {
			return err
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *DatastoreStore) CreatePledge(ctx context.Context, pledge model.Pledge, contributors []model.Contributor) (model.Pledge, []model.Contributor, error) {
	pledge.ID = model.NewID()
	created, err := prepareContributors(pledge.ID, nil, contributors)
	if err != nil {
		return model.Pledge{}, nil, err
	}
	err = s.inTransaction(ctx, func(tx *datastore.Transaction) error {
		if err := claimDatastoreKeys(tx, pledge); err != nil {
			return err
		}
		if _, err := tx.Put(pledgeKey(pledge.ID), toPledgeEntity(pledge)); err != nil {
			return fmt.Errorf("failed to put pledge: %w", err)
		}
		for _, c := range created {
			if _, err := tx.Put(contributorKey(c.ID), toContributorEntity(c)); err != nil {
				return fmt.Errorf("failed to put contributor: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Pledge{}, nil, err
	}
	return pledge, created, nil
}

func (s *DatastoreStore) GetPledge(ctx context.Context, id string) (model.Pledge, error) {
	var e pledgeEntity
	err := s.client.Get(ctx, pledgeKey(id), &e)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	if err != nil {
		return model.Pledge{}, fmt.Errorf("failed to get pledge: %w", err)
	}
	if e.Deleted {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	return e.toModel(id), nil
}

func (s *DatastoreStore) UpdatePledge(ctx context.Context, id string, updateFn func(model.Pledge) (model.Pledge, error)) (model.Pledge, error) {
	var updated model.Pledge
	err := s.inTransaction(ctx, func(tx *datastore.Transaction) error {
		current, err := getDatastorePledge(tx, id)
		if err != nil {
			return err
		}
		updated, err = updateFn(current)
		if err != nil {
			return err
		}
		updated.ID = id
		return putDatastorePledge(tx, current, updated)
	})
	if err != nil {
		return model.Pledge{}, err
	}
	return updated, nil
}

// UpdatePledgeRoster finds the pledge's contributor keys with a query, since
// only ancestor queries run inside a transaction, and reads the entities
// again in the transaction so a concurrent change aborts the commit.
func (s *DatastoreStore) UpdatePledgeRoster(ctx context.Context, id string, updateFn func(model.Pledge, []model.Contributor) (model.Pledge, []model.Contributor, error)) (model.Pledge, []model.Contributor, error) {
	listed, err := s.ListContributors(ctx, id)
	if err != nil {
		return model.Pledge{}, nil, err
	}
	keys := make([]*datastore.Key, 0, len(listed))
	for _, c := range listed {
		keys = append(keys, contributorKey(c.ID))
	}

	var (
		updated model.Pledge
		written []model.Contributor
	)
	err = s.inTransaction(ctx, func(tx *datastore.Transaction) error {
		current, err := getDatastorePledge(tx, id)
		if err != nil {
			return err
		}
		entities := make([]contributorEntity, len(keys))
		if len(keys) > 0 {
			if err := tx.GetMulti(keys, entities); err != nil {
				return fmt.Errorf("failed to get contributors for update: %w", err)
			}
		}
		existing := make([]model.Contributor, 0, len(keys))
		for i, k := range keys {
			existing = append(existing, entities[i].toModel(k.Name))
		}

		var writes []model.Contributor
		updated, writes, err = updateFn(current, existing)
		if err != nil {
			return err
		}
		updated.ID = id
		if written, err = applyRoster(id, existing, writes); err != nil {
			return err
		}
		if err := putDatastorePledge(tx, current, updated); err != nil {
			return err
		}
		if len(written) == 0 {
			return nil
		}
		putKeys := make([]*datastore.Key, 0, len(written))
		putEntities := make([]*contributorEntity, 0, len(written))
		for _, c := range written {
			putKeys = append(putKeys, contributorKey(c.ID))
			putEntities = append(putEntities, toContributorEntity(c))
		}
		if _, err := tx.PutMulti(putKeys, putEntities); err != nil {
			return fmt.Errorf("failed to put contributors: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Pledge{}, nil, err
	}
	return updated, written, nil
}

func getDatastorePledge(tx *datastore.Transaction, id string) (model.Pledge, error) {
	var e pledgeEntity
	if err := tx.Get(pledgeKey(id), &e); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return model.Pledge{}, model.ErrPledgeNotFound
		}
		return model.Pledge{}, fmt.Errorf("failed to get pledge for update: %w", err)
	}
	if e.Deleted {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	return e.toModel(id), nil
}

func putDatastorePledge(tx *datastore.Transaction, current, updated model.Pledge) error {
	if err := releaseDatastoreKeys(tx, current, updated); err != nil {
		return err
	}
	if !updated.Deleted() {
		if err := claimDatastoreKeys(tx, updated); err != nil {
			return err
		}
	}
	if _, err := tx.Put(pledgeKey(updated.ID), toPledgeEntity(updated)); err != nil {
		return fmt.Errorf("failed to put updated pledge: %w", err)
	}
	return nil
}

func (s *DatastoreStore) ListPledges(ctx context.Context, status model.PledgeStatus, limit int) ([]model.Pledge, error) {
	q := datastore.NewQuery(pledgeKind).
		FilterField("Status", "=", string(status)).
		FilterField("Deleted", "=", false)
	var entities []pledgeEntity
	keys, err := s.client.GetAll(ctx, q, &entities)
	if err != nil {
		return nil, fmt.Errorf("failed to list pledges: %w", err)
	}
	out := make([]model.Pledge, 0, len(keys))
	for i, k := range keys {
		out = append(out, entities[i].toModel(k.Name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DatastoreStore) FindPledgeByEmail(ctx context.Context, email string) (model.Pledge, error) {
	return s.findByClaim(ctx, datastore.NameKey(pledgeEmailKind, model.EmailKey(email), nil))
}

func (s *DatastoreStore) FindPledgeByDomain(ctx context.Context, domain string) (model.Pledge, error) {
	return s.findByClaim(ctx, datastore.NameKey(pledgeDomainKind, domain, nil))
}

func (s *DatastoreStore) findByClaim(ctx context.Context, key *datastore.Key) (model.Pledge, error) {
	var claim claimEntity
	err := s.client.Get(ctx, key, &claim)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	if err != nil {
		return model.Pledge{}, fmt.Errorf("failed to get claim: %w", err)
	}
	return s.GetPledge(ctx, claim.PledgeID)
}

func claimDatastoreKeys(tx *datastore.Transaction, p model.Pledge) error {
	for _, c := range []struct {
		key   *datastore.Key
		taken error
	}{
		{emailClaimKey(p), model.ErrEmailTaken},
		{domainClaimKey(p), model.ErrDomainTaken},
	} {
		var existing claimEntity
		err := tx.Get(c.key, &existing)
		switch {
		case err == nil && existing.PledgeID != p.ID:
			return c.taken
		case err != nil && !errors.Is(err, datastore.ErrNoSuchEntity):
			return fmt.Errorf("failed to read claim: %w", err)
		}
		if _, err := tx.Put(c.key, &claimEntity{PledgeID: p.ID}); err != nil {
			return fmt.Errorf("failed to put claim: %w", err)
		}
	}
	return nil
}

// releaseDatastoreKeys drops the claims current holds that next no longer
// needs.
func releaseDatastoreKeys(tx *datastore.Transaction, current, next model.Pledge) error {
	var stale []*datastore.Key
	if next.Deleted() || current.EmailKey() != next.EmailKey() {
		stale = append(stale, emailClaimKey(current))
	}
	if next.Deleted() || current.Domain != next.Domain {
		stale = append(stale, domainClaimKey(current))
	}
	if len(stale) == 0 {
		return nil
	}
	if err := tx.DeleteMulti(stale); err != nil {
		return fmt.Errorf("failed to release claims: %w", err)
	}
	return nil
}

func (s *DatastoreStore) GetContributor(ctx context.Context, id string) (model.Contributor, error) {
	var e contributorEntity
	err := s.client.Get(ctx, contributorKey(id), &e)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return model.Contributor{}, model.ErrContributorNotFound
	}
	if err != nil {
		return model.Contributor{}, fmt.Errorf("failed to get contributor: %w", err)
	}
	return e.toModel(id), nil
}

func (s *DatastoreStore) UpdateContributor(ctx context.Context, id string, updateFn func(model.Contributor) (model.Contributor, error)) (model.Contributor, error) {
	var updated model.Contributor
	err := s.inTransaction(ctx, func(tx *datastore.Transaction) error {
		var e contributorEntity
		if err := tx.Get(contributorKey(id), &e); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return model.ErrContributorNotFound
			}
			return fmt.Errorf("failed to get contributor for update: %w", err)
		}
		current := e.toModel(id)
		var err error
		updated, err = updateFn(current)
		if err != nil {
			return err
		}
		updated.ID, updated.PledgeID, updated.Username = current.ID, current.PledgeID, current.Username
		if _, err := tx.Put(contributorKey(id), toContributorEntity(updated)); err != nil {
			return fmt.Errorf("failed to put contributor: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Contributor{}, err
	}
	return updated, nil
}

func (s *DatastoreStore) ListContributors(ctx context.Context, pledgeID string) ([]model.Contributor, error) {
	return s.queryContributors(ctx, "PledgeID", pledgeID)
}

func (s *DatastoreStore) ListContributorsByUsername(ctx context.Context, username string) ([]model.Contributor, error) {
	return s.queryContributors(ctx, "Username", username)
}

func (s *DatastoreStore) queryContributors(ctx context.Context, field, value string) ([]model.Contributor, error) {
	q := datastore.NewQuery(contributorKind).FilterField(field, "=", value)
	var entities []contributorEntity
	keys, err := s.client.GetAll(ctx, q, &entities)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributors: %w", err)
	}
	out := make([]model.Contributor, 0, len(keys))
	for i, k := range keys {
		out = append(out, entities[i].toModel(k.Name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *DatastoreStore) SaveSnapshot(ctx context.Context, snapshot model.StatsSnapshot) (model.StatsSnapshot, error) {
	snapshot.ID = model.NewID()
	e := &snapshotEntity{
		TakenAt:               snapshot.TakenAt,
		PublishedPledges:      snapshot.PublishedPledges,
		ConfirmedContributors: snapshot.ConfirmedContributors,
		TotalHours:            snapshot.TotalHours,
	}
	if _, err := s.client.Put(ctx, datastore.NameKey(snapshotKind, snapshot.ID, nil), e); err != nil {
		return model.StatsSnapshot{}, fmt.Errorf("failed to put snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *DatastoreStore) ListSnapshots(ctx context.Context, limit int) ([]model.StatsSnapshot, error) {
	q := datastore.NewQuery(snapshotKind).Order("-__key__")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entities []snapshotEntity
	keys, err := s.client.GetAll(ctx, q, &entities)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	out := make([]model.StatsSnapshot, 0, len(keys))
	for i, k := range keys {
		e := entities[i]
		out = append(out, model.StatsSnapshot{
			ID:                    k.Name,
			TakenAt:               e.TakenAt,
			PublishedPledges:      e.PublishedPledges,
			ConfirmedContributors: e.ConfirmedContributors,
			TotalHours:            e.TotalHours,
		})
	}
	return out, nil
}

func toPledgeEntity(p model.Pledge) *pledgeEntity {
	e := &pledgeEntity{
		OrgName:               p.OrgName,
		OrgDescription:        p.OrgDescription,
		OrgURL:                p.OrgURL,
		Domain:                p.Domain,
		Email:                 p.Email,
		EmailConfirmed:        p.EmailConfirmed,
		Status:                string(p.Status),
		ConfirmedContributors: p.ConfirmedContributors,
		TotalHours:            p.TotalHours,
		RecomputedAt:          p.RecomputedAt,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
	if p.DeletedAt != nil {
		e.Deleted = true
		e.DeletedAt = *p.DeletedAt
	}
	return e
}

func (e pledgeEntity) toModel(id string) model.Pledge {
	p := model.Pledge{
		ID:                    id,
		OrgName:               e.OrgName,
		OrgDescription:        e.OrgDescription,
		OrgURL:                e.OrgURL,
		Domain:                e.Domain,
		Email:                 e.Email,
		EmailConfirmed:        e.EmailConfirmed,
		Status:                model.PledgeStatus(e.Status),
		ConfirmedContributors: e.ConfirmedContributors,
		TotalHours:            e.TotalHours,
		RecomputedAt:          e.RecomputedAt,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
	if e.Deleted {
		t := e.DeletedAt
		p.DeletedAt = &t
	}
	return p
}

func toContributorEntity(c model.Contributor) *contributorEntity {
	return &contributorEntity{
		PledgeID:  c.PledgeID,
		Username:  c.Username,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (e contributorEntity) toModel(id string) model.Contributor {
	return model.Contributor{
		ID:        id,
		PledgeID:  e.PledgeID,
		Username:  e.Username,
		Status:    model.ContributorStatus(e.Status),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}
