package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mscno/pledges/server/model"
	"go.etcd.io/bbolt"
)

var (
	pledgesBucket            = []byte("pledges")
	pledgeEmailsBucket       = []byte("pledge_emails")
	pledgeDomainsBucket      = []byte("pledge_domains")
	contributorsBucket       = []byte("contributors")
	pledgeContributorsBucket = []byte("pledge_contributors")
	userContributorsBucket   = []byte("user_contributors")
	snapshotsBucket          = []byte("snapshots")
)

var boltBuckets = [][]byte{
	pledgesBucket,
	pledgeEmailsBucket,
	pledgeDomainsBucket,
	contributorsBucket,
	pledgeContributorsBucket,
	userContributorsBucket,
	snapshotsBucket,
}

// BoltStore persists records as JSON in bbolt buckets. Email and domain
// index buckets are written in the same transaction as the pledge, so the
// uniqueness check and the write commit together.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates the buckets it needs on first use.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) CreatePledge(ctx context.Context, pledge model.Pledge, contributors []model.Contributor) (model.Pledge, []model.Contributor, error) {
	pledge.ID = model.NewID()
	created, err := prepareContributors(pledge.ID, nil, contributors)
	if err != nil {
		return model.Pledge{}, nil, err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := claimBoltKeys(tx, pledge); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(pledgesBucket), pledge.ID, pledge); err != nil {
			return err
		}
		for _, c := range created {
			if err := putContributor(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Pledge{}, nil, err
	}
	return pledge, created, nil
}

func (s *BoltStore) GetPledge(ctx context.Context, id string) (model.Pledge, error) {
	var pledge model.Pledge
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		pledge, err = getBoltPledge(tx, id)
		return err
	})
	return pledge, err
}

func (s *BoltStore) UpdatePledge(ctx context.Context, id string, updateFn func(model.Pledge) (model.Pledge, error)) (model.Pledge, error) {
	var updated model.Pledge
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getBoltPledge(tx, id)
		if err != nil {
			return err
		}
		updated, err = updateFn(current)
		if err != nil {
			return err
		}
		updated.ID = id
		return putBoltPledge(tx, current, updated)
	})
	if err != nil {
		return model.Pledge{}, err
	}
	return updated, nil
}

func (s *BoltStore) UpdatePledgeRoster(ctx context.Context, id string, updateFn func(model.Pledge, []model.Contributor) (model.Pledge, []model.Contributor, error)) (model.Pledge, []model.Contributor, error) {
	var (
		updated model.Pledge
		written []model.Contributor
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getBoltPledge(tx, id)
		if err != nil {
			return err
		}
		existing, err := listBoltContributors(tx, pledgeContributorsBucket, id)
		if err != nil {
			return err
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
		if err := putBoltPledge(tx, current, updated); err != nil {
			return err
		}
		for _, c := range written {
			if err := putContributor(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Pledge{}, nil, err
	}
	return updated, written, nil
}

func putBoltPledge(tx *bbolt.Tx, current, updated model.Pledge) error {
	if err := releaseBoltKeys(tx, current); err != nil {
		return err
	}
	if !updated.Deleted() {
		if err := claimBoltKeys(tx, updated); err != nil {
			return err
		}
	}
	return putJSON(tx.Bucket(pledgesBucket), updated.ID, updated)
}

func (s *BoltStore) ListPledges(ctx context.Context, status model.PledgeStatus, limit int) ([]model.Pledge, error) {
	var pledges []model.Pledge
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(pledgesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p model.Pledge
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Deleted() || p.Status != status {
				continue
			}
			pledges = append(pledges, p)
			if limit > 0 && len(pledges) == limit {
				break
			}
		}
		return nil
	})
	return pledges, err
}

func (s *BoltStore) FindPledgeByEmail(ctx context.Context, email string) (model.Pledge, error) {
	return s.findByIndex(pledgeEmailsBucket, model.EmailKey(email))
}

func (s *BoltStore) FindPledgeByDomain(ctx context.Context, domain string) (model.Pledge, error) {
	return s.findByIndex(pledgeDomainsBucket, domain)
}

func (s *BoltStore) findByIndex(bucket []byte, key string) (model.Pledge, error) {
	var pledge model.Pledge
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucket).Get([]byte(key))
		if id == nil {
			return model.ErrPledgeNotFound
		}
		var err error
		pledge, err = getBoltPledge(tx, string(id))
		return err
	})
	return pledge, err
}

func getBoltPledge(tx *bbolt.Tx, id string) (model.Pledge, error) {
	val := tx.Bucket(pledgesBucket).Get([]byte(id))
	if val == nil {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	var p model.Pledge
	if err := json.Unmarshal(val, &p); err != nil {
		return model.Pledge{}, err
	}
	if p.Deleted() {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	return p, nil
}

func claimBoltKeys(tx *bbolt.Tx, p model.Pledge) error {
	emails := tx.Bucket(pledgeEmailsBucket)
	domains := tx.Bucket(pledgeDomainsBucket)
	if owner := emails.Get([]byte(p.EmailKey())); owner != nil && string(owner) != p.ID {
		return model.ErrEmailTaken
	}
	if owner := domains.Get([]byte(p.Domain)); owner != nil && string(owner) != p.ID {
		return model.ErrDomainTaken
	}
	if err := emails.Put([]byte(p.EmailKey()), []byte(p.ID)); err != nil {
		return err
	}
	return domains.Put([]byte(p.Domain), []byte(p.ID))
}

func releaseBoltKeys(tx *bbolt.Tx, p model.Pledge) error {
	for _, idx := range []struct {
		bucket []byte
		key    string
	}{
		{pledgeEmailsBucket, p.EmailKey()},
		{pledgeDomainsBucket, p.Domain},
	} {
		b := tx.Bucket(idx.bucket)
		if string(b.Get([]byte(idx.key))) == p.ID {
			if err := b.Delete([]byte(idx.key)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BoltStore) GetContributor(ctx context.Context, id string) (model.Contributor, error) {
	var c model.Contributor
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = getBoltContributor(tx, id)
		return err
	})
	return c, err
}

func (s *BoltStore) UpdateContributor(ctx context.Context, id string, updateFn func(model.Contributor) (model.Contributor, error)) (model.Contributor, error) {
	var updated model.Contributor
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getBoltContributor(tx, id)
		if err != nil {
			return err
		}
		updated, err = updateFn(current)
		if err != nil {
			return err
		}
		updated.ID, updated.PledgeID, updated.Username = current.ID, current.PledgeID, current.Username
		return putJSON(tx.Bucket(contributorsBucket), id, updated)
	})
	if err != nil {
		return model.Contributor{}, err
	}
	return updated, nil
}

func (s *BoltStore) ListContributors(ctx context.Context, pledgeID string) ([]model.Contributor, error) {
	var out []model.Contributor
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = listBoltContributors(tx, pledgeContributorsBucket, pledgeID)
		return err
	})
	return out, err
}

func (s *BoltStore) ListContributorsByUsername(ctx context.Context, username string) ([]model.Contributor, error) {
	var out []model.Contributor
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = listBoltContributors(tx, userContributorsBucket, username)
		return err
	})
	return out, err
}

// Index keys are "<owner>\x00<contributor id>" so a prefix scan yields one
// owner's contributors in id order.
func indexKey(owner, id string) []byte {
	return []byte(owner + "\x00" + id)
}

func listBoltContributors(tx *bbolt.Tx, index []byte, owner string) ([]model.Contributor, error) {
	prefix := []byte(owner + "\x00")
	var out []model.Contributor
	c := tx.Bucket(index).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		contributor, err := getBoltContributor(tx, string(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		out = append(out, contributor)
	}
	return out, nil
}

func getBoltContributor(tx *bbolt.Tx, id string) (model.Contributor, error) {
	val := tx.Bucket(contributorsBucket).Get([]byte(id))
	if val == nil {
		return model.Contributor{}, model.ErrContributorNotFound
	}
	var c model.Contributor
	if err := json.Unmarshal(val, &c); err != nil {
		return model.Contributor{}, err
	}
	return c, nil
}

func putContributor(tx *bbolt.Tx, c model.Contributor) error {
	if err := putJSON(tx.Bucket(contributorsBucket), c.ID, c); err != nil {
		return err
	}
	if err := tx.Bucket(pledgeContributorsBucket).Put(indexKey(c.PledgeID, c.ID), []byte{}); err != nil {
		return err
	}
	return tx.Bucket(userContributorsBucket).Put(indexKey(c.Username, c.ID), []byte{})
}

func (s *BoltStore) SaveSnapshot(ctx context.Context, snapshot model.StatsSnapshot) (model.StatsSnapshot, error) {
	snapshot.ID = model.NewID()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(snapshotsBucket), snapshot.ID, snapshot)
	})
	if err != nil {
		return model.StatsSnapshot{}, err
	}
	return snapshot, nil
}

func (s *BoltStore) ListSnapshots(ctx context.Context, limit int) ([]model.StatsSnapshot, error) {
	var out []model.StatsSnapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(snapshotsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var snap model.StatsSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
