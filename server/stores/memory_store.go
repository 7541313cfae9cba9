package stores

import (
	"context"
	"sort"
	"sync"

	"github.com/mscno/pledges/server/model"
)

// MemoryStore keeps pledges, contributors and snapshots in maps. It is meant
// for tests and single-process development.
type MemoryStore struct {
	mu           sync.RWMutex
	pledges      map[string]model.Pledge
	emails       map[string]string
	domains      map[string]string
	contributors map[string]model.Contributor
	snapshots    []model.StatsSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pledges:      make(map[string]model.Pledge),
		emails:       make(map[string]string),
		domains:      make(map[string]string),
		contributors: make(map[string]model.Contributor),
	}
}

func (s *MemoryStore) CreatePledge(ctx context.Context, pledge model.Pledge, contributors []model.Contributor) (model.Pledge, []model.Contributor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pledge.ID = model.NewID()
	if err := s.claimKeys(pledge); err != nil {
		return model.Pledge{}, nil, err
	}
	created, err := prepareContributors(pledge.ID, nil, contributors)
	if err != nil {
		s.releaseKeys(pledge)
		return model.Pledge{}, nil, err
	}
	s.pledges[pledge.ID] = pledge
	for _, c := range created {
		s.contributors[c.ID] = c
	}
	return pledge, created, nil
}

func (s *MemoryStore) GetPledge(ctx context.Context, id string) (model.Pledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pledges[id]
	if !ok || p.Deleted() {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	return p, nil
}

func (s *MemoryStore) UpdatePledge(ctx context.Context, id string, updateFn func(model.Pledge) (model.Pledge, error)) (model.Pledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pledges[id]
	if !ok || current.Deleted() {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	updated, err := updateFn(current)
	if err != nil {
		return model.Pledge{}, err
	}
	updated.ID = id
	if err := s.putPledge(current, updated); err != nil {
		return model.Pledge{}, err
	}
	return updated, nil
}

func (s *MemoryStore) UpdatePledgeRoster(ctx context.Context, id string, updateFn func(model.Pledge, []model.Contributor) (model.Pledge, []model.Contributor, error)) (model.Pledge, []model.Contributor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pledges[id]
	if !ok || current.Deleted() {
		return model.Pledge{}, nil, model.ErrPledgeNotFound
	}
	existing := s.pledgeContributors(id)
	updated, writes, err := updateFn(current, existing)
	if err != nil {
		return model.Pledge{}, nil, err
	}
	updated.ID = id
	written, err := applyRoster(id, existing, writes)
	if err != nil {
		return model.Pledge{}, nil, err
	}
	if err := s.putPledge(current, updated); err != nil {
		return model.Pledge{}, nil, err
	}
	for _, c := range written {
		s.contributors[c.ID] = c
	}
	return updated, written, nil
}

// putPledge moves the unique keys from current to updated and stores
// updated. On a conflict nothing changes. Callers hold the write lock.
func (s *MemoryStore) putPledge(current, updated model.Pledge) error {
	s.releaseKeys(current)
	if !updated.Deleted() {
		if err := s.claimKeys(updated); err != nil {
			s.mustClaim(current)
			return err
		}
	}
	s.pledges[updated.ID] = updated
	return nil
}

func (s *MemoryStore) ListPledges(ctx context.Context, status model.PledgeStatus, limit int) ([]model.Pledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Pledge
	for _, p := range s.pledges {
		if !p.Deleted() && p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindPledgeByEmail(ctx context.Context, email string) (model.Pledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[model.EmailKey(email)]
	if !ok {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	return s.pledges[id], nil
}

func (s *MemoryStore) FindPledgeByDomain(ctx context.Context, domain string) (model.Pledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.domains[domain]
	if !ok {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	return s.pledges[id], nil
}

// claimKeys must be called with the write lock held.
func (s *MemoryStore) claimKeys(p model.Pledge) error {
	if owner, ok := s.emails[p.EmailKey()]; ok && owner != p.ID {
		return model.ErrEmailTaken
	}
	if owner, ok := s.domains[p.Domain]; ok && owner != p.ID {
		return model.ErrDomainTaken
	}
	s.emails[p.EmailKey()] = p.ID
	s.domains[p.Domain] = p.ID
	return nil
}

func (s *MemoryStore) mustClaim(p model.Pledge) {
	s.emails[p.EmailKey()] = p.ID
	s.domains[p.Domain] = p.ID
}

func (s *MemoryStore) releaseKeys(p model.Pledge) {
	if s.emails[p.EmailKey()] == p.ID {
		delete(s.emails, p.EmailKey())
	}
	if s.domains[p.Domain] == p.ID {
		delete(s.domains, p.Domain)
	}
}

func (s *MemoryStore) GetContributor(ctx context.Context, id string) (model.Contributor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contributors[id]
	if !ok {
		return model.Contributor{}, model.ErrContributorNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpdateContributor(ctx context.Context, id string, updateFn func(model.Contributor) (model.Contributor, error)) (model.Contributor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contributors[id]
	if !ok {
		return model.Contributor{}, model.ErrContributorNotFound
	}
	updated, err := updateFn(c)
	if err != nil {
		return model.Contributor{}, err
	}
	// Identity and ownership are fixed at creation.
	updated.ID, updated.PledgeID, updated.Username = c.ID, c.PledgeID, c.Username
	s.contributors[id] = updated
	return updated, nil
}

func (s *MemoryStore) ListContributors(ctx context.Context, pledgeID string) ([]model.Contributor, error) {
	return s.filterContributors(func(c model.Contributor) bool { return c.PledgeID == pledgeID }), nil
}

func (s *MemoryStore) ListContributorsByUsername(ctx context.Context, username string) ([]model.Contributor, error) {
	return s.filterContributors(func(c model.Contributor) bool { return c.Username == username }), nil
}

// pledgeContributors must be called with the lock held.
func (s *MemoryStore) pledgeContributors(pledgeID string) []model.Contributor {
	var out []model.Contributor
	for _, c := range s.contributors {
		if c.PledgeID == pledgeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) filterContributors(keep func(model.Contributor) bool) []model.Contributor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Contributor
	for _, c := range s.contributors {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snapshot model.StatsSnapshot) (model.StatsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot.ID = model.NewID()
	s.snapshots = append(s.snapshots, snapshot)
	return snapshot, nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, limit int) ([]model.StatsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StatsSnapshot, 0, len(s.snapshots))
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		out = append(out, s.snapshots[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
