package stores

import "github.com/mscno/pledges/server/model"

// prepareContributors assigns ids and ownership to new contributors, failing
// with model.ErrContributorExists if a username is already on the pledge or
// repeated in the batch.
func prepareContributors(pledgeID string, existing, incoming []model.Contributor) ([]model.Contributor, error) {
	taken := make(map[string]bool, len(existing)+len(incoming))
	for _, c := range existing {
		taken[c.Username] = true
	}
	out := make([]model.Contributor, 0, len(incoming))
	for _, c := range incoming {
		if taken[c.Username] {
			return nil, model.ErrContributorExists
		}
		taken[c.Username] = true
		c.ID = model.NewID()
		c.PledgeID = pledgeID
		if c.Status == "" {
			c.Status = model.ContributorStatusPending
		}
		out = append(out, c)
	}
	return out, nil
}

// applyRoster resolves roster writes against a pledge's stored contributors.
// A write carrying an id keeps the stored identity and owner; one without an
// id goes through prepareContributors.
func applyRoster(pledgeID string, existing, writes []model.Contributor) ([]model.Contributor, error) {
	stored := make(map[string]model.Contributor, len(existing))
	for _, c := range existing {
		stored[c.ID] = c
	}
	var out, added []model.Contributor
	for _, c := range writes {
		if c.ID == "" {
			added = append(added, c)
			continue
		}
		current, ok := stored[c.ID]
		if !ok {
			return nil, model.ErrContributorNotFound
		}
		c.PledgeID, c.Username = current.PledgeID, current.Username
		out = append(out, c)
	}
	created, err := prepareContributors(pledgeID, existing, added)
	if err != nil {
		return nil, err
	}
	return append(out, created...), nil
}
