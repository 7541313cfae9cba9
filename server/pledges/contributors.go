package pledges

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mscno/pledges/server/model"
)

// splitUsernames flattens comma separated entries, strips "@" and blanks,
// and drops exact duplicates while keeping the submitted order.
func splitUsernames(entries []string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, entry := range entries {
		for _, name := range strings.Split(strings.ReplaceAll(entry, "@", ""), ",") {
			name = strings.TrimSpace(name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// resolveContributors maps submitted names onto canonical platform logins.
// Every unresolvable name is reported in a single *ValidationError. Names
// resolving to the same account collapse to one.
func (s *Service) resolveContributors(ctx context.Context, entries []string) ([]string, error) {
	names := splitUsernames(entries)
	if len(names) == 0 {
		verr := &ValidationError{}
		verr.add(FieldContributors, CodeContributorRequired, "The pledge must have at least one contributor username.")
		return nil, verr
	}

	var invalid, logins []string
	seen := make(map[string]bool)
	for _, name := range names {
		user, err := s.users.LookupUser(ctx, name)
		if errors.Is(err, ErrUnknownUser) {
			invalid = append(invalid, name)
			continue
		}
		if err != nil {
			return nil, &DependencyError{Dependency: "user directory", Err: err}
		}
		if !seen[user.Login] {
			seen[user.Login] = true
			logins = append(logins, user.Login)
		}
	}
	if len(invalid) > 0 {
		verr := &ValidationError{}
		verr.add(FieldContributors, CodeInvalidContributor,
			fmt.Sprintf("The following contributor usernames are not valid: %s", strings.Join(invalid, ", ")))
		return nil, verr
	}
	return logins, nil
}

// planContributors returns the writes that make usernames the active
// contributors. New names are added pending, declined ones are reinstated as
// pending, and active ones no longer listed are declined. It also reports
// whether a confirmed contributor was dropped.
func (s *Service) planContributors(existing []model.Contributor, usernames []string) ([]model.Contributor, bool) {
	byName := make(map[string]model.Contributor, len(existing))
	for _, c := range existing {
		byName[c.Username] = c
	}
	wanted := make(map[string]bool, len(usernames))

	now := s.now()
	var writes []model.Contributor
	for _, name := range usernames {
		wanted[name] = true
		c, ok := byName[name]
		switch {
		case !ok:
			writes = append(writes, model.Contributor{
				Username:  name,
				Status:    model.ContributorStatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
		case c.Status == model.ContributorStatusDeclined:
			c.Status = model.ContributorStatusPending
			c.UpdatedAt = now
			writes = append(writes, c)
		}
	}

	confirmedRemoved := false
	for _, c := range existing {
		if wanted[c.Username] || c.Status == model.ContributorStatusDeclined {
			continue
		}
		if c.Status == model.ContributorStatusConfirmed {
			confirmedRemoved = true
		}
		c.Status = model.ContributorStatusDeclined
		c.UpdatedAt = now
		writes = append(writes, c)
	}
	return writes, confirmedRemoved
}

// NotifyPending emails every pending contributor of a pledge, or only
// contributorID when it is set. Confirmed and declined contributors are
// never emailed. It returns how many emails the mailer accepted.
func (s *Service) NotifyPending(ctx context.Context, pledgeID, contributorID string) (int, error) {
	pledge, err := s.store.GetPledge(ctx, pledgeID)
	if err != nil {
		return 0, s.storeError(err)
	}
	contributors, err := s.store.ListContributors(ctx, pledgeID)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range contributors {
		if c.Status != model.ContributorStatusPending {
			continue
		}
		if contributorID != "" && c.ID != contributorID {
			continue
		}
		user, err := s.users.LookupUser(ctx, c.Username)
		if err != nil {
			s.logger.Warn("failed to look up contributor", "pledge_id", pledgeID, "username", c.Username, "error", err)
			continue
		}
		if user.Email == "" {
			s.logger.Warn("contributor has no email address", "pledge_id", pledgeID, "username", c.Username)
			continue
		}
		if s.send(ctx, user.Email, contributorMessage(s.links, pledge.OrgName, pledgeID, user), pledgeID) {
			sent++
		}
	}
	return sent, nil
}

// ResendContributorEmails is NotifyPending authorized by a manage token.
func (s *Service) ResendContributorEmails(ctx context.Context, pledgeID, token, contributorID string) (int, error) {
	if !s.tokens.Verify(pledgeID, ActionManagePledge, token) {
		return 0, &AuthError{}
	}
	return s.NotifyPending(ctx, pledgeID, contributorID)
}

// Contributor returns one contributor record.
func (s *Service) Contributor(ctx context.Context, id string) (model.Contributor, error) {
	c, err := s.store.GetContributor(ctx, id)
	if err != nil {
		return model.Contributor{}, s.storeError(err)
	}
	return c, nil
}

// ConfirmContributor records that the named user agrees to the pledge. The
// caller must already have authenticated that user. The parent pledge is
// recomputed before returning when the status changed.
func (s *Service) ConfirmContributor(ctx context.Context, contributorID string) (model.Contributor, error) {
	return s.transitionContributor(ctx, contributorID, model.ContributorStatusConfirmed)
}

// DeclineContributor removes the user from the pledge without deleting the
// record.
func (s *Service) DeclineContributor(ctx context.Context, contributorID string) (model.Contributor, error) {
	return s.transitionContributor(ctx, contributorID, model.ContributorStatusDeclined)
}

// RemoveContributor declines a contributor on behalf of the organization,
// authorized by a manage token for the parent pledge.
func (s *Service) RemoveContributor(ctx context.Context, pledgeID, token, contributorID string) (model.Contributor, error) {
	if !s.tokens.Verify(pledgeID, ActionManagePledge, token) {
		return model.Contributor{}, &AuthError{}
	}
	c, err := s.Contributor(ctx, contributorID)
	if err != nil {
		return model.Contributor{}, err
	}
	if c.PledgeID != pledgeID {
		return model.Contributor{}, fmt.Errorf("%w: contributor %s", ErrNotFound, contributorID)
	}
	return s.transitionContributor(ctx, contributorID, model.ContributorStatusDeclined)
}

func (s *Service) transitionContributor(ctx context.Context, contributorID string, status model.ContributorStatus) (model.Contributor, error) {
	c, err := s.Contributor(ctx, contributorID)
	if err != nil {
		return model.Contributor{}, err
	}
	if _, err := s.Pledge(ctx, c.PledgeID); err != nil {
		return model.Contributor{}, err
	}

	unlock := s.locks.Lock(c.PledgeID)
	defer unlock()

	updated, changed, err := s.setContributorStatus(ctx, contributorID, status)
	if err != nil {
		return model.Contributor{}, err
	}
	if changed {
		s.logger.Info("contributor status changed", "pledge_id", c.PledgeID, "contributor_id", contributorID, "status", status)
		if _, err := s.RecomputeOne(ctx, c.PledgeID); err != nil {
			s.logger.Warn("recompute after contributor change failed", "pledge_id", c.PledgeID, "error", err)
		}
	}
	return updated, nil
}

// setContributorStatus writes status and reports whether it differed. A
// declined contributor cannot confirm; the organization has to list them again.
func (s *Service) setContributorStatus(ctx context.Context, id string, status model.ContributorStatus) (model.Contributor, bool, error) {
	changed := false
	updated, err := s.store.UpdateContributor(ctx, id, func(c model.Contributor) (model.Contributor, error) {
		changed = false
		if c.Status == status {
			return c, nil
		}
		if status == model.ContributorStatusConfirmed && c.Status == model.ContributorStatusDeclined {
			verr := &ValidationError{}
			verr.add("status", CodeInvalidTransition, "This contributor was removed from the pledge.")
			return c, verr
		}
		changed = true
		c.Status = status
		c.UpdatedAt = s.now()
		return c, nil
	})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return model.Contributor{}, false, verr
		}
		return model.Contributor{}, false, s.storeError(err)
	}
	return updated, changed, nil
}
