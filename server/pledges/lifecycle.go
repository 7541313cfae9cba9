package pledges

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/mscno/pledges/server/model"
)

// Create validates sub, stores a new pledge awaiting email confirmation with
// one pending contributor per resolved username, and emails the contact
// address a confirmation link.
func (s *Service) Create(ctx context.Context, sub Submission) (model.Pledge, error) {
	fields, err := s.validator.Validate(ctx, sub, ModeCreate)
	if err != nil {
		return model.Pledge{}, err
	}
	usernames, err := s.resolveContributors(ctx, sub.Contributors)
	if err != nil {
		return model.Pledge{}, err
	}

	now := s.now()
	pledge := model.Pledge{
		OrgName:        fields.Name,
		OrgDescription: fields.Description,
		OrgURL:         fields.URL,
		Domain:         fields.Domain,
		Email:          fields.Email,
		// Draft never persists: the confirmation token is issued as the
		// pledge is stored.
		Status:    model.PledgeStatusPendingConfirmation,
		CreatedAt: now,
		UpdatedAt: now,
	}
	contributors := make([]model.Contributor, 0, len(usernames))
	for _, name := range usernames {
		contributors = append(contributors, model.Contributor{
			Username:  name,
			Status:    model.ContributorStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	created, _, err := s.store.CreatePledge(ctx, pledge, contributors)
	if err != nil {
		return model.Pledge{}, s.storeError(err)
	}
	s.metrics.pledgesCreated.Inc()
	s.logger.Info("pledge created", "pledge_id", created.ID, "domain", created.Domain, "contributors", len(contributors))

	if err := s.sendConfirmation(ctx, created); err != nil {
		s.logger.Warn("confirmation email not delivered", "pledge_id", created.ID, "error", err)
	}
	return created, nil
}

// ConfirmEmail redeems an email confirmation link and publishes the pledge.
// The link must have been mailed to the current contact address.
// Once the email is confirmed it succeeds for any token, so refreshing the
// confirmation page never reports a used link.
func (s *Service) ConfirmEmail(ctx context.Context, pledgeID, token string) error {
	unlock := s.locks.Lock(pledgeID)
	defer unlock()

	pledge, err := s.store.GetPledge(ctx, pledgeID)
	if err != nil {
		if errors.Is(err, model.ErrPledgeNotFound) {
			return &AuthError{}
		}
		return err
	}
	if pledge.EmailConfirmed {
		return nil
	}
	if !s.tokens.Verify(ConfirmSubject(pledgeID, pledge.Email), ActionConfirmEmail, token) {
		return &AuthError{}
	}

	pledge, err = s.store.UpdatePledge(ctx, pledgeID, func(p model.Pledge) (model.Pledge, error) {
		p.EmailConfirmed = true
		p.Status = model.PledgeStatusPublished
		p.UpdatedAt = s.now()
		return p, nil
	})
	if err != nil {
		return s.storeError(err)
	}
	s.metrics.pledgesPublished.Inc()
	s.logger.Info("pledge email confirmed", "pledge_id", pledgeID)

	if _, err := s.NotifyPending(ctx, pledgeID, ""); err != nil {
		s.logger.Warn("failed to notify contributors", "pledge_id", pledgeID, "error", err)
	}
	if _, err := s.RecomputeOne(ctx, pledgeID); err != nil {
		s.logger.Warn("recompute after confirmation failed", "pledge_id", pledgeID, "error", err)
	}
	return nil
}

// Update applies new organization fields using a manage token. A changed
// contact email must be confirmed again before the pledge is published. A
// non-nil contributor list becomes the pledge's active contributors. Fields
// and contributor changes are stored together or not at all.
func (s *Service) Update(ctx context.Context, pledgeID, token string, sub Submission) (model.Pledge, error) {
	unlock := s.locks.Lock(pledgeID)
	defer unlock()

	sub.PledgeID, sub.Token = pledgeID, token
	fields, err := s.validator.Validate(ctx, sub, ModeUpdate)
	if err != nil {
		return model.Pledge{}, err
	}
	var usernames []string
	if sub.Contributors != nil {
		if usernames, err = s.resolveContributors(ctx, sub.Contributors); err != nil {
			return model.Pledge{}, err
		}
	}

	var emailChanged, confirmedRemoved bool
	updated, written, err := s.store.UpdatePledgeRoster(ctx, pledgeID, func(p model.Pledge, existing []model.Contributor) (model.Pledge, []model.Contributor, error) {
		emailChanged, confirmedRemoved = false, false
		p.OrgName = fields.Name
		p.OrgDescription = fields.Description
		p.OrgURL = fields.URL
		p.Domain = fields.Domain
		if p.Email != fields.Email {
			emailChanged = true
			p.Email = fields.Email
			p.EmailConfirmed = false
			if p.Status == model.PledgeStatusPublished {
				p.Status = model.PledgeStatusPendingConfirmation
			}
		}
		p.UpdatedAt = s.now()
		if usernames == nil {
			return p, nil, nil
		}
		var writes []model.Contributor
		writes, confirmedRemoved = s.planContributors(existing, usernames)
		return p, writes, nil
	})
	if err != nil {
		return model.Pledge{}, s.storeError(err)
	}
	s.logger.Info("pledge updated", "pledge_id", pledgeID, "email_changed", emailChanged, "contributor_changes", len(written))

	if updated.Status == model.PledgeStatusPublished {
		for _, c := range written {
			if c.Status != model.ContributorStatusPending {
				continue
			}
			if _, err := s.NotifyPending(ctx, pledgeID, c.ID); err != nil {
				s.logger.Warn("failed to notify contributor", "pledge_id", pledgeID, "contributor_id", c.ID, "error", err)
			}
		}
	}
	if confirmedRemoved {
		if _, err := s.RecomputeOne(ctx, pledgeID); err != nil {
			s.logger.Warn("recompute after contributor sync failed", "pledge_id", pledgeID, "error", err)
		}
	}
	if emailChanged {
		if err := s.sendConfirmation(ctx, updated); err != nil {
			s.logger.Warn("confirmation email not delivered", "pledge_id", pledgeID, "error", err)
		}
	}
	return updated, nil
}

// RequestManagementLink emails a reusable manage link when email is exactly
// the stored contact address. Any mismatch, including an unknown pledge,
// returns ErrAddressNotRecognized. A failed send is returned so the
// requester can try again.
func (s *Service) RequestManagementLink(ctx context.Context, pledgeID, email string) error {
	pledge, err := s.store.GetPledge(ctx, pledgeID)
	if err != nil {
		if errors.Is(err, model.ErrPledgeNotFound) {
			return ErrAddressNotRecognized
		}
		return err
	}
	if email == "" || subtle.ConstantTimeCompare([]byte(pledge.Email), []byte(email)) != 1 {
		return ErrAddressNotRecognized
	}

	token, err := s.tokens.IssueReusable(pledge.ID, ActionManagePledge)
	if err != nil {
		return fmt.Errorf("failed to issue manage token: %w", err)
	}
	if !s.send(ctx, pledge.Email, manageLinkMessage(s.links, pledge.ID, token), pledge.ID) {
		return &DependencyError{Dependency: "mailer"}
	}
	s.logger.Info("management link sent", "pledge_id", pledge.ID)
	return nil
}

// ResendConfirmation sends a fresh email confirmation link to a pledge that
// has not confirmed its address yet. It does nothing for confirmed or
// unknown pledges, so the answer does not reveal whether a pledge exists.
func (s *Service) ResendConfirmation(ctx context.Context, pledgeID string) error {
	pledge, err := s.store.GetPledge(ctx, pledgeID)
	if errors.Is(err, model.ErrPledgeNotFound) {
		s.logger.Debug("confirmation resend for unknown pledge", "pledge_id", pledgeID)
		return nil
	}
	if err != nil {
		return err
	}
	if pledge.EmailConfirmed {
		return nil
	}
	return s.sendConfirmation(ctx, pledge)
}

// Withdraw soft-deletes a pledge using a manage token. Its email and domain
// become free for new pledges; its contributor records are kept.
func (s *Service) Withdraw(ctx context.Context, pledgeID, token string) error {
	if !s.tokens.Verify(pledgeID, ActionManagePledge, token) {
		return &AuthError{}
	}
	unlock := s.locks.Lock(pledgeID)
	defer unlock()

	_, err := s.store.UpdatePledge(ctx, pledgeID, func(p model.Pledge) (model.Pledge, error) {
		now := s.now()
		p.DeletedAt = &now
		p.UpdatedAt = now
		return p, nil
	})
	if err != nil {
		return s.storeError(err)
	}
	s.logger.Info("pledge withdrawn", "pledge_id", pledgeID)
	return nil
}

func (s *Service) sendConfirmation(ctx context.Context, pledge model.Pledge) error {
	token, err := s.tokens.Issue(ConfirmSubject(pledge.ID, pledge.Email), ActionConfirmEmail, s.confirmTTL)
	if err != nil {
		return fmt.Errorf("failed to issue confirmation token: %w", err)
	}
	if !s.send(ctx, pledge.Email, confirmEmailMessage(s.links, pledge.OrgName, pledge.ID, token), pledge.ID) {
		return &DependencyError{Dependency: "mailer"}
	}
	return nil
}
