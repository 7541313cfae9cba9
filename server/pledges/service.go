// Package pledges implements the pledge and contributor lifecycles and the
// aggregate recompute engine that keeps each pledge's cached totals current.
package pledges

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mscno/pledges/server/model"
)

const (
	DefaultConfirmTTL = 24 * time.Hour
	DefaultSweepLimit = 1000
)

// Tokens issues and verifies capability tokens.
type Tokens interface {
	TokenVerifier
	Issue(subject, action string, ttl time.Duration) (string, error)
	IssueReusable(subject, action string) (string, error)
}

// Service runs every pledge and contributor transition. Transitions on the
// same pledge are serialized; different pledges proceed independently.
type Service struct {
	store     Store
	tokens    Tokens
	users     UserDirectory
	profiles  ProfileSource
	notifier  Notifier
	validator *Validator

	logger     *slog.Logger
	metrics    *Metrics
	links      Links
	now        func() time.Time
	confirmTTL time.Duration
	sweepLimit int

	locks   *keyedMutex
	sweepMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service) error

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) error {
		if metrics != nil {
			s.metrics = metrics
		}
		return nil
	}
}

func WithLinks(links Links) Option {
	return func(s *Service) error {
		s.links = links
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		s.now = now
		return nil
	}
}

// WithConfirmTTL sets how long email confirmation links stay valid.
func WithConfirmTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl <= 0 {
			return fmt.Errorf("confirm ttl must be positive, got %s", ttl)
		}
		s.confirmTTL = ttl
		return nil
	}
}

// WithSweepLimit bounds how many pledges one sweep recomputes.
func WithSweepLimit(limit int) Option {
	return func(s *Service) error {
		if limit <= 0 {
			return fmt.Errorf("sweep limit must be positive, got %d", limit)
		}
		s.sweepLimit = limit
		return nil
	}
}

func NewService(store Store, tokens Tokens, users UserDirectory, profiles ProfileSource, notifier Notifier, opts ...Option) (*Service, error) {
	switch {
	case store == nil:
		return nil, errors.New("store is required")
	case tokens == nil:
		return nil, errors.New("token service is required")
	case users == nil:
		return nil, errors.New("user directory is required")
	case profiles == nil:
		return nil, errors.New("profile source is required")
	case notifier == nil:
		return nil, errors.New("notifier is required")
	}
	s := &Service{
		store:      store,
		tokens:     tokens,
		users:      users,
		profiles:   profiles,
		notifier:   notifier,
		validator:  NewValidator(tokens, store),
		logger:     slog.Default(),
		now:        time.Now,
		confirmTTL: DefaultConfirmTTL,
		sweepLimit: DefaultSweepLimit,
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s, nil
}

// Validator exposes the submission validator the service uses.
func (s *Service) Validator() *Validator {
	return s.validator
}

// Pledge returns a non-deleted pledge.
func (s *Service) Pledge(ctx context.Context, id string) (model.Pledge, error) {
	p, err := s.store.GetPledge(ctx, id)
	if err != nil {
		return model.Pledge{}, s.storeError(err)
	}
	return p, nil
}

// PublishedPledges lists every published pledge.
func (s *Service) PublishedPledges(ctx context.Context) ([]model.Pledge, error) {
	return s.store.ListPledges(ctx, model.PledgeStatusPublished, 0)
}

// Contributors lists every contributor of a pledge, declined ones included.
func (s *Service) Contributors(ctx context.Context, pledgeID string) ([]model.Contributor, error) {
	if _, err := s.Pledge(ctx, pledgeID); err != nil {
		return nil, err
	}
	return s.store.ListContributors(ctx, pledgeID)
}

// Contributions lists the contributor records naming username on pledges
// that still exist.
func (s *Service) Contributions(ctx context.Context, username string) ([]model.Contributor, error) {
	all, err := s.store.ListContributorsByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	out := make([]model.Contributor, 0, len(all))
	for _, c := range all {
		if _, err := s.store.GetPledge(ctx, c.PledgeID); err != nil {
			if errors.Is(err, model.ErrPledgeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// storeError maps repository sentinels onto the service error taxonomy.
func (s *Service) storeError(err error) error {
	switch {
	case errors.Is(err, model.ErrEmailTaken):
		return &ConflictError{Field: FieldEmail}
	case errors.Is(err, model.ErrDomainTaken):
		return &ConflictError{Field: FieldDomain}
	case errors.Is(err, model.ErrPledgeNotFound), errors.Is(err, model.ErrContributorNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// send dispatches one email and records the outcome. Failures are logged and
// reported to the caller, which decides whether they matter.
func (s *Service) send(ctx context.Context, to string, msg message, pledgeID string) bool {
	if s.notifier.Send(ctx, to, msg.subject, msg.body, pledgeID) {
		s.metrics.notificationsSent.Inc()
		return true
	}
	s.metrics.notificationsFailed.Inc()
	s.logger.Warn("failed to send email", "pledge_id", pledgeID, "subject", msg.subject)
	return false
}
