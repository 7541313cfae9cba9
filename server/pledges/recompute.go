package pledges

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mscno/pledges/server/model"
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Started   time.Time
	Finished  time.Time
	Processed int
	Failed    int
	// Deferred counts published pledges left for a later sweep by the limit.
	Deferred int
}

// RecomputeOne rebuilds a pledge's cached confirmed-contributor count and
// total hours from its confirmed contributors and their declared hours. A
// failed hours lookup counts as zero for this pass. Calling it redundantly is
// safe: concurrent runs converge once contributors stop changing.
func (s *Service) RecomputeOne(ctx context.Context, pledgeID string) (model.Pledge, error) {
	contributors, err := s.store.ListContributors(ctx, pledgeID)
	if err != nil {
		s.metrics.recomputeFailures.Inc()
		return model.Pledge{}, fmt.Errorf("failed to list contributors: %w", err)
	}
	var usernames []string
	for _, c := range contributors {
		if c.Status == model.ContributorStatusConfirmed {
			usernames = append(usernames, c.Username)
		}
	}

	total := 0
	for _, h := range s.declaredHours(ctx, pledgeID, usernames) {
		total += h
	}

	updated, err := s.store.UpdatePledge(ctx, pledgeID, func(p model.Pledge) (model.Pledge, error) {
		p.ConfirmedContributors = len(usernames)
		p.TotalHours = total
		p.RecomputedAt = s.now()
		return p, nil
	})
	if err != nil {
		s.metrics.recomputeFailures.Inc()
		return model.Pledge{}, s.storeError(err)
	}
	s.metrics.recomputes.Inc()
	s.logger.Debug("pledge recomputed", "pledge_id", pledgeID, "confirmed_contributors", len(usernames), "total_hours", total)
	return updated, nil
}

// declaredHours returns one non-negative value per username.
func (s *Service) declaredHours(ctx context.Context, pledgeID string, usernames []string) []int {
	hours := make([]int, len(usernames))
	if len(usernames) == 0 {
		return hours
	}

	if batch, ok := s.profiles.(BatchProfileSource); ok {
		byName, err := batch.DeclaredWeeklyHoursBatch(ctx, usernames)
		if err == nil {
			for i, name := range usernames {
				hours[i] = max(byName[name], 0)
			}
			return hours
		}
		s.metrics.profileLookupFailures.Inc()
		s.logger.Warn("batch hours lookup failed, falling back to single lookups", "pledge_id", pledgeID, "error", err)
	}

	for i, name := range usernames {
		h, err := s.profiles.DeclaredWeeklyHours(ctx, name)
		if err != nil {
			s.metrics.profileLookupFailures.Inc()
			s.logger.Warn("hours lookup failed, counting zero", "pledge_id", pledgeID, "username", name, "error", err)
			continue
		}
		hours[i] = max(h, 0)
	}
	return hours
}

// Sweep recomputes published pledges, least recently recomputed first, up to
// the sweep limit. Only one sweep runs at a time; a second caller gets
// ErrSweepInProgress. Cancelling ctx stops the sweep between pledges, never
// during one.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	if !s.sweepMu.TryLock() {
		s.metrics.sweepsSkipped.Inc()
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.sweepMu.Unlock()

	result := SweepResult{Started: s.now()}
	defer s.metrics.sweeps.Inc()

	published, err := s.store.ListPledges(ctx, model.PledgeStatusPublished, 0)
	if err != nil {
		return result, fmt.Errorf("failed to list published pledges: %w", err)
	}
	sort.SliceStable(published, func(i, j int) bool {
		return published[i].RecomputedAt.Before(published[j].RecomputedAt)
	})
	if len(published) > s.sweepLimit {
		result.Deferred = len(published) - s.sweepLimit
		published = published[:s.sweepLimit]
	}
	s.metrics.sweepDeferred.Set(float64(result.Deferred))

	// Each recompute runs to completion even if ctx is cancelled meanwhile.
	work := context.WithoutCancel(ctx)
	for _, p := range published {
		if err := ctx.Err(); err != nil {
			result.Finished = s.now()
			s.logger.Info("sweep stopped", "processed", result.Processed, "remaining", len(published)-result.Processed-result.Failed)
			return result, err
		}
		if _, err := s.RecomputeOne(work, p.ID); err != nil {
			result.Failed++
			s.logger.Warn("sweep recompute failed", "pledge_id", p.ID, "error", err)
			continue
		}
		result.Processed++
	}
	result.Finished = s.now()
	s.logger.Info("sweep finished",
		"processed", result.Processed,
		"failed", result.Failed,
		"deferred", result.Deferred,
		"duration", result.Finished.Sub(result.Started),
	)
	return result, nil
}
