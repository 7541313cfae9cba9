package pledges

import (
	"context"
	"fmt"

	"github.com/mscno/pledges/server/model"
)

// CaptureSnapshot totals the cached aggregates of every published pledge and
// stores the result.
func (s *Service) CaptureSnapshot(ctx context.Context) (model.StatsSnapshot, error) {
	published, err := s.store.ListPledges(ctx, model.PledgeStatusPublished, 0)
	if err != nil {
		return model.StatsSnapshot{}, fmt.Errorf("failed to list published pledges: %w", err)
	}
	snapshot := model.StatsSnapshot{
		TakenAt:          s.now(),
		PublishedPledges: len(published),
	}
	for _, p := range published {
		snapshot.ConfirmedContributors += p.ConfirmedContributors
		snapshot.TotalHours += p.TotalHours
	}
	saved, err := s.store.SaveSnapshot(ctx, snapshot)
	if err != nil {
		return model.StatsSnapshot{}, fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.logger.Info("stats snapshot captured",
		"published_pledges", saved.PublishedPledges,
		"confirmed_contributors", saved.ConfirmedContributors,
		"total_hours", saved.TotalHours,
	)
	return saved, nil
}

// Snapshots lists stored snapshots, newest first.
func (s *Service) Snapshots(ctx context.Context, limit int) ([]model.StatsSnapshot, error) {
	return s.store.ListSnapshots(ctx, limit)
}
