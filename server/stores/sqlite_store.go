package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mscno/pledges/server/model"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type pledgeRow struct {
	ID                    string `gorm:"primaryKey"`
	OrgName               string
	OrgDescription        string
	OrgURL                string
	Domain                string `gorm:"uniqueIndex:idx_pledges_domain,where:deleted_at IS NULL"`
	Email                 string
	EmailKey              string `gorm:"uniqueIndex:idx_pledges_email,where:deleted_at IS NULL"`
	EmailConfirmed        bool
	Status                string `gorm:"index"`
	ConfirmedContributors int
	TotalHours            int
	RecomputedAt          time.Time
	CreatedAt             time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime:false"`
	DeletedAt             gorm.DeletedAt `gorm:"index"`
}

func (pledgeRow) TableName() string { return "pledges" }

type contributorRow struct {
	ID        string    `gorm:"primaryKey"`
	PledgeID  string    `gorm:"uniqueIndex:idx_contributors_pledge_username"`
	Username  string    `gorm:"uniqueIndex:idx_contributors_pledge_username;index:idx_contributors_username"`
	Status    string
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (contributorRow) TableName() string { return "contributors" }

type snapshotRow struct {
	ID                    string `gorm:"primaryKey"`
	TakenAt               time.Time
	PublishedPledges      int
	ConfirmedContributors int
	TotalHours            int
}

func (snapshotRow) TableName() string { return "stats_snapshots" }

// SQLiteStore keeps records in SQL tables through gorm. Partial unique
// indexes on email and domain ignore soft-deleted rows.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens the database at path, or a shared in-memory database when
// path is empty.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := "file::memory:?cache=shared"
	if path != "" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which SQLite requires anyway.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteStore migrates the schema and returns the store.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&pledgeRow{}, &contributorRow{}, &snapshotRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreatePledge(ctx context.Context, pledge model.Pledge, contributors []model.Contributor) (model.Pledge, []model.Contributor, error) {
	pledge.ID = model.NewID()
	created, err := prepareContributors(pledge.ID, nil, contributors)
	if err != nil {
		return model.Pledge{}, nil, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toPledgeRow(pledge)
		if err := tx.Create(&row).Error; err != nil {
			return uniqueViolation(err)
		}
		for _, c := range created {
			crow := toContributorRow(c)
			if err := tx.Create(&crow).Error; err != nil {
				return uniqueViolation(err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Pledge{}, nil, err
	}
	return pledge, created, nil
}

func (s *SQLiteStore) GetPledge(ctx context.Context, id string) (model.Pledge, error) {
	return getSQLPledge(s.db.WithContext(ctx), id)
}

func (s *SQLiteStore) UpdatePledge(ctx context.Context, id string, updateFn func(model.Pledge) (model.Pledge, error)) (model.Pledge, error) {
	var updated model.Pledge
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := getSQLPledge(tx, id)
		if err != nil {
			return err
		}
		updated, err = updateFn(current)
		if err != nil {
			return err
		}
		updated.ID = id
		return putSQLPledge(tx, updated)
	})
	if err != nil {
		return model.Pledge{}, err
	}
	return updated, nil
}

func (s *SQLiteStore) UpdatePledgeRoster(ctx context.Context, id string, updateFn func(model.Pledge, []model.Contributor) (model.Pledge, []model.Contributor, error)) (model.Pledge, []model.Contributor, error) {
	var (
		updated model.Pledge
		written []model.Contributor
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := getSQLPledge(tx, id)
		if err != nil {
			return err
		}
		existing, err := findSQLContributors(tx, "pledge_id = ?", id)
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
		if err := putSQLPledge(tx, updated); err != nil {
			return err
		}
		stored := make(map[string]bool, len(existing))
		for _, c := range existing {
			stored[c.ID] = true
		}
		for _, c := range written {
			row := toContributorRow(c)
			if stored[c.ID] {
				err = tx.Model(&contributorRow{}).Where("id = ?", c.ID).Select("*").Updates(&row).Error
			} else {
				err = tx.Create(&row).Error
			}
			if err != nil {
				return uniqueViolation(err)
			}
		}
		return nil
	})
	if err != nil {
		return model.Pledge{}, nil, err
	}
	return updated, written, nil
}

func putSQLPledge(tx *gorm.DB, p model.Pledge) error {
	row := toPledgeRow(p)
	res := tx.Model(&pledgeRow{}).Where("id = ?", p.ID).Select("*").Updates(&row)
	if res.Error != nil {
		return uniqueViolation(res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrPledgeNotFound
	}
	return nil
}

func (s *SQLiteStore) ListPledges(ctx context.Context, status model.PledgeStatus, limit int) ([]model.Pledge, error) {
	q := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []pledgeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Pledge, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) FindPledgeByEmail(ctx context.Context, email string) (model.Pledge, error) {
	return s.findPledge(ctx, "email_key = ?", model.EmailKey(email))
}

func (s *SQLiteStore) FindPledgeByDomain(ctx context.Context, domain string) (model.Pledge, error) {
	return s.findPledge(ctx, "domain = ?", domain)
}

func (s *SQLiteStore) findPledge(ctx context.Context, query string, arg string) (model.Pledge, error) {
	var row pledgeRow
	err := s.db.WithContext(ctx).Where(query, arg).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	if err != nil {
		return model.Pledge{}, err
	}
	return row.toModel(), nil
}

func getSQLPledge(db *gorm.DB, id string) (model.Pledge, error) {
	var row pledgeRow
	err := db.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Pledge{}, model.ErrPledgeNotFound
	}
	if err != nil {
		return model.Pledge{}, err
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) GetContributor(ctx context.Context, id string) (model.Contributor, error) {
	return getSQLContributor(s.db.WithContext(ctx), id)
}

func (s *SQLiteStore) UpdateContributor(ctx context.Context, id string, updateFn func(model.Contributor) (model.Contributor, error)) (model.Contributor, error) {
	var updated model.Contributor
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := getSQLContributor(tx, id)
		if err != nil {
			return err
		}
		updated, err = updateFn(current)
		if err != nil {
			return err
		}
		updated.ID, updated.PledgeID, updated.Username = current.ID, current.PledgeID, current.Username
		row := toContributorRow(updated)
		return tx.Model(&contributorRow{}).Where("id = ?", id).Select("*").Updates(&row).Error
	})
	if err != nil {
		return model.Contributor{}, err
	}
	return updated, nil
}

func (s *SQLiteStore) ListContributors(ctx context.Context, pledgeID string) ([]model.Contributor, error) {
	return findSQLContributors(s.db.WithContext(ctx), "pledge_id = ?", pledgeID)
}

func (s *SQLiteStore) ListContributorsByUsername(ctx context.Context, username string) ([]model.Contributor, error) {
	return findSQLContributors(s.db.WithContext(ctx), "username = ?", username)
}

func getSQLContributor(db *gorm.DB, id string) (model.Contributor, error) {
	var row contributorRow
	err := db.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Contributor{}, model.ErrContributorNotFound
	}
	if err != nil {
		return model.Contributor{}, err
	}
	return row.toModel(), nil
}

func findSQLContributors(db *gorm.DB, query string, arg string) ([]model.Contributor, error) {
	var rows []contributorRow
	if err := db.Where(query, arg).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Contributor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot model.StatsSnapshot) (model.StatsSnapshot, error) {
	snapshot.ID = model.NewID()
	row := snapshotRow(snapshot)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.StatsSnapshot{}, err
	}
	return snapshot, nil
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]model.StatsSnapshot, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []snapshotRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.StatsSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.StatsSnapshot(r))
	}
	return out, nil
}

// uniqueViolation maps SQLite constraint failures onto store sentinels.
func uniqueViolation(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	switch {
	case strings.Contains(msg, "email_key"):
		return model.ErrEmailTaken
	case strings.Contains(msg, "pledges.domain"):
		return model.ErrDomainTaken
	case strings.Contains(msg, "contributors.username"):
		return model.ErrContributorExists
	}
	return err
}

func toPledgeRow(p model.Pledge) pledgeRow {
	row := pledgeRow{
		ID:                    p.ID,
		OrgName:               p.OrgName,
		OrgDescription:        p.OrgDescription,
		OrgURL:                p.OrgURL,
		Domain:                p.Domain,
		Email:                 p.Email,
		EmailKey:              p.EmailKey(),
		EmailConfirmed:        p.EmailConfirmed,
		Status:                string(p.Status),
		ConfirmedContributors: p.ConfirmedContributors,
		TotalHours:            p.TotalHours,
		RecomputedAt:          p.RecomputedAt,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
	if p.DeletedAt != nil {
		row.DeletedAt = gorm.DeletedAt{Time: *p.DeletedAt, Valid: true}
	}
	return row
}

func (r pledgeRow) toModel() model.Pledge {
	p := model.Pledge{
		ID:                    r.ID,
		OrgName:               r.OrgName,
		OrgDescription:        r.OrgDescription,
		OrgURL:                r.OrgURL,
		Domain:                r.Domain,
		Email:                 r.Email,
		EmailConfirmed:        r.EmailConfirmed,
		Status:                model.PledgeStatus(r.Status),
		ConfirmedContributors: r.ConfirmedContributors,
		TotalHours:            r.TotalHours,
		RecomputedAt:          r.RecomputedAt,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		p.DeletedAt = &t
	}
	return p
}

func toContributorRow(c model.Contributor) contributorRow {
	return contributorRow{
		ID:        c.ID,
		PledgeID:  c.PledgeID,
		Username:  c.Username,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (r contributorRow) toModel() model.Contributor {
	return model.Contributor{
		ID:        r.ID,
		PledgeID:  r.PledgeID,
		Username:  r.Username,
		Status:    model.ContributorStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
