package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/datastore"
	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/bbolt"
	"google.golang.org/api/option"

	"github.com/mscno/pledges/pkg/captoken"
	"github.com/mscno/pledges/pkg/config"
	"github.com/mscno/pledges/pkg/platform"
	"github.com/mscno/pledges/server"
	"github.com/mscno/pledges/server/notify"
	"github.com/mscno/pledges/server/pledges"
	"github.com/mscno/pledges/server/stores"
)

// openStore opens the configured backend. The returned close function
// releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pledges.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("using in-memory storage, pledges are lost on restart")
		return stores.NewMemoryStore(), noop, nil
	case config.StorageBolt:
		db, err := bbolt.Open(cfg.BoltPath, 0o600, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bolt database: %w", err)
		}
		store, err := stores.NewBoltStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	case config.StorageSQLite:
		db, err := stores.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, err := stores.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return store, sqlDB.Close, nil
	case config.StorageDatastore:
		var opts []option.ClientOption
		if cfg.DatastoreEndpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.DatastoreEndpoint), option.WithoutAuthentication())
		}
		client, err := datastore.NewClientWithDatabase(ctx, cfg.DatastoreProject, cfg.DatastoreDatabase, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create datastore client: %w", err)
		}
		return stores.NewDatastoreStore(logger, client), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
}

func newTokens(cfg *config.Config) (*captoken.Service, error) {
	var opts []captoken.Option
	if cfg.PreviousTokenSecret != "" {
		opts = append(opts, captoken.WithRetiredSecret([]byte(cfg.PreviousTokenSecret), cfg.PreviousTokenSecretValidUntil))
	}
	return captoken.New([]byte(cfg.TokenSecret), opts...)
}

func newPlatform(cfg *config.Config, logger *slog.Logger) (*server.PlatformAdapter, error) {
	if cfg.PlatformURL == "" {
		return nil, errors.New("platform-url is required")
	}
	client, err := platform.New(platform.Config{
		BaseURL:           cfg.PlatformURL,
		ClientID:          cfg.PlatformClientID,
		ClientSecret:      cfg.PlatformClientSecret,
		TokenURL:          cfg.PlatformTokenURL,
		RequestsPerSecond: cfg.PlatformRPS,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	return server.NewPlatformAdapter(client), nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) pledges.Notifier {
	if cfg.MailerWebhookURL == "" {
		logger.Warn("no mailer webhook configured, emails are only logged")
		return notify.NewLogNotifier(logger)
	}
	return notify.NewWebhookNotifier(cfg.MailerWebhookURL, cfg.MailerFrom, notify.WithLogger(logger))
}

// app is the service with everything it was built from.
type app struct {
	svc      *pledges.Service
	platform *server.PlatformAdapter
	close    func() error
}

func newApp(ctx *cliCtx, reg prometheus.Registerer) (*app, error) {
	cfg := ctx.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	tokens, err := newTokens(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := newPlatform(cfg, ctx.Logger)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStore(ctx, cfg, ctx.Logger)
	if err != nil {
		return nil, err
	}
	svc, err := pledges.NewService(store, tokens, adapter, adapter, newNotifier(cfg, ctx.Logger),
		pledges.WithLogger(ctx.Logger),
		pledges.WithMetrics(pledges.NewMetrics(reg)),
		pledges.WithLinks(pledges.Links{BaseURL: cfg.BaseURL, ProfileEditURL: cfg.ProfileEditURL}),
		pledges.WithConfirmTTL(cfg.ConfirmTokenTTL),
		pledges.WithSweepLimit(cfg.SweepMaxPledges),
	)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	return &app{svc: svc, platform: adapter, close: closeStore}, nil
}
