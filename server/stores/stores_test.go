package stores

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/datastore"
	"github.com/joho/godotenv"
	"github.com/mscno/pledges/server/pledges"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"google.golang.org/api/option"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) pledges.Store {
		return NewMemoryStore()
	})
}

func TestBoltStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) pledges.Store {
		db, err := bbolt.Open(filepath.Join(t.TempDir(), "pledges.db"), 0600, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		store, err := NewBoltStore(db)
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) pledges.Store {
		db, err := OpenSQLite(filepath.Join(t.TempDir(), "pledges.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		store, err := NewSQLiteStore(db)
		require.NoError(t, err)
		return store
	})
}

// TestDatastoreStore runs against the Datastore emulator configured in
// .env.test and is skipped when no emulator is available.
func TestDatastoreStore(t *testing.T) {
	_ = godotenv.Load("../../.env.test")
	host := os.Getenv("DATASTORE_EMULATOR_HOST")
	if host == "" {
		t.Skip("DATASTORE_EMULATOR_HOST not set")
	}
	projectID := os.Getenv("TEST_DATASTORE_PROJECT")
	if projectID == "" {
		projectID = "pledges-test"
	}

	runStoreSuite(t, func(t *testing.T) pledges.Store {
		ctx := context.Background()
		client, err := datastore.NewClient(ctx, projectID,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
		)
		require.NoError(t, err, "failed to create datastore client")
		t.Cleanup(func() { _ = client.Close() })

		for _, kind := range []string{pledgeKind, pledgeEmailKind, pledgeDomainKind, contributorKind, snapshotKind} {
			keys, err := client.GetAll(ctx, datastore.NewQuery(kind).KeysOnly(), nil)
			require.NoError(t, err)
			if len(keys) > 0 {
				require.NoError(t, client.DeleteMulti(ctx, keys), "failed to clear %s entities", kind)
			}
		}
		return NewDatastoreStore(slog.New(slog.NewTextHandler(os.Stderr, nil)), client)
	})
}
