package app

import (
	"context"
	"fmt"

	"accounts/cmd/identity"
	"accounts/cmd/internal/app/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
)

// storeHandle owns the identity store and the driver resources behind it.
type storeHandle struct {
	identity.Store

	pool  *pgxpool.Pool
	mongo *mongo.Client
}

// Close releases driver resources. The memory store has none.
func (h storeHandle) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.mongo != nil {
		return h.mongo.Disconnect(ctx)
	}
	return nil
}

// openStore builds the identity store selected by cfg.Store.
func openStore(ctx context.Context, cfg Config, log Logger) (storeHandle, error) {
	switch cfg.Store {
	case StorePostgres:
		return openPostgres(ctx, cfg, log)
	case StoreMongo:
		return openMongo(ctx, cfg, log)
	case StoreMemory, "":
		log.Info("store.memory")
		return storeHandle{Store: identity.NewMemoryStore()}, nil
	default:
		return storeHandle{}, fmt.Errorf("%w: unknown store %q", ErrConfig, cfg.Store)
	}
}

func openPostgres(ctx context.Context, cfg Config, log Logger) (storeHandle, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return storeHandle{}, err
	}

	if cfg.DBMigrate {
		applied, err := migrations.Up(ctx, pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return storeHandle{}, err
		}
		log.Info("store.postgres.migrated", "schema", cfg.DBSchema, "applied", applied)
	}

	st, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return storeHandle{}, err
	}

	log.Info("store.postgres", "schema", cfg.DBSchema)
	return storeHandle{Store: st, pool: pool}, nil
}

func openMongo(ctx context.Context, cfg Config, log Logger) (storeHandle, error) {
	client, err := NewMongoClient(ctx, cfg)
	if err != nil {
		return storeHandle{}, err
	}

	st, err := identity.NewMongoStore(client.Database(cfg.MongoDatabase))
	if err == nil {
		err = st.EnsureIndexes(ctx)
	}
	if err != nil {
		_ = client.Disconnect(context.Background())
		return storeHandle{}, err
	}

	log.Info("store.mongo", "database", cfg.MongoDatabase)
	return storeHandle{Store: st, mongo: client}, nil
}
