package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hashaudit/internal/config"
	"github.com/ehr/hashaudit/internal/domain/hashaudit"
	"github.com/ehr/hashaudit/internal/platform/db"
	"github.com/ehr/hashaudit/internal/platform/fhir"
	"github.com/ehr/hashaudit/internal/platform/mongodb"
)

// app holds the services shared by the server and the maintenance commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    hashaudit.Store
	history  fhir.HistoryStore
	writer   *hashaudit.Writer
	chain    *hashaudit.Chain
	svc      *hashaudit.Service
	verifier *hashaudit.Verifier
	tracker  *fhir.VersionTracker

	// poolStats is nil for backends without a connection pool.
	poolStats func() interface{}
	close     func()
}

// backend is what a store backend contributes to the app.
type backend struct {
	store     hashaudit.Store
	history   fhir.HistoryStore
	poolStats func() interface{}
	close     func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to postgres")
		return &backend{
			store:     hashaudit.NewPGStore(pool),
			history:   fhir.NewHistoryRepository(pool),
			poolStats: db.PoolStatsFunc(pool),
			close:     pool.Close,
		}, nil

	case config.BackendMongo:
		client, err := mongodb.Connect(ctx, mongodb.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, err
		}
		store := hashaudit.NewMongoStore(client.DB)
		history := fhir.NewMongoHistory(client.DB)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("audit indexes: %w", err)
		}
		if err := history.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("history indexes: %w", err)
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongodb")
		return &backend{
			store:   store,
			history: history,
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Disconnect(ctx)
			},
		}, nil

	case config.BackendMemory:
		logger.Warn().Msg("using in-memory store; audit records are lost on restart")
		return &backend{
			store:   hashaudit.NewMemoryStore(),
			history: fhir.NewInMemoryHistory(),
			close:   func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func newApp(cfg *config.Config, logger zerolog.Logger, b *backend) *app {
	writer := hashaudit.NewWriter(b.store, logger)
	chain := hashaudit.NewChain(b.store, writer)
	tracker := fhir.NewVersionTracker(b.history)
	tracker.AddListener(chain)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     b.store,
		history:   b.history,
		writer:    writer,
		chain:     chain,
		svc:       hashaudit.NewService(b.store, chain, logger),
		verifier:  hashaudit.NewVerifier(b.store, writer, b.history, cfg.ChainVerifyBatchSize, logger),
		tracker:   tracker,
		poolStats: b.poolStats,
		close:     b.close,
	}
}

// withApp loads the config, opens the configured backend and runs fn.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a := newApp(cfg, logger, b)
	defer a.close()
	return fn(a)
}
