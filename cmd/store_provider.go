package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/config"
	"github.com/pkgsentry/pkgsentry/internal/observability"
	"github.com/pkgsentry/pkgsentry/internal/store"
)

// resultStore is the slice of the store the commands need. An interface so
// tests can inject a mock instead of a live database connection.
type resultStore interface {
	PersistResult(ctx context.Context, envelope *schemas.ResultEnvelope) error
	GetRunSummary(ctx context.Context, runID string) (*schemas.ResultEnvelope, error)
}

// storeProvider creates a resultStore together with a cleanup function that
// releases its resources.
type storeProvider interface {
	Create(ctx context.Context, cfg *config.Config) (resultStore, func(), error)
}

// defaultStoreProvider is the production implementation backed by a
// PostgreSQL connection pool.
type defaultStoreProvider struct{}

// NewStoreProvider returns the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg *config.Config) (resultStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (PKGSENTRY_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed")
	}
	return storeService, cleanup, nil
}
