package parex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	catalogpostgres "github.com/parex/parex/internal/catalog/postgres"
	"github.com/parex/parex/internal/config"
	"github.com/parex/parex/internal/maintenance"
	"github.com/parex/parex/internal/storage"
	"github.com/parex/parex/internal/storage/local"
	s3store "github.com/parex/parex/internal/storage/s3"
	"github.com/parex/parex/internal/warehouse"
	"github.com/parex/parex/internal/warehouse/duckdb"
	"github.com/parex/parex/internal/warehouse/streamread"
)

type SourceLoader interface {
	LoadSources(ctx context.Context, sources []duckdb.Source) error
}

type Maintainer interface {
	Run(ctx context.Context) error
	RunRetentionOnce(ctx context.Context) (maintenance.RetentionSummary, error)
	RunIntegrityCheckOnce(ctx context.Context) (maintenance.IntegritySummary, error)
}

// Requirements tells a BackendFactory which collaborators a command uses.
type Requirements struct {
	Warehouse   bool
	Maintenance bool
}

// Backend holds the collaborators commands run against. Fields a command
// did not require may be nil.
type Backend struct {
	Queries     warehouse.QueryService
	Sessions    warehouse.SessionService
	Sources     SourceLoader
	Opener      warehouse.StreamOpener
	Maintenance Maintainer

	closers []func() error
}

func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

type BackendFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger, req Requirements) (*Backend, error)

// OpenBackend wires the embedded DuckDB warehouse, the configured object
// store and, when a catalog DSN is set, the Postgres session registry.
func OpenBackend(ctx context.Context, cfg config.Config, logger *slog.Logger, req Requirements) (_ *Backend, err error) {
	backend := &Backend{}
	defer func() {
		if err != nil {
			_ = backend.Close()
		}
	}()

	store, err := openObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, err
	}

	var repo *catalogpostgres.Repository
	if cfg.Catalog.DSN != "" {
		db, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
			DSN:             cfg.Catalog.DSN,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open catalog db: %w", err)
		}
		backend.closers = append(backend.closers, db.Close)
		repo = catalogpostgres.NewRepository(db)
	}

	client := &streamread.Client{Store: store}
	if repo != nil {
		client.Sessions = repo
	}
	backend.Opener = client

	if req.Warehouse {
		db, err := duckdb.Open(ctx, cfg.Warehouse.DatabasePath)
		if err != nil {
			return nil, err
		}
		backend.closers = append(backend.closers, db.Close)
		wh := &duckdb.Warehouse{
			DB:    db,
			Store: store,
			Config: duckdb.Config{
				Project:             cfg.Warehouse.Project,
				ResultDataset:       cfg.Warehouse.ResultDataset,
				TargetRowsPerStream: cfg.Warehouse.TargetRowsPerStream,
				MaxStreams:          cfg.Warehouse.MaxStreams,
				SessionTTL:          cfg.Warehouse.SessionTTL,
				ArrowBatchRows:      cfg.Warehouse.ArrowBatchRows,
				PartitionWriters:    cfg.Warehouse.PartitionWriters,
				DisableQueryCache:   !cfg.Warehouse.UseQueryCache,
			},
			Logger: logger,
		}
		if repo != nil {
			wh.Registry = repo
		}
		backend.Queries = wh
		backend.Sessions = wh
		backend.Sources = wh
	}

	if req.Maintenance {
		if repo == nil {
			return nil, fmt.Errorf("PAREX_CATALOG_DSN is required for maintenance commands")
		}
		backend.Maintenance = &maintenance.Service{
			Catalog:     repo,
			ObjectStore: store,
			Config: maintenance.Config{
				RetentionInterval:     cfg.Maintenance.RetentionInterval,
				PurgeLimit:            cfg.Maintenance.PurgeLimit,
				IntegritySessionLimit: cfg.Maintenance.PurgeLimit,
			},
			Logger: logger,
		}
	}
	return backend, nil
}

func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case config.ObjectStoreS3:
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.Endpoint,
			Region:           cfg.Region,
			Bucket:           cfg.Bucket,
			AccessKeyID:      cfg.AccessKeyID,
			SecretAccessKey:  cfg.SecretAccessKey,
			UseSSL:           cfg.UseSSL,
			Prefix:           cfg.Prefix,
			AutoCreateBucket: cfg.AutoCreateBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize s3 object store: %w", err)
		}
		return store, nil
	default:
		store, err := local.New(cfg.LocalRoot)
		if err != nil {
			return nil, fmt.Errorf("initialize local object store: %w", err)
		}
		return store, nil
	}
}
