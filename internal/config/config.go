package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	ObjectStoreLocal = "local"
	ObjectStoreS3    = "s3"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	Warehouse     WarehouseConfig
	Catalog       CatalogConfig
	ObjectStore   ObjectStoreConfig
	Export        ExportConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type WarehouseConfig struct {
	Project             string
	DatabasePath        string
	ResultDataset       string
	Format              string
	UseQueryCache       bool
	TargetRowsPerStream int64
	MaxStreams          int
	SessionTTL          time.Duration
	ArrowBatchRows      int
	PartitionWriters    int
}

type CatalogConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ObjectStoreConfig struct {
	Backend          string
	LocalRoot        string
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ExportConfig struct {
	OutputDir     string
	StreamTimeout time.Duration
	AllowPartial  bool
	MetricsFile   string
}

type MaintenanceConfig struct {
	PurgeLimit        int
	RetentionInterval time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("PAREX_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid PAREX_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "PAREX_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "PAREX_WAREHOUSE_PROJECT", &cfg.Warehouse.Project) },
		func() error { return applyString(lookup, "PAREX_WAREHOUSE_DATABASE_PATH", &cfg.Warehouse.DatabasePath) },
		func() error { return applyString(lookup, "PAREX_WAREHOUSE_RESULT_DATASET", &cfg.Warehouse.ResultDataset) },
		func() error { return applyString(lookup, "PAREX_WAREHOUSE_FORMAT", &cfg.Warehouse.Format) },
		func() error { return applyBool(lookup, "PAREX_WAREHOUSE_USE_QUERY_CACHE", &cfg.Warehouse.UseQueryCache) },
		func() error {
			return applyInt64(lookup, "PAREX_WAREHOUSE_TARGET_ROWS_PER_STREAM", &cfg.Warehouse.TargetRowsPerStream)
		},
		func() error { return applyInt(lookup, "PAREX_WAREHOUSE_MAX_STREAMS", &cfg.Warehouse.MaxStreams) },
		func() error { return applyDuration(lookup, "PAREX_WAREHOUSE_SESSION_TTL", &cfg.Warehouse.SessionTTL) },
		func() error { return applyInt(lookup, "PAREX_WAREHOUSE_ARROW_BATCH_ROWS", &cfg.Warehouse.ArrowBatchRows) },
		func() error { return applyInt(lookup, "PAREX_WAREHOUSE_PARTITION_WRITERS", &cfg.Warehouse.PartitionWriters) },
		func() error { return applyString(lookup, "PAREX_CATALOG_DSN", &cfg.Catalog.DSN) },
		func() error { return applyInt(lookup, "PAREX_CATALOG_MAX_OPEN_CONNS", &cfg.Catalog.MaxOpenConns) },
		func() error { return applyInt(lookup, "PAREX_CATALOG_MAX_IDLE_CONNS", &cfg.Catalog.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "PAREX_CATALOG_CONN_MAX_IDLE_TIME", &cfg.Catalog.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "PAREX_CATALOG_CONN_MAX_LIFETIME", &cfg.Catalog.ConnMaxLifetime)
		},
		func() error { return applyString(lookup, "PAREX_OBJECTSTORE_BACKEND", &cfg.ObjectStore.Backend) },
		func() error { return applyString(lookup, "PAREX_OBJECTSTORE_LOCAL_ROOT", &cfg.ObjectStore.LocalRoot) },
		func() error { return applyString(lookup, "PAREX_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "PAREX_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "PAREX_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "PAREX_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error { return applyString(lookup, "PAREX_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey) },
		func() error { return applyBool(lookup, "PAREX_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "PAREX_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "PAREX_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyString(lookup, "PAREX_EXPORT_OUTPUT_DIR", &cfg.Export.OutputDir) },
		func() error { return applyDuration(lookup, "PAREX_EXPORT_STREAM_TIMEOUT", &cfg.Export.StreamTimeout) },
		func() error { return applyBool(lookup, "PAREX_EXPORT_ALLOW_PARTIAL", &cfg.Export.AllowPartial) },
		func() error { return applyString(lookup, "PAREX_EXPORT_METRICS_FILE", &cfg.Export.MetricsFile) },
		func() error { return applyInt(lookup, "PAREX_MAINTENANCE_PURGE_LIMIT", &cfg.Maintenance.PurgeLimit) },
		func() error {
			return applyDuration(lookup, "PAREX_MAINTENANCE_RETENTION_INTERVAL", &cfg.Maintenance.RetentionInterval)
		},
		func() error { return applyBool(lookup, "PAREX_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "PAREX_LOG_LEVEL", &cfg.Observability.LogLevel) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	cfg.ObjectStore.Backend = strings.ToLower(cfg.ObjectStore.Backend)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.Warehouse.Project == "" {
		return fmt.Errorf("warehouse project is required")
	}
	if c.Warehouse.MaxStreams <= 0 {
		return fmt.Errorf("warehouse max streams must be > 0")
	}
	if c.Warehouse.TargetRowsPerStream <= 0 {
		return fmt.Errorf("warehouse target rows per stream must be > 0")
	}
	if c.Warehouse.SessionTTL <= 0 {
		return fmt.Errorf("warehouse session ttl must be > 0")
	}
	if c.Export.StreamTimeout < 0 {
		return fmt.Errorf("export stream timeout must be >= 0")
	}
	if c.Maintenance.PurgeLimit <= 0 {
		return fmt.Errorf("maintenance purge limit must be > 0")
	}
	if c.Maintenance.RetentionInterval <= 0 {
		return fmt.Errorf("maintenance retention interval must be > 0")
	}
	switch c.ObjectStore.Backend {
	case ObjectStoreLocal:
		if c.ObjectStore.LocalRoot == "" {
			return fmt.Errorf("object store local root is required")
		}
	case ObjectStoreS3:
		if c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object store endpoint and bucket are required for s3")
		}
	default:
		return fmt.Errorf("invalid PAREX_OBJECTSTORE_BACKEND: %q", c.ObjectStore.Backend)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "parex"},
		Warehouse: WarehouseConfig{
			Project:             "local",
			DatabasePath:        "parex-warehouse.duckdb",
			ResultDataset:       "_results",
			Format:              "arrow",
			UseQueryCache:       true,
			TargetRowsPerStream: 250_000,
			MaxStreams:          32,
			SessionTTL:          6 * time.Hour,
			ArrowBatchRows:      8192,
			PartitionWriters:    4,
		},
		Catalog: CatalogConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Backend:          ObjectStoreLocal,
			LocalRoot:        "parex-objects",
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "parex",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Export: ExportConfig{
			OutputDir:     "export",
			StreamTimeout: 0,
			AllowPartial:  false,
		},
		Maintenance: MaintenanceConfig{
			PurgeLimit:        100,
			RetentionInterval: 10 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Warehouse.DatabasePath = ""
		cfg.Warehouse.SessionTTL = 15 * time.Minute
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.ObjectStore.Backend = ObjectStoreS3
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
