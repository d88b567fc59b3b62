//go:build integration

package maintenance

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/parex/parex/internal/catalog"
	catalogpostgres "github.com/parex/parex/internal/catalog/postgres"
	"github.com/parex/parex/internal/migrations"
	"github.com/parex/parex/internal/storage"
	"github.com/parex/parex/internal/storage/local"
)

func TestRetentionPurgesExpiredSessionFromRegistryAndStore(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("PAREX_TEST_CATALOG_DSN"))
	if adminDSN == "" {
		t.Skip("PAREX_TEST_CATALOG_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN, "maintenance")
	defer cleanup()

	db, err := sql.Open("pgx", testDSN)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}

	store, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New() error = %v", err)
	}
	repo := catalogpostgres.NewRepository(db)
	now := time.Now().UTC()
	registerSession(t, ctx, repo, store, "expired", now.Add(-time.Hour))
	registerSession(t, ctx, repo, store, "live", now.Add(time.Hour))

	svc := &Service{Catalog: repo, ObjectStore: store}
	summary, err := svc.RunRetentionOnce(ctx)
	if err != nil {
		t.Fatalf("RunRetentionOnce() error = %v", err)
	}
	if summary.SessionsPurged != 1 || summary.ObjectsDeleted != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, err := repo.GetSession(ctx, "projects/it/locations/local/sessions/expired"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("GetSession(expired) error = %v, want ErrNotFound", err)
	}
	remaining, err := store.List(ctx, "it/sessions/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining objects = %+v", remaining)
	}

	integrity, err := svc.RunIntegrityCheckOnce(ctx)
	if err != nil {
		t.Fatalf("RunIntegrityCheckOnce() error = %v", err)
	}
	if integrity.SessionsScanned != 1 || integrity.StreamsChecked != 2 {
		t.Fatalf("integrity = %+v", integrity)
	}
}

func registerSession(t *testing.T, ctx context.Context, repo *catalogpostgres.Repository, store storage.ObjectStore, id string, expire time.Time) {
	t.Helper()
	in := catalog.RegisterSessionInput{
		Session: catalog.Session{
			SessionName: "projects/it/locations/local/sessions/" + id,
			SessionID:   id,
			Project:     "it",
			TableRef:    "it._results.anon_1",
			DataFormat:  "arrow",
			ExpireTime:  expire,
		},
	}
	for i := 0; i < 2; i++ {
		key, err := storage.BuildStreamObjectKey("it", id, i, "arrow")
		if err != nil {
			t.Fatalf("BuildStreamObjectKey() error = %v", err)
		}
		payload := []byte(fmt.Sprintf("%s-%d", id, i))
		if _, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		in.Streams = append(in.Streams, catalog.SessionStream{StreamIndex: i, ObjectKey: key, RowCount: 1, SizeBytes: int64(len(payload))})
	}
	if err := repo.RegisterSession(ctx, in); err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
}

func createTemporaryDatabase(t *testing.T, adminDSN, prefix string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("parex_it_%s_%d", prefix, time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name
	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testURL.String(), cleanup
}
