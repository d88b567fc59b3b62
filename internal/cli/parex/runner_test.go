package parex

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parex/parex/internal/config"
	"github.com/parex/parex/internal/maintenance"
	"github.com/parex/parex/internal/session"
	"github.com/parex/parex/internal/sink"
	"github.com/parex/parex/internal/warehouse"
	"github.com/parex/parex/internal/warehouse/duckdb"
)

var testNow = time.Date(2026, time.October, 17, 10, 0, 0, 0, time.UTC)

func TestRunConstructWritesDescriptor(t *testing.T) {
	backend := newFakeBackend()
	path := filepath.Join(t.TempDir(), "session.bin")
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{
		"construct", path,
		"--num-streams", "3",
		"--format", "parquet",
		"--query", "SELECT * FROM events",
		"--source", "events=raw/a.parquet,raw/b.parquet",
	}, testOptions(t, backend, &stdout, &stderr))
	if code != ExitOK {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}

	got, err := session.Load(path)
	if err != nil {
		t.Fatalf("session.Load() error = %v", err)
	}
	if got.Name != backend.sessions.session.Name || len(got.Streams) != 3 {
		t.Fatalf("descriptor = %+v", got)
	}
	if backend.sessions.got.MaxStreams != 3 || backend.sessions.got.Format != warehouse.FormatParquet {
		t.Fatalf("session request = %+v", backend.sessions.got)
	}
	if backend.queries.got.Statement != "SELECT * FROM events" || !backend.queries.got.UseCache {
		t.Fatalf("query = %+v", backend.queries.got)
	}
	if len(backend.sources.got) != 1 || len(backend.sources.got[0].ObjectKeys) != 2 {
		t.Fatalf("sources = %+v", backend.sources.got)
	}
	if !backend.req.Warehouse {
		t.Fatal("construct did not require the warehouse")
	}
	if !strings.Contains(stdout.String(), "3 stream(s)") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunConstructQueryErrorWritesNoDescriptor(t *testing.T) {
	backend := newFakeBackend()
	backend.queries.err = &warehouse.QueryError{Statement: "SELEC", Err: errors.New("syntax error")}
	path := filepath.Join(t.TempDir(), "session.bin")
	var stderr bytes.Buffer

	code := Run(context.Background(), []string{"construct", "--query", "SELEC", path}, testOptions(t, backend, nil, &stderr))
	if code != ExitFatal {
		t.Fatalf("exit code = %d, want %d", code, ExitFatal)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("descriptor exists after query failure: %v", err)
	}
	if !strings.Contains(stderr.String(), "syntax error") {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if backend.sessions.calls != 0 {
		t.Fatalf("CreateReadSession called %d times", backend.sessions.calls)
	}
}

func TestRunConstructUsageErrors(t *testing.T) {
	dir := t.TempDir()
	queryFile := filepath.Join(dir, "q.sql")
	if err := os.WriteFile(queryFile, []byte("SELECT 1"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	path := filepath.Join(dir, "session.bin")
	cases := [][]string{
		{"construct", "--query", "SELECT 1"},
		{"construct", path},
		{"construct", path, "--query", "SELECT 1", "--query-file", queryFile},
		{"construct", path, "--query", "SELECT 1", "--num-streams", "-1"},
		{"construct", path, "--query", "SELECT 1", "--format", "avro"},
		{"construct", path, "--query", "SELECT 1", "--source", "events"},
		{"construct", path, "extra", "--query", "SELECT 1"},
	}
	for _, args := range cases {
		backend := newFakeBackend()
		if code := Run(context.Background(), args, testOptions(t, backend, nil, nil)); code != ExitUsage {
			t.Fatalf("Run(%v) exit code = %d, want %d", args, code, ExitUsage)
		}
		if backend.opened {
			t.Fatalf("Run(%v) opened the backend", args)
		}
	}
}

func TestRunConstructReadsQueryFile(t *testing.T) {
	backend := newFakeBackend()
	dir := t.TempDir()
	queryFile := filepath.Join(dir, "q.sql")
	if err := os.WriteFile(queryFile, []byte("SELECT 42\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	code := Run(context.Background(), []string{"construct", filepath.Join(dir, "s.bin"), "--query-file", queryFile}, testOptions(t, backend, nil, nil))
	if code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if backend.queries.got.Statement != "SELECT 42\n" {
		t.Fatalf("statement = %q", backend.queries.got.Statement)
	}
	if backend.sessions.got.Format != warehouse.FormatArrow {
		t.Fatalf("format = %v, want configured arrow", backend.sessions.got.Format)
	}
}

func TestRunConsumeReportsAndFailsOnPartialExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.bin")
	saveSession(t, path, testNow.Add(time.Hour), "s0", "s1", "s2")
	outputDir := filepath.Join(dir, "out")

	for _, tc := range []struct {
		args []string
		want int
	}{
		{args: []string{"consume", path, "--output-dir", outputDir}, want: ExitPartialExport},
		{args: []string{"consume", "--allow-partial", "--output-dir", outputDir, path}, want: ExitOK},
	} {
		backend := newFakeBackend()
		var stdout, stderr bytes.Buffer
		code := Run(context.Background(), tc.args, testOptions(t, backend, &stdout, &stderr))
		if code != tc.want {
			t.Fatalf("Run(%v) exit code = %d, want %d, stderr=%s", tc.args, code, tc.want, stderr.String())
		}
		if !strings.Contains(stdout.String(), "streams: 2") || !strings.Contains(stdout.String(), "rows: 2") {
			t.Fatalf("report = %s", stdout.String())
		}
		if !strings.Contains(stderr.String(), "stream failed") {
			t.Fatalf("stderr missing stream failure log: %s", stderr.String())
		}
		if backend.req.Warehouse || backend.req.Maintenance {
			t.Fatalf("consume requirements = %+v", backend.req)
		}
	}

	for _, index := range []int{0, 1} {
		if _, err := os.Stat(filepath.Join(outputDir, sink.FileName(index))); err != nil {
			t.Fatalf("stream %d sink missing: %v", index, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(outputDir, sink.FileName(0)))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "id,name\n1,a\n2,b\n" {
		t.Fatalf("stream 0 csv = %q", data)
	}
}

func TestRunConsumeExpiredDescriptorAbortsBeforeSinks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.bin")
	saveSession(t, path, testNow.Add(-time.Minute), "s0")
	outputDir := filepath.Join(dir, "out")
	backend := newFakeBackend()
	var stderr bytes.Buffer

	code := Run(context.Background(), []string{"consume", path, "--output-dir", outputDir}, testOptions(t, backend, nil, &stderr))
	if code != ExitFatal {
		t.Fatalf("exit code = %d, want %d", code, ExitFatal)
	}
	if backend.opened {
		t.Fatal("backend opened for an expired descriptor")
	}
	if _, err := os.Stat(outputDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("output dir created for an expired descriptor: %v", err)
	}
	if !strings.Contains(stderr.String(), "expired") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunConsumeCorruptDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.bin")
	if err := os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"consume", path}, testOptions(t, newFakeBackend(), &stdout, nil))
	if code != ExitFatal {
		t.Fatalf("exit code = %d, want %d", code, ExitFatal)
	}
	if stdout.Len() != 0 {
		t.Fatalf("report printed for a corrupt descriptor: %s", stdout.String())
	}
}

func TestRunPurgeAndVerify(t *testing.T) {
	backend := newFakeBackend()
	var stdout bytes.Buffer
	if code := Run(context.Background(), []string{"purge", "--limit", "7"}, testOptions(t, backend, &stdout, nil)); code != ExitOK {
		t.Fatalf("purge exit code = %d", code)
	}
	if backend.cfg.Maintenance.PurgeLimit != 7 || !backend.req.Maintenance {
		t.Fatalf("purge backend cfg = %+v req = %+v", backend.cfg.Maintenance, backend.req)
	}
	if !strings.Contains(stdout.String(), `"sessions_purged": 2`) {
		t.Fatalf("purge output = %s", stdout.String())
	}

	backend = newFakeBackend()
	backend.maintainer.integrityErr = errors.New("integrity check found 1 issue(s)")
	stdout.Reset()
	if code := Run(context.Background(), []string{"verify"}, testOptions(t, backend, &stdout, nil)); code != ExitFatal {
		t.Fatalf("verify exit code = %d, want %d", code, ExitFatal)
	}
	if !strings.Contains(stdout.String(), `"missing_objects": 1`) {
		t.Fatalf("verify output = %s", stdout.String())
	}
}

func TestRunPurgeWatchUsesInterval(t *testing.T) {
	backend := newFakeBackend()
	if code := Run(context.Background(), []string{"purge", "--watch", "30s"}, testOptions(t, backend, nil, nil)); code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if !backend.maintainer.ran || backend.cfg.Maintenance.RetentionInterval != 30*time.Second {
		t.Fatalf("ran = %v cfg = %+v", backend.maintainer.ran, backend.cfg.Maintenance)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	if code := Run(context.Background(), []string{"export"}, testOptions(t, newFakeBackend(), nil, &stderr)); code != ExitUsage {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "usage: parex") {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if code := Run(context.Background(), nil, Options{}); code != ExitUsage {
		t.Fatalf("exit code without args = %d", code)
	}
}

func testOptions(t *testing.T, backend *fakeBackend, stdout, stderr *bytes.Buffer) Options {
	t.Helper()
	cfg, err := config.Load("parex", func(key string) (string, bool) {
		if key == "PAREX_PROFILE" {
			return "test", true
		}
		return "", false
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Observability.LogLevel = slog.LevelInfo
	opts := Options{Config: cfg, NewBackend: backend.open, Clock: func() time.Time { return testNow }}
	if stdout != nil {
		opts.Stdout = stdout
	}
	if stderr != nil {
		opts.Stderr = stderr
	}
	return opts
}

func saveSession(t *testing.T, path string, expire time.Time, streams ...string) {
	t.Helper()
	readSession := &warehouse.ReadSession{
		Name:       "projects/p/locations/local/sessions/cli",
		ExpireTime: expire,
		Format:     warehouse.FormatArrow,
		Table:      warehouse.TableReference{Project: "p", Dataset: "_results", Table: "anon_1"},
	}
	for _, name := range streams {
		readSession.Streams = append(readSession.Streams, warehouse.Stream{Name: name})
	}
	if err := session.Save(path, readSession); err != nil {
		t.Fatalf("session.Save() error = %v", err)
	}
}

type fakeBackend struct {
	queries    *fakeQueries
	sessions   *fakeSessions
	sources    *fakeSources
	maintainer *fakeMaintainer
	opened     bool
	cfg        config.Config
	req        Requirements
}

func newFakeBackend() *fakeBackend {
	table := warehouse.TableReference{Project: "p", Dataset: "_results", Table: "anon_1"}
	return &fakeBackend{
		queries: &fakeQueries{table: table},
		sessions: &fakeSessions{session: &warehouse.ReadSession{
			Name:       "projects/p/locations/local/sessions/new",
			ExpireTime: testNow.Add(time.Hour),
			Format:     warehouse.FormatParquet,
			Table:      table,
			Streams:    []warehouse.Stream{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		}},
		sources:    &fakeSources{},
		maintainer: &fakeMaintainer{},
	}
}

func (f *fakeBackend) open(_ context.Context, cfg config.Config, _ *slog.Logger, req Requirements) (*Backend, error) {
	f.opened = true
	f.cfg = cfg
	f.req = req
	return &Backend{
		Queries:     f.queries,
		Sessions:    f.sessions,
		Sources:     f.sources,
		Opener:      fakeOpener{},
		Maintenance: f.maintainer,
	}, nil
}

type fakeQueries struct {
	table warehouse.TableReference
	err   error
	got   warehouse.Query
}

func (f *fakeQueries) Submit(_ context.Context, query warehouse.Query) (warehouse.Job, error) {
	f.got = query
	return fakeJob{table: f.table, err: f.err}, nil
}

type fakeJob struct {
	table warehouse.TableReference
	err   error
}

func (j fakeJob) ID() string { return "job-1" }

func (j fakeJob) Wait(context.Context) (warehouse.TableReference, error) {
	return j.table, j.err
}

type fakeSessions struct {
	session *warehouse.ReadSession
	got     warehouse.CreateReadSessionRequest
	calls   int
}

func (f *fakeSessions) CreateReadSession(_ context.Context, req warehouse.CreateReadSessionRequest) (*warehouse.ReadSession, error) {
	f.calls++
	f.got = req
	return f.session, nil
}

type fakeSources struct {
	got []duckdb.Source
}

func (f *fakeSources) LoadSources(_ context.Context, sources []duckdb.Source) error {
	f.got = sources
	return nil
}

// fakeOpener serves two rows on s0, nothing on s1 and fails s2.
type fakeOpener struct{}

func (fakeOpener) OpenRowIterator(_ context.Context, _ *warehouse.ReadSession, position warehouse.StreamPosition) (warehouse.RowIterator, error) {
	switch position.Stream.Name {
	case "s0":
		columns := []string{"name", "id"}
		return &sliceIterator{rows: []warehouse.Row{
			{Columns: columns, Values: []warehouse.Value{warehouse.StringValue("a"), warehouse.Int64Value(1)}},
			{Columns: columns, Values: []warehouse.Value{warehouse.StringValue("b"), warehouse.Int64Value(2)}},
		}}, nil
	case "s1":
		return &sliceIterator{}, nil
	default:
		return nil, errors.New("connection reset")
	}
}

type sliceIterator struct {
	rows []warehouse.Row
	pos  int
}

func (it *sliceIterator) Next(context.Context) (warehouse.Row, error) {
	if it.pos >= len(it.rows) {
		return warehouse.Row{}, warehouse.Done
	}
	row := it.rows[it.pos]
	it.pos++
	return row, nil
}

func (it *sliceIterator) Close() error { return nil }

type fakeMaintainer struct {
	ran          bool
	integrityErr error
}

func (f *fakeMaintainer) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeMaintainer) RunRetentionOnce(context.Context) (maintenance.RetentionSummary, error) {
	return maintenance.RetentionSummary{SessionsScanned: 2, SessionsPurged: 2, ObjectsDeleted: 5}, nil
}

func (f *fakeMaintainer) RunIntegrityCheckOnce(context.Context) (maintenance.IntegritySummary, error) {
	return maintenance.IntegritySummary{SessionsScanned: 1, StreamsChecked: 3, MissingObjects: 1}, f.integrityErr
}
