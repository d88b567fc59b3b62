// Package parex implements the parex command line: construct a read session
// descriptor, consume it into one CSV file per stream, and maintain the
// warehouse-side session registry.
package parex

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/parex/parex/internal/config"
	"github.com/parex/parex/internal/observability"
	"github.com/parex/parex/internal/reader"
	"github.com/parex/parex/internal/report"
	"github.com/parex/parex/internal/session"
	"github.com/parex/parex/internal/sink"
	"github.com/parex/parex/internal/warehouse"
	"github.com/parex/parex/internal/warehouse/duckdb"
)

const (
	ExitOK            = 0
	ExitFatal         = 1
	ExitUsage         = 2
	ExitPartialExport = 3
)

type Options struct {
	Config     config.Config
	NewBackend BackendFactory
	Stdout     io.Writer
	Stderr     io.Writer
	Clock      func() time.Time
}

func Run(ctx context.Context, args []string, opts Options) int {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	if opts.NewBackend == nil {
		opts.NewBackend = OpenBackend
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if len(args) < 1 {
		writeUsage(stderr)
		return ExitUsage
	}
	c := &command{opts: opts, stdout: stdout, stderr: stderr, logger: observability.NewLogger(opts.Config, stderr)}

	name := strings.TrimSpace(args[0])
	switch name {
	case "construct":
		return c.construct(ctx, args[1:])
	case "consume":
		return c.consume(ctx, args[1:])
	case "purge":
		return c.purge(ctx, args[1:])
	case "verify":
		return c.verify(ctx, args[1:])
	case "help", "-h", "-help", "--help":
		writeUsage(stdout)
		return ExitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		writeUsage(stderr)
		return ExitUsage
	}
}

type command struct {
	opts   Options
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func (c *command) construct(ctx context.Context, args []string) int {
	fs := c.flagSet("construct")
	numStreams := fs.Int("num-streams", 0, "requested number of streams; 0 lets the warehouse choose")
	format := fs.String("format", c.opts.Config.Warehouse.Format, "stream encoding: arrow|parquet")
	statement := fs.String("query", "", "SQL statement to export")
	queryFile := fs.String("query-file", "", "file holding the SQL statement to export")
	var sources []duckdb.Source
	fs.Func("source", "load a table from object store Parquet objects: table=key[,key] (repeatable)", func(raw string) error {
		source, err := duckdb.ParseSource(raw)
		if err != nil {
			return err
		}
		sources = append(sources, source)
		return nil
	})
	path, ok := parseWithPath(fs, args, c.stderr)
	if !ok {
		return ExitUsage
	}
	if *numStreams < 0 {
		_, _ = fmt.Fprintln(c.stderr, "--num-streams must be >= 0")
		return ExitUsage
	}
	dataFormat, err := warehouse.ParseDataFormat(*format)
	if err != nil {
		_, _ = fmt.Fprintln(c.stderr, err)
		return ExitUsage
	}
	sql, err := resolveStatement(*statement, *queryFile)
	if err != nil {
		_, _ = fmt.Fprintln(c.stderr, err)
		return ExitUsage
	}

	backend, err := c.opts.NewBackend(ctx, c.opts.Config, c.logger, Requirements{Warehouse: true})
	if err != nil {
		return c.fatal(ctx, "open backend", err)
	}
	defer c.closeBackend(ctx, backend)

	if len(sources) > 0 {
		if backend.Sources == nil {
			return c.fatal(ctx, "load sources", errors.New("warehouse does not support source tables"))
		}
		if err := backend.Sources.LoadSources(ctx, sources); err != nil {
			return c.fatal(ctx, "load sources", err)
		}
	}

	constructor := &session.Constructor{
		Queries:  backend.Queries,
		Sessions: backend.Sessions,
		Project:  c.opts.Config.Warehouse.Project,
		Format:   dataFormat,
		Logger:   c.logger,
		Clock:    c.opts.Clock,
	}
	readSession, err := constructor.Construct(ctx, sql, *numStreams)
	if err != nil {
		return c.fatal(ctx, "construct read session", err)
	}
	if err := session.Save(path, readSession); err != nil {
		return c.fatal(ctx, "save session descriptor", err)
	}

	_, _ = fmt.Fprintf(c.stdout, "session %s: %d stream(s), %s, expires %s\n",
		readSession.Name, len(readSession.Streams), readSession.Format, readSession.ExpireTime.Format(time.RFC3339))
	return ExitOK
}

func (c *command) consume(ctx context.Context, args []string) int {
	cfg := c.opts.Config.Export
	fs := c.flagSet("consume")
	outputDir := fs.String("output-dir", cfg.OutputDir, "directory for the per-stream CSV files")
	streamTimeout := fs.Duration("stream-timeout", cfg.StreamTimeout, "per-stream deadline; 0 means none")
	allowPartial := fs.Bool("allow-partial", cfg.AllowPartial, "exit 0 even when some streams fail")
	metricsFile := fs.String("metrics-file", cfg.MetricsFile, "write prometheus metrics to this file after the run")
	path, ok := parseWithPath(fs, args, c.stderr)
	if !ok {
		return ExitUsage
	}
	if *streamTimeout < 0 {
		_, _ = fmt.Fprintln(c.stderr, "--stream-timeout must be >= 0")
		return ExitUsage
	}

	readSession, err := session.Load(path)
	if err != nil {
		return c.fatal(ctx, "load session descriptor", err)
	}
	if readSession.Expired(c.opts.Clock()) {
		return c.fatal(ctx, "load session descriptor", fmt.Errorf("%w: session %s expired at %s",
			warehouse.ErrSessionExpired, readSession.Name, readSession.ExpireTime.Format(time.RFC3339)))
	}

	backend, err := c.opts.NewBackend(ctx, c.opts.Config, c.logger, Requirements{})
	if err != nil {
		return c.fatal(ctx, "open backend", err)
	}
	defer c.closeBackend(ctx, backend)

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		return c.fatal(ctx, "create output dir", err)
	}
	pool := &reader.Pool{
		Opener:        backend.Opener,
		Sinks:         sink.CSVFactory{Dir: *outputDir},
		Logger:        c.logger,
		Clock:         c.opts.Clock,
		StreamTimeout: *streamTimeout,
	}

	start := c.opts.Clock()
	results, err := pool.Read(ctx, readSession)
	if err != nil {
		return c.fatal(ctx, "read session", err)
	}
	wall := c.opts.Clock().Sub(start)

	summary := report.Summarize(results, wall)
	if err := report.Write(c.stdout, results, summary); err != nil {
		return c.fatal(ctx, "write report", err)
	}
	observability.SetExportSummary(wall, summary.Overall.MiBPerSecond)
	if err := observability.WriteMetricsFile(*metricsFile); err != nil {
		c.logger.WarnContext(ctx, "write metrics file failed", slog.String("path", *metricsFile), slog.Any("error", err))
	}

	failed := len(readSession.Streams) - len(results)
	if failed > 0 {
		c.logger.WarnContext(ctx, "export incomplete",
			slog.Int("streams", len(readSession.Streams)),
			slog.Int("failed_streams", failed),
			slog.Bool("allow_partial", *allowPartial),
		)
		if !*allowPartial {
			return ExitPartialExport
		}
	}
	return ExitOK
}

func (c *command) purge(ctx context.Context, args []string) int {
	fs := c.flagSet("purge")
	limit := fs.Int("limit", c.opts.Config.Maintenance.PurgeLimit, "maximum number of expired sessions purged per run")
	watch := fs.Duration("watch", 0, "keep purging at this interval until interrupted")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 0 || *limit <= 0 || *watch < 0 {
		writeUsage(c.stderr)
		return ExitUsage
	}

	cfg := c.opts.Config
	cfg.Maintenance.PurgeLimit = *limit
	if *watch > 0 {
		cfg.Maintenance.RetentionInterval = *watch
	}
	backend, err := c.opts.NewBackend(ctx, cfg, c.logger, Requirements{Maintenance: true})
	if err != nil {
		return c.fatal(ctx, "open backend", err)
	}
	defer c.closeBackend(ctx, backend)

	if *watch > 0 {
		c.logger.InfoContext(ctx, "retention worker started", slog.Duration("interval", *watch))
		if err := backend.Maintenance.Run(ctx); err != nil {
			return c.fatal(ctx, "retention worker", err)
		}
		c.logger.InfoContext(ctx, "retention worker stopped")
		return ExitOK
	}

	summary, err := backend.Maintenance.RunRetentionOnce(ctx)
	c.printJSON(summary)
	if err != nil {
		return c.fatal(ctx, "purge expired sessions", err)
	}
	return ExitOK
}

func (c *command) verify(ctx context.Context, args []string) int {
	fs := c.flagSet("verify")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}
	if fs.NArg() != 0 {
		writeUsage(c.stderr)
		return ExitUsage
	}

	backend, err := c.opts.NewBackend(ctx, c.opts.Config, c.logger, Requirements{Maintenance: true})
	if err != nil {
		return c.fatal(ctx, "open backend", err)
	}
	defer c.closeBackend(ctx, backend)

	summary, err := backend.Maintenance.RunIntegrityCheckOnce(ctx)
	c.printJSON(summary)
	if err != nil {
		return c.fatal(ctx, "verify live sessions", err)
	}
	return ExitOK
}

func (c *command) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("parex "+name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *command) fatal(ctx context.Context, step string, err error) int {
	c.logger.ErrorContext(ctx, step+" failed", slog.Any("error", err))
	_, _ = fmt.Fprintf(c.stderr, "%s: %v\n", step, err)
	return ExitFatal
}

func (c *command) closeBackend(ctx context.Context, backend *Backend) {
	if err := backend.Close(); err != nil {
		c.logger.WarnContext(ctx, "close backend failed", slog.Any("error", err))
	}
}

func (c *command) printJSON(v any) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	_, _ = fmt.Fprintln(c.stdout, string(formatted))
}

// parseWithPath parses flags that may appear before or after the single
// positional descriptor path.
func parseWithPath(fs *flag.FlagSet, args []string, stderr io.Writer) (string, bool) {
	if err := fs.Parse(args); err != nil {
		return "", false
	}
	if fs.NArg() < 1 {
		_, _ = fmt.Fprintf(stderr, "usage: %s <path> [flags]\n", fs.Name())
		return "", false
	}
	path := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return "", false
	}
	if fs.NArg() != 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return "", false
	}
	return path, true
}

func resolveStatement(statement, queryFile string) (string, error) {
	switch {
	case strings.TrimSpace(statement) != "" && queryFile != "":
		return "", fmt.Errorf("--query and --query-file are mutually exclusive")
	case queryFile != "":
		data, err := os.ReadFile(queryFile)
		if err != nil {
			return "", fmt.Errorf("read query file: %w", err)
		}
		if strings.TrimSpace(string(data)) == "" {
			return "", fmt.Errorf("query file %s is empty", queryFile)
		}
		return string(data), nil
	case strings.TrimSpace(statement) != "":
		return statement, nil
	default:
		return "", fmt.Errorf("one of --query or --query-file is required")
	}
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: parex <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  construct <path>   run a query and write its read session descriptor to <path>")
	_, _ = fmt.Fprintln(w, "  consume <path>     read every stream of the descriptor at <path> into CSV files")
	_, _ = fmt.Fprintln(w, "  purge              delete expired read sessions and their stream objects")
	_, _ = fmt.Fprintln(w, "  verify             check the stream objects of live read sessions")
}
