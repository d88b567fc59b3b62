// Package report aggregates per-stream results into run-level throughput.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/parex/parex/internal/reader"
)

const mebibyte = 1 << 20

// Throughput is a MiB/s figure. Valid is false when the run produced no
// time to divide by, which is reported as "no data".
type Throughput struct {
	MiBPerSecond float64
	Valid        bool
}

func (t Throughput) String() string {
	if !t.Valid {
		return "no data"
	}
	return fmt.Sprintf("%.2f MiB/s", t.MiBPerSecond)
}

type Report struct {
	Streams    int
	TotalRows  int64
	TotalBytes int64
	WallClock  time.Duration
	// NonWriteTime sums (Duration - WriteDuration) over streams. Streams run
	// concurrently, so this is a sum of overlapping intervals.
	NonWriteTime time.Duration
	// Overall is TotalBytes over WallClock; ExcludingWrites is TotalBytes
	// over NonWriteTime.
	Overall         Throughput
	ExcludingWrites Throughput
}

func Summarize(results []reader.StreamResult, wallClock time.Duration) Report {
	r := Report{Streams: len(results), WallClock: wallClock}
	for _, result := range results {
		r.TotalRows += result.Rows
		r.TotalBytes += result.Bytes
		if nonWrite := result.Duration - result.WriteDuration; nonWrite > 0 {
			r.NonWriteTime += nonWrite
		}
	}
	r.Overall = throughput(r.TotalBytes, wallClock, len(results))
	r.ExcludingWrites = throughput(r.TotalBytes, r.NonWriteTime, len(results))
	return r
}

func throughput(bytes int64, elapsed time.Duration, streams int) Throughput {
	if streams == 0 || elapsed <= 0 {
		return Throughput{}
	}
	return Throughput{MiBPerSecond: float64(bytes) / mebibyte / elapsed.Seconds(), Valid: true}
}

// Write prints one line per stream in the given order followed by the
// aggregate.
func Write(w io.Writer, results []reader.StreamResult, r Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tPATH\tROWS\tSIZE\tTOTAL\tWRITE")
	for _, result := range results {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
			result.Index,
			result.Path,
			result.Rows,
			humanize.IBytes(uint64(result.Bytes)),
			result.Duration.Round(time.Millisecond),
			result.WriteDuration.Round(time.Millisecond),
		)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write stream report: %w", err)
	}
	_, err := fmt.Fprintf(w,
		"\nstreams: %d\nrows: %d\nbytes: %s\nwall clock: %s\nthroughput: %s\nthroughput excluding writes: %s\n",
		r.Streams,
		r.TotalRows,
		humanize.IBytes(uint64(r.TotalBytes)),
		r.WallClock.Round(time.Millisecond),
		r.Overall,
		r.ExcludingWrites,
	)
	if err != nil {
		return fmt.Errorf("write aggregate report: %w", err)
	}
	return nil
}
