package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsConstructedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parex_sessions_constructed_total",
			Help: "Total number of read sessions constructed.",
		},
	)
	sessionStreams = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parex_session_streams",
			Help:    "Number of streams granted per read session.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		},
	)
	sessionConstructMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parex_session_construct_latency_ms",
			Help:    "Query plus session creation latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
	)
	streamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parex_streams_total",
			Help: "Total number of streams drained, by outcome.",
		},
		[]string{"outcome"},
	)
	streamRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parex_stream_rows_total",
			Help: "Total number of rows written by stream readers.",
		},
	)
	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parex_stream_bytes_total",
			Help: "Total number of bytes written to export files.",
		},
	)
	streamDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parex_stream_duration_seconds",
			Help:    "Per-stream wall-clock time, split into total and write phases.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	exportThroughputMiBps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parex_export_throughput_mib_per_second",
			Help: "Aggregate export throughput of the last consume run.",
		},
	)
	exportWallClockSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parex_export_wall_clock_seconds",
			Help: "Wall-clock duration of the last consume run.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsConstructedTotal,
		sessionStreams,
		sessionConstructMs,
		streamsTotal,
		streamRowsTotal,
		streamBytesTotal,
		streamDurationSeconds,
		exportThroughputMiBps,
		exportWallClockSeconds,
	)
}

func ObserveSessionConstructed(streams int, elapsed time.Duration) {
	sessionsConstructedTotal.Inc()
	sessionStreams.Observe(float64(streams))
	sessionConstructMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveStreamSucceeded(rows, bytes int64, total, write time.Duration) {
	streamsTotal.WithLabelValues("success").Inc()
	if rows > 0 {
		streamRowsTotal.Add(float64(rows))
	}
	if bytes > 0 {
		streamBytesTotal.Add(float64(bytes))
	}
	streamDurationSeconds.WithLabelValues("total").Observe(total.Seconds())
	streamDurationSeconds.WithLabelValues("write").Observe(write.Seconds())
}

func IncrementStreamFailed() {
	streamsTotal.WithLabelValues("failure").Inc()
}

// SetExportSummary records the last run. A negative throughput means the
// run produced no measurable data and leaves the gauge at zero.
func SetExportSummary(wall time.Duration, mibPerSecond float64) {
	exportWallClockSeconds.Set(wall.Seconds())
	if mibPerSecond < 0 {
		mibPerSecond = 0
	}
	exportThroughputMiBps.Set(mibPerSecond)
}

// WriteMetricsFile dumps the default registry in the text exposition format,
// suitable for the node_exporter textfile collector.
func WriteMetricsFile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics file %s: %w", path, err)
	}
	return nil
}
