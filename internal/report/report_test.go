package report

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/parex/parex/internal/reader"
)

func TestSummarizeSumsSuccessfulStreams(t *testing.T) {
	results := []reader.StreamResult{
		{Index: 0, Rows: 100, Bytes: 3 << 20, Duration: 3 * time.Second, WriteDuration: time.Second},
		{Index: 1, Rows: 0, Bytes: 0, Duration: time.Second, WriteDuration: 0},
	}
	r := Summarize(results, 2*time.Second)

	if r.Streams != 2 || r.TotalRows != 100 || r.TotalBytes != 3<<20 {
		t.Fatalf("Summarize() = %+v", r)
	}
	if r.NonWriteTime != 3*time.Second {
		t.Fatalf("NonWriteTime = %s, want 3s", r.NonWriteTime)
	}
	if !r.Overall.Valid || math.Abs(r.Overall.MiBPerSecond-1.5) > 1e-9 {
		t.Fatalf("Overall = %+v, want 1.5 MiB/s", r.Overall)
	}
	if !r.ExcludingWrites.Valid || math.Abs(r.ExcludingWrites.MiBPerSecond-1.0) > 1e-9 {
		t.Fatalf("ExcludingWrites = %+v, want 1 MiB/s", r.ExcludingWrites)
	}
}

func TestSummarizeAllFailedReportsNoData(t *testing.T) {
	r := Summarize(nil, 5*time.Second)
	if r.TotalBytes != 0 || r.TotalRows != 0 {
		t.Fatalf("Summarize() = %+v", r)
	}
	if r.Overall.Valid || r.ExcludingWrites.Valid {
		t.Fatalf("throughput should be no data: %+v", r)
	}
	if r.Overall.String() != "no data" {
		t.Fatalf("Overall.String() = %q", r.Overall.String())
	}
}

func TestSummarizeZeroDurationsDoNotDivideByZero(t *testing.T) {
	results := []reader.StreamResult{{Index: 0, Rows: 1, Bytes: 10, Duration: time.Millisecond, WriteDuration: time.Millisecond}}
	r := Summarize(results, 0)
	if r.Overall.Valid || r.ExcludingWrites.Valid {
		t.Fatalf("throughput should be no data: %+v", r)
	}
	if math.IsNaN(r.Overall.MiBPerSecond) || math.IsInf(r.Overall.MiBPerSecond, 0) {
		t.Fatalf("Overall = %v", r.Overall.MiBPerSecond)
	}
}

func TestWriteRendersStreamsAndAggregate(t *testing.T) {
	results := []reader.StreamResult{
		{Index: 1, Path: "out/stream_0001.csv", Rows: 0, Duration: time.Second},
		{Index: 0, Path: "out/stream_0000.csv", Rows: 100, Bytes: 2048, Duration: 2 * time.Second, WriteDuration: time.Second},
	}
	var buf bytes.Buffer
	if err := Write(&buf, results, Summarize(results, time.Second)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"out/stream_0001.csv",
		"out/stream_0000.csv",
		"2.0 KiB",
		"rows: 100",
		"streams: 2",
		"throughput: 0.00 MiB/s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "stream_0001") > strings.Index(out, "stream_0000") {
		t.Fatalf("streams should be listed in completion order:\n%s", out)
	}
}
