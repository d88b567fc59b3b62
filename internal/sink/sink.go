// Package sink writes drained stream rows to one output file per stream.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parex/parex/internal/warehouse"
)

type Sink interface {
	WriteHeader(columns []string) error
	WriteRow(values []warehouse.Value) error
	// Close flushes buffered output. It is safe to call more than once.
	Close() error
	Path() string
	// Size reports the on-disk size; it is only meaningful after Close.
	Size() (int64, error)
}

type Factory interface {
	Create(index int) (Sink, error)
}

// CSVFactory creates stream_NNNN.csv files under Dir, one per stream index.
type CSVFactory struct {
	Dir string
}

func (f CSVFactory) Create(index int) (Sink, error) {
	if strings.TrimSpace(f.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if index < 0 {
		return nil, fmt.Errorf("stream index must be >= 0")
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %q: %w", f.Dir, err)
	}
	path := filepath.Join(f.Dir, FileName(index))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file %q: %w", path, err)
	}
	return &csvSink{file: file, writer: csv.NewWriter(file), path: path}, nil
}

func FileName(index int) string {
	return fmt.Sprintf("stream_%04d.csv", index)
}

type csvSink struct {
	file    *os.File
	writer  *csv.Writer
	path    string
	columns int
	record  []string
	closed  bool
}

func (s *csvSink) WriteHeader(columns []string) error {
	if s.closed {
		return fmt.Errorf("write header to %s: sink is closed", s.path)
	}
	if s.columns != 0 {
		return fmt.Errorf("write header to %s: header already written", s.path)
	}
	if len(columns) == 0 {
		return fmt.Errorf("write header to %s: no columns", s.path)
	}
	if err := s.writer.Write(columns); err != nil {
		return fmt.Errorf("write header to %s: %w", s.path, err)
	}
	s.columns = len(columns)
	s.record = make([]string, len(columns))
	return nil
}

func (s *csvSink) WriteRow(values []warehouse.Value) error {
	if s.closed {
		return fmt.Errorf("write row to %s: sink is closed", s.path)
	}
	if s.columns == 0 {
		return fmt.Errorf("write row to %s: header not written", s.path)
	}
	if len(values) != s.columns {
		return fmt.Errorf("write row to %s: got %d values for %d columns", s.path, len(values), s.columns)
	}
	for i, v := range values {
		s.record[i] = v.String()
	}
	if err := s.writer.Write(s.record); err != nil {
		return fmt.Errorf("write row to %s: %w", s.path, err)
	}
	return nil
}

func (s *csvSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.writer.Flush()
	flushErr := s.writer.Error()
	closeErr := s.file.Close()
	if flushErr != nil {
		return fmt.Errorf("flush %s: %w", s.path, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", s.path, closeErr)
	}
	return nil
}

func (s *csvSink) Path() string { return s.path }

func (s *csvSink) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", s.path, err)
	}
	return info.Size(), nil
}
