package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parex/parex/internal/warehouse"
)

// Save writes the encoded descriptor to path. The file is written to a
// sibling temp file and renamed into place, so a failed write never leaves
// a partial descriptor behind.
func Save(path string, session *warehouse.ReadSession) error {
	data, err := Encode(session)
	if err != nil {
		return fmt.Errorf("encode session descriptor: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create descriptor temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write descriptor %q: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync descriptor %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close descriptor %q: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename descriptor into %q: %w", path, err)
	}
	return nil
}

// Load reads and decodes a descriptor written by Save.
func Load(path string) (*warehouse.ReadSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session descriptor %s: %w", path, err)
	}
	session, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode session descriptor %s: %w", path, err)
	}
	return session, nil
}
