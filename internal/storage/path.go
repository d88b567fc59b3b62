package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildSessionPrefix returns the key prefix under which every stream object
// of one read session lives.
func BuildSessionPrefix(project, sessionID string) (string, error) {
	if err := validatePathComponent(project, "project"); err != nil {
		return "", err
	}
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	return path.Join(project, "sessions", sessionID) + "/", nil
}

func BuildStreamObjectKey(project, sessionID string, index int, extension string) (string, error) {
	prefix, err := BuildSessionPrefix(project, sessionID)
	if err != nil {
		return "", err
	}
	if index < 0 {
		return "", fmt.Errorf("stream index must be >= 0")
	}
	if err := validatePathComponent(extension, "extension"); err != nil {
		return "", err
	}
	return path.Join(prefix, fmt.Sprintf("stream-%05d.%s", index, extension)), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
