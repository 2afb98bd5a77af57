package snowflake

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WorkerIDFromEnv reads a node ID from the named environment variable.
func WorkerIDFromEnv(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is not set", ErrInvalidNodeID, name)
	}
	return ParseNodeID(raw)
}

// ParseNodeID parses a decimal node ID and checks its range.
func ParseNodeID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidNodeID, raw, err)
	}
	if id < 0 || id > maxNodeID {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidNodeID, id)
	}
	return id, nil
}
