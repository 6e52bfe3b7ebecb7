package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Pragmas applied to every on-disk database. WAL keeps the daemon's writer
// loops (oracle samples, ledger snapshots) from blocking admin reads.
var filePragmas = []string{
	"mode=rwc",
	"_busy_timeout=5000",
	"_journal_mode=WAL",
	"_foreign_keys=on",
}

// FileDSN converts a filesystem path into the on-disk SQLite DSN the daemon
// opens, resolving the path to absolute so a relative working directory
// cannot scatter databases.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve database path %q: %w", trimmed, err)
	}
	return "file:" + abs + "?" + strings.Join(filePragmas, "&"), nil
}
