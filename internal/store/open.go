package store

import (
	"fmt"

	logx "campaigner/pkg/logx"
)

type Config struct {
	// Driver selects the backend: "file" (default) or "sqlite".
	Driver string `json:"driver"`
	// Path is the snapshot file for the file driver or the database file for
	// the sqlite driver.
	Path string `json:"path"`
}

// Open creates the configured backend.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		path := cfg.Path
		if path == "" {
			path = "campaigner.json"
		}
		return OpenFile(path, log)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "campaigner.db"
		}
		return OpenSQLite(path, log)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
