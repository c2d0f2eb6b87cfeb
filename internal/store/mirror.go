package store

import (
	"context"
	"fmt"
	"log/slog"
)

// OpenMirror opens the mirror named by driver. An empty driver means no
// mirror and returns nil.
func OpenMirror(ctx context.Context, driver, dsn string, logger *slog.Logger) (Mirror, error) {
	switch driver {
	case "":
		return nil, nil
	case "sqlite", "mysql":
		m, err := OpenSQLMirror(driver, dsn)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "postgres":
		m, err := OpenPostgresMirror(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported mirror driver %q", driver)
}
