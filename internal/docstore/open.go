package docstore

import (
	"fmt"

	"nutriguard.org/internal/config"
)

// Open returns the store selected by cfg.StoreDriver.
func Open(cfg config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return OpenPG(cfg.PostgresDSN)
	case config.DriverGormPostgres:
		return OpenGormPostgres(cfg.PostgresDSN)
	case config.DriverSQLite:
		return OpenGormSQLite(cfg.SQLitePath)
	case config.DriverMemory, "":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalid, cfg.StoreDriver)
}
