package core

import (
	"context"
	"fmt"

	"cryocore/internal/infra/persistence/memory"
	"cryocore/internal/infra/persistence/postgres"
	"cryocore/internal/infra/persistence/sqlite"
	"cryocore/internal/infra/persistence/yamlfile"
	"cryocore/pkg/domain"
)

// StorageDriver identifies a persistent store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // ephemeral, tests
	StorageYAML     StorageDriver = "yaml"     // single YAML document on disk
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and configures a store.
type StorageConfig struct {
	Driver      StorageDriver
	YAMLPath    string
	SQLitePath  string
	PostgresDSN string
	// Seed initialises an empty store.
	Seed *domain.Document
}

// OpenPersistentStore opens the configured store. The driver defaults to
// yaml.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	switch cfg.Driver {
	case "", StorageYAML:
		return opened(yamlfile.NewStore(cfg.YAMLPath, engine, cfg.Seed))
	case StorageMemory:
		var opts []memory.Option
		if cfg.Seed != nil {
			opts = append(opts, memory.WithDocument(*cfg.Seed))
		}
		return memory.NewStore(engine, opts...), nil
	case StorageSQLite:
		return opened(sqlite.NewStore(cfg.SQLitePath, engine, cfg.Seed))
	case StoragePostgres:
		return opened(postgres.NewStore(ctx, cfg.PostgresDSN, engine, cfg.Seed))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// opened keeps a failed constructor from leaking a typed nil interface.
func opened[S domain.PersistentStore](store S, err error) (domain.PersistentStore, error) {
	if err != nil {
		return nil, err
	}
	return store, nil
}
