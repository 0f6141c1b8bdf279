// Package sqlite stores the inventory document in a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cryocore/internal/infra/persistence/memory"
	"cryocore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const (
	bucketMeta      = "meta"
	bucketInventory = "inventory"
)

// Store persists the document as JSON blobs keyed by bucket. Every commit
// writes both buckets in one SQL transaction before the in-memory swap.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path and loads its document.
// seed is used when the database holds no document yet.
func NewStore(path string, engine *domain.RulesEngine, seed *domain.Document) (*Store, error) {
	if path == "" {
		path = "cryocore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(engine, memory.WithSink(memory.SinkFunc(s.persist)))
	found, err := s.load()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if !found && seed != nil {
		if err := s.persist(context.Background(), *seed); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.ImportDocument(*seed)
	}
	return s, nil
}

func (s *Store) load() (bool, error) {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return false, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var doc domain.Document
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return false, fmt.Errorf("scan: %w", err)
		}
		switch bucket {
		case bucketMeta:
			if err := json.Unmarshal(payload, &doc.Meta); err != nil {
				return false, fmt.Errorf("decode meta: %w", err)
			}
		case bucketInventory:
			if err := json.Unmarshal(payload, &doc.Inventory); err != nil {
				return false, fmt.Errorf("decode inventory: %w", err)
			}
		default:
			continue
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate state: %w", err)
	}
	if found {
		s.ImportDocument(doc)
	}
	return found, nil
}

func (s *Store) persist(ctx context.Context, doc domain.Document) (retErr error) {
	meta, err := json.Marshal(doc.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if doc.Inventory == nil {
		doc.Inventory = []domain.Record{}
	}
	inventory, err := json.Marshal(doc.Inventory)
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, b := range []struct {
		name string
		data []byte
	}{{bucketMeta, meta}, {bucketInventory, inventory}} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, b.name, b.data); err != nil {
			return fmt.Errorf("upsert %s: %w", b.name, err)
		}
	}
	return tx.Commit()
}

// Describe names the backend.
func (s *Store) Describe() string { return "sqlite:" + s.path }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

var _ domain.PersistentStore = (*Store)(nil)
