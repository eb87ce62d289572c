// Package sqlite persists services added at runtime so they survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

// StoredService is one persisted service descriptor.
type StoredService struct {
	Key        string
	Descriptor *domain.ServiceDescriptor
	CreatedAt  time.Time
}

// Store is a SQLite-backed service store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS services (
			key TEXT PRIMARY KEY,
			descriptor TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_services_created ON services(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveService persists desc under key. A previous row with the same key is replaced.
func (s *Store) SaveService(ctx context.Context, key string, desc *domain.ServiceDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal service %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO services (key, descriptor, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET descriptor = excluded.descriptor
	`, key, string(data), s.now().UTC())
	if err != nil {
		return fmt.Errorf("save service %s: %w", key, err)
	}
	return nil
}

// ListServices returns every stored service in the order it was first saved.
func (s *Store) ListServices(ctx context.Context) ([]StoredService, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, descriptor, created_at FROM services ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []StoredService
	for rows.Next() {
		var (
			svc  StoredService
			data string
		)
		if err := rows.Scan(&svc.Key, &data, &svc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		var desc domain.ServiceDescriptor
		if err := json.Unmarshal([]byte(data), &desc); err != nil {
			return nil, fmt.Errorf("decode service %s: %w", svc.Key, err)
		}
		svc.Descriptor = &desc
		out = append(out, svc)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
