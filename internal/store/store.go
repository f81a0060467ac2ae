// Package store caches the device registry and the installed credential in
// SQLite so a restart can resume without waiting for discovery or a new
// pairing. It never holds switch state history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

// ErrNoCredential is returned by LoadCredential when none was saved.
var ErrNoCredential = errors.New("store: no credential saved")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credential (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			value TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			lifetime_seconds INTEGER NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			domain_id TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			mac TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			site_id TEXT NOT NULL DEFAULT '',
			site_name TEXT NOT NULL DEFAULT '',
			switch_count INTEGER NOT NULL,
			supports_energy INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// SaveCredential replaces the stored credential.
func (s *Store) SaveCredential(ctx context.Context, cred auth.Credential) error {
	if cred.IsZero() {
		return fmt.Errorf("store: save credential: %w", auth.ErrInvalidCredential)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential (id, value, issued_at, lifetime_seconds, user_id, domain_id, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET value = excluded.value,
				issued_at = excluded.issued_at,
				lifetime_seconds = excluded.lifetime_seconds,
				user_id = excluded.user_id,
				domain_id = excluded.domain_id,
				updated_at = excluded.updated_at;`,
		cred.Value,
		cred.IssuedAt.UTC().Format(time.RFC3339Nano),
		int64(cred.Lifetime/time.Second),
		cred.UserID,
		cred.DomainID,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the stored credential or ErrNoCredential.
func (s *Store) LoadCredential(ctx context.Context) (auth.Credential, error) {
	var (
		cred     auth.Credential
		issuedAt string
		lifetime int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, issued_at, lifetime_seconds, user_id, domain_id FROM credential WHERE id = 1;`,
	).Scan(&cred.Value, &issuedAt, &lifetime, &cred.UserID, &cred.DomainID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credential{}, ErrNoCredential
	}
	if err != nil {
		return auth.Credential{}, fmt.Errorf("store: load credential: %w", err)
	}

	cred.IssuedAt, err = time.Parse(time.RFC3339Nano, issuedAt)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("store: load credential: issued_at %q: %w", issuedAt, err)
	}
	cred.Lifetime = time.Duration(lifetime) * time.Second
	return cred, nil
}

// UpsertDevice inserts or updates one registry row.
func (s *Store) UpsertDevice(ctx context.Context, d state.Device) error {
	if d.ID == "" {
		return errors.New("store: upsert device: empty id")
	}
	supportsEnergy := 0
	if d.SupportsEnergy {
		supportsEnergy = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, mac, name, type, site_id, site_name, switch_count, supports_energy, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET mac = excluded.mac,
				name = excluded.name,
				type = excluded.type,
				site_id = excluded.site_id,
				site_name = excluded.site_name,
				switch_count = excluded.switch_count,
				supports_energy = excluded.supports_energy,
				updated_at = excluded.updated_at;`,
		d.ID, d.MAC, d.Name, d.Type, d.SiteID, d.SiteName, d.SwitchCount, supportsEnergy,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: upsert device %s: %w", d.ID, err)
	}
	return nil
}

// DeleteDevice removes a registry row. Deleting an unknown id is not an error.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("store: delete device %s: %w", id, err)
	}
	return nil
}

// ListDevices returns the cached registry ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]state.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mac, name, type, site_id, site_name, switch_count, supports_energy
		 FROM devices ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var devices []state.Device
	for rows.Next() {
		var (
			d              state.Device
			supportsEnergy int
		)
		if err := rows.Scan(&d.ID, &d.MAC, &d.Name, &d.Type, &d.SiteID, &d.SiteName, &d.SwitchCount, &supportsEnergy); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		d.SupportsEnergy = supportsEnergy != 0
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return devices, nil
}
