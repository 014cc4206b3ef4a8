// Package inventory is the durable state of the control plane: the
// instance rows the request path and the task engine both write to,
// and the task queue feeding the workers. Everything lives in one
// SQLite database so a task claim and its status write share
// transactional guarantees.
package inventory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/pgplane/pgplane/pkg/apperrors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound reports a lookup of a missing instance or task.
var ErrNotFound = errors.New("not found")

// ErrStatusConflict reports a conditional status update that found the
// row in a different state than expected.
var ErrStatusConflict = errors.New("status conflict")

// Store persists instances and queued tasks in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore creates a store for the database at path. Use ":memory:"
// for an ephemeral database.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &Store{path: path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between the
	// request path and the workers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) migrator() (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// PendingMigrations lists the up migration files not yet applied, in
// lexical order.
func (s *Store) PendingMigrations(_ context.Context) ([]string, error) {
	m, err := s.migrator()
	if err != nil {
		return nil, err
	}
	current, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}

	entries, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	var pending []string
	for _, entry := range entries {
		name := strings.TrimPrefix(entry, "migrations/")
		version, _, found := strings.Cut(name, "_")
		if !found {
			continue
		}
		v, err := strconv.ParseUint(version, 10, 64)
		if err != nil {
			continue
		}
		if uint(v) > current {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

const instanceColumns = "id, identifier, status, status_message, data, created_at, updated_at"

// CreateInstance inserts a new instance row. A duplicate identifier
// fails with a KnownError.
func (s *Store) CreateInstance(ctx context.Context, instance *Instance) error {
	data, err := json.Marshal(instance.Data)
	if err != nil {
		return fmt.Errorf("failed to encode instance data: %w", err)
	}

	now := time.Now().UTC()
	instance.CreatedAt = now
	instance.UpdatedAt = now

	query := `
		INSERT INTO db_instances (id, identifier, status, status_message, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		instance.ID,
		instance.Identifier,
		instance.Status,
		instance.StatusMessage,
		string(data),
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.NewKnown("instance %s already exists", instance.Identifier)
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func scanInstance(row interface{ Scan(...interface{}) error }) (*Instance, error) {
	instance := &Instance{}
	var data string
	err := row.Scan(
		&instance.ID,
		&instance.Identifier,
		&instance.Status,
		&instance.StatusMessage,
		&data,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &instance.Data); err != nil {
		return nil, fmt.Errorf("failed to decode instance data: %w", err)
	}
	return instance, nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM db_instances WHERE id = ?`
	instance, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return instance, nil
}

// GetInstanceByIdentifier retrieves an instance by its user-facing
// identifier.
func (s *Store) GetInstanceByIdentifier(ctx context.Context, identifier string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM db_instances WHERE identifier = ?`
	instance, err := scanInstance(s.db.QueryRowContext(ctx, query, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", identifier, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return instance, nil
}

// ListInstances lists instances, optionally filtered by identifier,
// ordered by identifier.
func (s *Store) ListInstances(ctx context.Context, identifier string) ([]*Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM db_instances
		WHERE (? = '' OR identifier = ?)
		ORDER BY identifier ASC
	`
	return s.queryInstances(ctx, query, identifier, identifier)
}

// ListInstancesByStatus lists instances currently in one of the given
// statuses.
func (s *Store) ListInstancesByStatus(ctx context.Context, statuses ...Status) ([]*Instance, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := `
		SELECT ` + instanceColumns + `
		FROM db_instances
		WHERE status IN (` + placeholders + `)
		ORDER BY identifier ASC
	`
	args := make([]interface{}, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, status)
	}
	return s.queryInstances(ctx, query, args...)
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []*Instance{}
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return instances, nil
}

// UpdateInstanceData replaces the data payload of an instance.
func (s *Store) UpdateInstanceData(ctx context.Context, id string, data InstanceData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode instance data: %w", err)
	}
	query := `UPDATE db_instances SET data = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, string(encoded), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update instance data: %w", err)
	}
	return s.expectOneRow(result, id)
}

// SetInstanceStatus writes status and message unconditionally.
func (s *Store) SetInstanceStatus(ctx context.Context, id string, status Status, message string) error {
	query := `UPDATE db_instances SET status = ?, status_message = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, status, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set instance status: %w", err)
	}
	return s.expectOneRow(result, id)
}

// UpdateStatusFrom writes status and message only if the row currently
// holds the from status. A row in another state fails with
// ErrStatusConflict, a missing row with ErrNotFound.
func (s *Store) UpdateStatusFrom(ctx context.Context, id string, from, to Status, message string) error {
	query := `
		UPDATE db_instances
		SET status = ?, status_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query, to, message, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}
	if _, err := s.GetInstance(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("instance %s is not in state %s: %w", id, from, ErrStatusConflict)
}

// DeleteInstance removes an instance row.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM db_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return s.expectOneRow(result, id)
}

func (s *Store) expectOneRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}
