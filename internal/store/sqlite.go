// Package store persists the per-box metadata store and job ledger in a
// SQLite database next to the box configuration.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"icebox-go/internal/icebox"
	"icebox-go/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements icebox.Store on a single SQLite file. SQLite gives
// the required crash safety for free: every statement runs in a transaction,
// so a record is either fully written or absent.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ icebox.Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the box database at path and migrates it
// to the latest schema. path can be ":memory:" for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating box database: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the store relies on. Exported for tests that need a raw connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Foreign keys default to OFF in SQLite for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return db, nil
}

func (s *SQLiteStore) GetSource(name string) (*icebox.Source, error) {
	row := s.db.QueryRow(
		`SELECT name, comment, size, encrypted_size, data_key, meta_key, fingerprint, created_at
		 FROM sources WHERE name = ?`, name)

	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying source: %w", err)
	}
	return src, nil
}

func (s *SQLiteStore) ListSources() ([]*icebox.Source, error) {
	rows, err := s.db.Query(
		`SELECT name, comment, size, encrypted_size, data_key, meta_key, fingerprint, created_at
		 FROM sources ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var sources []*icebox.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sources: %w", err)
	}
	return sources, nil
}

func (s *SQLiteStore) SaveSource(src *icebox.Source) error {
	_, err := s.db.Exec(
		`INSERT INTO sources (name, comment, size, encrypted_size, data_key, meta_key, fingerprint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.Name, src.Comment, src.Size, src.EncryptedSize,
		src.DataKey, src.MetaKey, src.Fingerprint, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting source: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSource(name string) error {
	if _, err := s.db.Exec(`DELETE FROM sources WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(name string) (*icebox.Job, error) {
	row := s.db.QueryRow(
		`SELECT name, handle, tier, status, requested_at FROM jobs WHERE name = ?`, name)

	var job icebox.Job
	err := row.Scan(&job.Name, &job.Handle, &job.Tier, &job.Status, &job.RequestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return &job, nil
}

func (s *SQLiteStore) SaveJob(job *icebox.Job) error {
	_, err := s.db.Exec(
		`INSERT INTO jobs (name, handle, tier, status, requested_at) VALUES (?, ?, ?, ?, ?)`,
		job.Name, job.Handle, job.Tier, job.Status, job.RequestedAt)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateJobStatus(name string, status icebox.JobStatus) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE name = ?`, status, name)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking job update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no job named %q", name)
	}
	return nil
}

func (s *SQLiteStore) DeleteJob(name string) error {
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (*icebox.Source, error) {
	var src icebox.Source
	err := row.Scan(&src.Name, &src.Comment, &src.Size, &src.EncryptedSize,
		&src.DataKey, &src.MetaKey, &src.Fingerprint, &src.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &src, nil
}
