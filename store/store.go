package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/go-sql-driver/mysql"

	"cxr-report-pipeline/config"
	"cxr-report-pipeline/models"
)

// mysqlDuplicateEntry is the server error code for a unique-key violation.
const mysqlDuplicateEntry = 1062

var (
	// ErrNotFound is returned by Get when no report exists for a fingerprint.
	ErrNotFound = errors.New("report not found")

	// ErrConflict is returned by Put when a record for the fingerprint was
	// already written. First successful writer wins; callers resolve the
	// race by reading back the existing record.
	ErrConflict = errors.New("report already exists for fingerprint")
)

// Store persists generated reports keyed by content fingerprint.
// Write exclusivity is enforced by the database through a conditional
// insert-if-absent on the primary key, not by read-then-write timing.
type Store struct {
	db *sql.DB
}

// New opens the MySQL connection and verifies it with exponential backoff.
func New(cfg *config.Config) (*Store, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with exponential backoff retry
	var waitInterval time.Duration = 1 * time.Second
	for {
		if err := db.Ping(); err == nil {
			break // Connection successful
		} else {
			log.WithError(err).Warnf("database connection failed, retrying in %v", waitInterval)
		}
		time.Sleep(waitInterval)
		waitInterval *= 2 // Exponential backoff: 1s, 2s, 4s, 8s, ...
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying connection for health checks.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// CreateTables creates the cxr_reports table if it doesn't exist.
func (s *Store) CreateTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS cxr_reports (
		fingerprint CHAR(64) NOT NULL PRIMARY KEY,
		filename VARCHAR(255) DEFAULT '',
		probe_scores TEXT NOT NULL,
		findings TEXT,
		impression TEXT,
		raw_text MEDIUMTEXT,
		status ENUM('draft', 'finalized') NOT NULL DEFAULT 'finalized',
		created_at TIMESTAMP(6) NOT NULL,
		INDEX idx_cxr_reports_created_at (created_at)
	)`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create cxr_reports table: %w", err)
	}

	log.Info("cxr_reports table created/verified successfully")
	return nil
}

// Put inserts a report record. The insert is atomic and conditional on the
// fingerprint being absent; a concurrent writer that lost the race gets
// ErrConflict and should read back the canonical record instead.
func (s *Store) Put(ctx context.Context, rec *models.ReportRecord) error {
	scores, err := rec.ProbeResult.MarshalScores()
	if err != nil {
		return err
	}

	query := `
	INSERT INTO cxr_reports (fingerprint, filename, probe_scores, findings, impression, raw_text, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		rec.Fingerprint,
		rec.Filename,
		scores,
		rec.Sections.Findings,
		rec.Sections.Impression,
		rec.Sections.Raw,
		rec.Status,
		rec.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert report %s: %w", rec.Fingerprint, err)
	}
	return nil
}

// Get returns the report stored for a fingerprint, or ErrNotFound.
func (s *Store) Get(ctx context.Context, fingerprint string) (*models.ReportRecord, error) {
	query := `
	SELECT fingerprint, filename, probe_scores, findings, impression, raw_text, status, created_at
	FROM cxr_reports
	WHERE fingerprint = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch report %s: %w", fingerprint, err)
	}
	return rec, nil
}

// ListRecent returns up to limit reports ordered most-recent-first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*models.ReportRecord, error) {
	query := `
	SELECT fingerprint, filename, probe_scores, findings, impression, raw_text, status, created_at
	FROM cxr_reports
	ORDER BY created_at DESC
	LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent reports: %w", err)
	}
	defer rows.Close()

	var records []*models.ReportRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate report rows: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ReportRecord, error) {
	var rec models.ReportRecord
	var scores string

	err := row.Scan(
		&rec.Fingerprint,
		&rec.Filename,
		&scores,
		&rec.Sections.Findings,
		&rec.Sections.Impression,
		&rec.Sections.Raw,
		&rec.Status,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	probe, err := models.UnmarshalScores(scores)
	if err != nil {
		return nil, err
	}
	rec.ProbeResult = probe
	return &rec, nil
}
