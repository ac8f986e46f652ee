package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"geoattest/internal/checks"
)

// MinKeySize is the minimum ledger HMAC key length.
const MinKeySize = 32

// Store is the SQLite history store and violation ledger.
type Store struct {
	db      *sql.DB
	hmacKey []byte
	now     func() time.Time

	mu          sync.Mutex
	lastHash    [32]byte
	integrityOK bool
}

// OpenDatabase opens the SQLite file at path without applying migrations.
func OpenDatabase(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}
	return db, nil
}

// Open opens or creates the database at path, applies migrations and checks
// the ledger chain. When the chain fails verification the store is still
// returned for reads, together with an error wrapping ErrIntegrity.
func Open(path string, hmacKey []byte) (*Store, error) {
	if len(hmacKey) < MinKeySize {
		return nil, fmt.Errorf("HMAC key must be at least %d bytes", MinKeySize)
	}

	db, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:      db,
		hmacKey: append([]byte(nil), hmacKey...),
		now:     time.Now,
	}
	if err := s.loadIntegrity(); err != nil {
		if errors.Is(err, ErrIntegrity) {
			return s, err
		}
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendHistory stores entry and sets its ID and RecordedAt.
func (s *Store) AppendHistory(ctx context.Context, entry *checks.HistoryEntry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.now()
	}
	sample, err := json.Marshal(entry.Sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO location_history (subject_id, lat, lon, captured_at_ns, distance_km, speed_kmh, elapsed_ms, sample, recorded_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sample.SubjectID, entry.Sample.Lat, entry.Sample.Lon, entry.Sample.CapturedAt.UnixNano(),
		entry.DistanceKm, entry.SpeedKmh, entry.ElapsedMs, string(sample), entry.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// LatestHistory returns the most recently appended entry for subjectID, or
// nil when there is none.
func (s *Store) LatestHistory(ctx context.Context, subjectID string) (*checks.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, distance_km, speed_kmh, elapsed_ms, sample, recorded_at_ns
		FROM location_history
		WHERE subject_id = ?
		ORDER BY id DESC
		LIMIT 1`, subjectID)

	e, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest history: %w", err)
	}
	return e, nil
}

// RecentHistory returns up to limit of the newest entries for subjectID,
// oldest first.
func (s *Store) RecentHistory(ctx context.Context, subjectID string, limit int) ([]checks.HistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, distance_km, speed_kmh, elapsed_ms, sample, recorded_at_ns
		FROM location_history
		WHERE subject_id = ?
		ORDER BY id DESC
		LIMIT ?`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []checks.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (*checks.HistoryEntry, error) {
	var e checks.HistoryEntry
	var sample string
	var recordedAt int64
	if err := row.Scan(&e.ID, &e.DistanceKm, &e.SpeedKmh, &e.ElapsedMs, &sample, &recordedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sample), &e.Sample); err != nil {
		return nil, fmt.Errorf("unmarshal sample %d: %w", e.ID, err)
	}
	e.RecordedAt = time.Unix(0, recordedAt).UTC()
	return &e, nil
}

// Stats returns row counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	queries := []struct {
		q   string
		dst *int64
	}{
		{`SELECT COUNT(*) FROM location_history`, &st.HistoryEntries},
		{`SELECT COUNT(DISTINCT subject_id) FROM location_history`, &st.Subjects},
		{`SELECT COUNT(*) FROM violations`, &st.Violations},
		{`SELECT COUNT(*) FROM violations WHERE resolved_at_ns IS NULL`, &st.UnresolvedViolations},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.q).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("query stats: %w", err)
		}
	}
	return &st, nil
}
