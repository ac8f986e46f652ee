package store

// The violation ledger is append-only and tamper evident:
//  1. Each record carries the hash of the record before it.
//  2. Each record carries an HMAC over its content and previous hash.
//  3. A single integrity row holds an HMAC over the chain head and count.
//  4. Resolution is written once and sealed with its own HMAC.

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"geoattest/internal/checks"
	"geoattest/internal/geo"
)

const (
	integrityDomain  = "geoattest-ledger-integrity-v1"
	recordDomain     = "geoattest-violation-v1"
	resolutionDomain = "geoattest-resolution-v1"

	// DefaultListLimit caps ListViolations when no limit is given.
	DefaultListLimit = 100
)

const violationColumns = `seq, id, subject_id, action_type, type, score, action, lat, lon, snapshot, findings,
	created_at_ns, previous_hash, record_hash, hmac, resolved_by, resolved_at_ns, resolution_notes, resolution_hmac`

// LedgerStatus is the outcome of a full chain walk.
type LedgerStatus struct {
	Records    int64     `json:"records"`
	ChainHash  string    `json:"chain_hash"`
	VerifiedAt time.Time `json:"verified_at"`
}

// IntegrityOK reports whether the ledger passed its last verification.
func (s *Store) IntegrityOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrityOK
}

// loadIntegrity initializes the integrity row for an empty ledger or
// verifies the existing chain.
func (s *Store) loadIntegrity() error {
	var count int64
	err := s.db.QueryRow(`SELECT record_count FROM ledger_integrity WHERE id = 1`).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		var rows int64
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM violations`).Scan(&rows); err != nil {
			return fmt.Errorf("count violations: %w", err)
		}
		if rows > 0 {
			return fmt.Errorf("%w: integrity record missing", ErrIntegrity)
		}
		return s.initializeIntegrity()
	}
	if err != nil {
		return fmt.Errorf("read integrity record: %w", err)
	}

	_, err = s.VerifyLedger(context.Background())
	return err
}

func (s *Store) initializeIntegrity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero [32]byte
	_, err := s.db.Exec(`
		INSERT INTO ledger_integrity (id, chain_hash, record_count, last_verified, hmac)
		VALUES (1, ?, 0, ?, ?)`,
		zero[:], s.now().UnixNano(), s.integrityMAC(zero, 0),
	)
	if err != nil {
		return fmt.Errorf("initialize integrity: %w", err)
	}
	s.lastHash = zero
	s.integrityOK = true
	return nil
}

// VerifyLedger walks the whole chain and checks every link, record HMAC and
// resolution seal. Any failure wraps ErrIntegrity and blocks further inserts.
func (s *Store) VerifyLedger(ctx context.Context) (*LedgerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, count, err := s.verifyChain(ctx)
	if err != nil {
		s.integrityOK = false
		return nil, err
	}
	s.lastHash = head
	s.integrityOK = true
	return &LedgerStatus{
		Records:    count,
		ChainHash:  hex.EncodeToString(head[:]),
		VerifiedAt: s.now(),
	}, nil
}

func (s *Store) verifyChain(ctx context.Context) ([32]byte, int64, error) {
	var zero [32]byte

	var chainHash, storedMAC []byte
	var recordCount int64
	err := s.db.QueryRowContext(ctx, `SELECT chain_hash, record_count, hmac FROM ledger_integrity WHERE id = 1`).
		Scan(&chainHash, &recordCount, &storedMAC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, 0, fmt.Errorf("%w: integrity record missing", ErrIntegrity)
		}
		return zero, 0, fmt.Errorf("read integrity record: %w", err)
	}
	var expectedHead [32]byte
	copy(expectedHead[:], chainHash)
	if !hmac.Equal(storedMAC, s.integrityMAC(expectedHead, recordCount)) {
		return zero, 0, fmt.Errorf("%w: integrity record HMAC mismatch", ErrIntegrity)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+violationColumns+` FROM violations ORDER BY seq ASC`)
	if err != nil {
		return zero, 0, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var last [32]byte
	var count int64
	for rows.Next() {
		rr, err := scanRawViolation(rows)
		if err != nil {
			return zero, 0, fmt.Errorf("scan violation: %w", err)
		}
		if !hmac.Equal(rr.previousHash, last[:]) {
			return zero, 0, fmt.Errorf("%w: chain break at %s", ErrIntegrity, rr.id)
		}
		if !hmac.Equal(rr.mac, s.recordMAC(rr)) {
			return zero, 0, fmt.Errorf("%w: record %s HMAC mismatch", ErrIntegrity, rr.id)
		}
		computed := recordHash(rr)
		if !hmac.Equal(rr.recordHash, computed[:]) {
			return zero, 0, fmt.Errorf("%w: record %s hash mismatch", ErrIntegrity, rr.id)
		}
		if rr.resolvedAt.Valid {
			if !hmac.Equal(rr.resolutionMAC, s.resolutionMAC(computed, rr.resolvedBy.String, rr.resolvedAt.Int64, rr.notes.String)) {
				return zero, 0, fmt.Errorf("%w: record %s resolution HMAC mismatch", ErrIntegrity, rr.id)
			}
		} else if rr.resolvedBy.Valid || len(rr.resolutionMAC) > 0 {
			return zero, 0, fmt.Errorf("%w: record %s has partial resolution", ErrIntegrity, rr.id)
		}
		last = computed
		count++
	}
	if err := rows.Err(); err != nil {
		return zero, 0, fmt.Errorf("iterate violations: %w", err)
	}

	if count != recordCount {
		return zero, 0, fmt.Errorf("%w: record count mismatch: expected %d, found %d", ErrIntegrity, recordCount, count)
	}
	if last != expectedHead {
		return zero, 0, fmt.Errorf("%w: chain hash mismatch", ErrIntegrity)
	}
	return last, count, nil
}

// InsertViolation appends rec to the ledger. ID and CreatedAt are filled in
// when empty; Seq and the chain hashes are always set.
func (s *Store) InsertViolation(ctx context.Context, rec *ViolationRecord) error {
	if rec.SubjectID == "" {
		return errors.New("insert violation: subject id required")
	}
	if !rec.Action.Valid() {
		return fmt.Errorf("insert violation: invalid action %q", rec.Action)
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("insert violation: invalid type %q", rec.Type)
	}
	if rec.Resolution != nil {
		return errors.New("insert violation: new records must be unresolved")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	findings, err := json.Marshal(nonNilViolations(rec.Violations))
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.integrityOK {
		return fmt.Errorf("%w: refusing to write", ErrIntegrity)
	}

	rr := rawViolation{
		id:          rec.ID,
		subjectID:   rec.SubjectID,
		actionType:  string(rec.ActionType),
		vtype:       string(rec.Type),
		score:       int64(rec.Score),
		action:      string(rec.Action),
		snapshot:    string(snapshot),
		findings:    string(findings),
		createdAtNs: rec.CreatedAt.UnixNano(),
	}
	if rec.Location != nil {
		rr.lat = sql.NullFloat64{Float64: rec.Location.Lat, Valid: true}
		rr.lon = sql.NullFloat64{Float64: rec.Location.Lon, Valid: true}
	}
	prev := s.lastHash
	rr.previousHash = prev[:]
	rh := recordHash(&rr)
	mac := s.recordMAC(&rr)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO violations (id, subject_id, action_type, type, score, action, lat, lon, snapshot, findings, created_at_ns, previous_hash, record_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rr.id, rr.subjectID, rr.actionType, rr.vtype, rr.score, rr.action, rr.lat, rr.lon,
		rr.snapshot, rr.findings, rr.createdAtNs, prev[:], rh[:], mac,
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT record_count FROM ledger_integrity WHERE id = 1`).Scan(&count); err != nil {
		return fmt.Errorf("read integrity record: %w", err)
	}
	count++
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_integrity SET chain_hash = ?, record_count = ?, hmac = ? WHERE id = 1`,
		rh[:], count, s.integrityMAC(rh, count),
	); err != nil {
		return fmt.Errorf("update integrity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.lastHash = rh
	rec.Seq = seq
	rec.PreviousHash = prev
	rec.RecordHash = rh
	return nil
}

// GetViolation returns the record with id, or nil when it does not exist.
func (s *Store) GetViolation(ctx context.Context, id string) (*ViolationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM violations WHERE id = ?`, id)
	rr, err := scanRawViolation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get violation: %w", err)
	}
	return rr.record()
}

// ListViolations returns records matching f, newest first.
func (s *Store) ListViolations(ctx context.Context, f ViolationFilter) ([]ViolationRecord, error) {
	var where []string
	var args []any
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.Resolved != nil {
		if *f.Resolved {
			where = append(where, "resolved_at_ns IS NOT NULL")
		} else {
			where = append(where, "resolved_at_ns IS NULL")
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at_ns <= ?")
		args = append(args, f.Until.UnixNano())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := `SELECT ` + violationColumns + ` FROM violations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var records []ViolationRecord
	for rows.Next() {
		rr, err := scanRawViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		rec, err := rr.record()
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return records, nil
}

// ResolveViolation closes the record with id at the given time, or now when
// at is zero. A record can be resolved once; later attempts return
// ErrAlreadyResolved.
func (s *Store) ResolveViolation(ctx context.Context, id, resolverID, notes string, at time.Time) (*ViolationRecord, error) {
	if strings.TrimSpace(resolverID) == "" {
		return nil, errors.New("resolve violation: resolver id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.integrityOK {
		return nil, fmt.Errorf("%w: refusing to write", ErrIntegrity)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rh []byte
	var resolvedAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT record_hash, resolved_at_ns FROM violations WHERE id = ?`, id).
		Scan(&rh, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read violation: %w", err)
	}
	if resolvedAt.Valid {
		return nil, ErrAlreadyResolved
	}

	var head [32]byte
	copy(head[:], rh)
	if at.IsZero() {
		at = s.now()
	}
	atNs := at.UnixNano()
	seal := s.resolutionMAC(head, resolverID, atNs, notes)
	if _, err := tx.ExecContext(ctx, `
		UPDATE violations SET resolved_by = ?, resolved_at_ns = ?, resolution_notes = ?, resolution_hmac = ?
		WHERE id = ? AND resolved_at_ns IS NULL`,
		resolverID, atNs, notes, seal, id,
	); err != nil {
		return nil, fmt.Errorf("resolve violation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetViolation(ctx, id)
}

// rawViolation is a violations row exactly as stored.
type rawViolation struct {
	seq           int64
	id            string
	subjectID     string
	actionType    string
	vtype         string
	score         int64
	action        string
	lat, lon      sql.NullFloat64
	snapshot      string
	findings      string
	createdAtNs   int64
	previousHash  []byte
	recordHash    []byte
	mac           []byte
	resolvedBy    sql.NullString
	resolvedAt    sql.NullInt64
	notes         sql.NullString
	resolutionMAC []byte
}

func scanRawViolation(row rowScanner) (*rawViolation, error) {
	var rr rawViolation
	err := row.Scan(&rr.seq, &rr.id, &rr.subjectID, &rr.actionType, &rr.vtype, &rr.score, &rr.action,
		&rr.lat, &rr.lon, &rr.snapshot, &rr.findings, &rr.createdAtNs, &rr.previousHash, &rr.recordHash,
		&rr.mac, &rr.resolvedBy, &rr.resolvedAt, &rr.notes, &rr.resolutionMAC)
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

func (rr *rawViolation) record() (*ViolationRecord, error) {
	rec := &ViolationRecord{
		ID:         rr.id,
		SubjectID:  rr.subjectID,
		ActionType: checks.ActionType(rr.actionType),
		Type:       checks.ViolationType(rr.vtype),
		Score:      int(rr.score),
		Action:     ActionTaken(rr.action),
		CreatedAt:  time.Unix(0, rr.createdAtNs).UTC(),
		Seq:        rr.seq,
	}
	if rr.lat.Valid && rr.lon.Valid {
		rec.Location = &geo.Point{Lat: rr.lat.Float64, Lon: rr.lon.Float64}
	}
	if err := json.Unmarshal([]byte(rr.snapshot), &rec.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", rr.id, err)
	}
	if err := json.Unmarshal([]byte(rr.findings), &rec.Violations); err != nil {
		return nil, fmt.Errorf("decode violations for %s: %w", rr.id, err)
	}
	copy(rec.PreviousHash[:], rr.previousHash)
	copy(rec.RecordHash[:], rr.recordHash)
	if rr.resolvedAt.Valid {
		rec.Resolution = &Resolution{
			ResolverID: rr.resolvedBy.String,
			ResolvedAt: time.Unix(0, rr.resolvedAt.Int64).UTC(),
			Notes:      rr.notes.String,
		}
	}
	return rec, nil
}

func nonNilViolations(v []checks.Violation) []checks.Violation {
	if v == nil {
		return []checks.Violation{}
	}
	return v
}

// HMAC helpers

// fieldWriter length-prefixes variable fields so that adjacent values cannot
// be shifted into each other.
type fieldWriter struct {
	h hash.Hash
}

func (w fieldWriter) str(s string) {
	w.i64(int64(len(s)))
	w.h.Write([]byte(s))
}

func (w fieldWriter) bytes(b []byte) {
	w.i64(int64(len(b)))
	w.h.Write(b)
}

func (w fieldWriter) i64(n int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	w.h.Write(buf[:])
}

func (w fieldWriter) optFloat(f sql.NullFloat64) {
	if !f.Valid {
		w.h.Write([]byte{0})
		return
	}
	w.h.Write([]byte{1})
	w.i64(int64(math.Float64bits(f.Float64)))
}

func (w fieldWriter) record(rr *rawViolation) {
	w.str(rr.id)
	w.str(rr.subjectID)
	w.str(rr.actionType)
	w.str(rr.vtype)
	w.i64(rr.score)
	w.str(rr.action)
	w.optFloat(rr.lat)
	w.optFloat(rr.lon)
	w.str(rr.snapshot)
	w.str(rr.findings)
	w.i64(rr.createdAtNs)
	w.bytes(rr.previousHash)
}

func recordHash(rr *rawViolation) [32]byte {
	h := sha256.New()
	h.Write([]byte(recordDomain))
	fieldWriter{h}.record(rr)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (s *Store) recordMAC(rr *rawViolation) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte(recordDomain))
	fieldWriter{h}.record(rr)
	return h.Sum(nil)
}

func (s *Store) integrityMAC(head [32]byte, count int64) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte(integrityDomain))
	w := fieldWriter{h}
	w.bytes(head[:])
	w.i64(count)
	return h.Sum(nil)
}

func (s *Store) resolutionMAC(head [32]byte, resolverID string, resolvedAtNs int64, notes string) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte(resolutionDomain))
	w := fieldWriter{h}
	w.bytes(head[:])
	w.str(resolverID)
	w.i64(resolvedAtNs)
	w.str(notes)
	return h.Sum(nil)
}
