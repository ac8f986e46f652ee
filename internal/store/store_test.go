package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"geoattest/internal/checks"
	"geoattest/internal/geo"
)

var testKey = bytes.Repeat([]byte{0x5a}, MinKeySize)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, testKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func allResults() []checks.Result {
	results := make([]checks.Result, 0, len(checks.Names))
	for _, name := range checks.Names {
		results = append(results, checks.Pass(name))
	}
	return results
}

func testRecord(t *testing.T, subject string, action ActionTaken) *ViolationRecord {
	t.Helper()
	results := allResults()
	results[0] = checks.Result{
		Check:  checks.CheckMockLocation,
		Score:  100,
		Passed: false,
		Violations: []checks.Violation{{
			Type:     checks.ViolationMockLocation,
			Severity: checks.SeverityCritical,
			Message:  "mock location enabled",
		}},
	}
	snap, err := NewCheckSnapshot(results)
	if err != nil {
		t.Fatalf("NewCheckSnapshot failed: %v", err)
	}
	return &ViolationRecord{
		SubjectID:  subject,
		ActionType: checks.ActionClockIn,
		Type:       checks.ViolationMockLocation,
		Score:      100,
		Action:     action,
		Location:   &geo.Point{Lat: 51.5074, Lon: -0.1278},
		Snapshot:   snap,
		Violations: results[0].Violations,
	}
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), testKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !s.IntegrityOK() {
		t.Error("new store should pass integrity")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"), testKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestOpenRejectsShortKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "test.db"), []byte("short"))
	if err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestLatestHistoryEmpty(t *testing.T) {
	s, _ := openTestStore(t)

	e, err := s.LatestHistory(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LatestHistory failed: %v", err)
	}
	if e != nil {
		t.Errorf("expected nil entry, got %+v", e)
	}
}

func TestAppendAndLatestHistory(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	acc := 5.0

	first := &checks.HistoryEntry{Sample: checks.LocationSample{
		SubjectID: "emp-1", Lat: 40.7128, Lon: -74.0060, Accuracy: &acc,
		CapturedAt: base, ActionType: checks.ActionClockIn,
	}}
	if err := s.AppendHistory(ctx, first); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}
	if first.ID == 0 {
		t.Error("expected ID to be set")
	}
	if first.RecordedAt.IsZero() {
		t.Error("expected RecordedAt to be set")
	}

	second := checks.Derive(checks.LocationSample{
		SubjectID: "emp-1", Lat: 40.7138, Lon: -74.0060,
		CapturedAt: base.Add(time.Minute), ActionType: checks.ActionLocationUpdate,
	}, first)
	if err := s.AppendHistory(ctx, &second); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	latest, err := s.LatestHistory(ctx, "emp-1")
	if err != nil {
		t.Fatalf("LatestHistory failed: %v", err)
	}
	if latest == nil {
		t.Fatal("LatestHistory returned nil")
	}
	if latest.ID != second.ID {
		t.Errorf("expected latest ID %d, got %d", second.ID, latest.ID)
	}
	if latest.ElapsedMs != 60000 {
		t.Errorf("expected elapsed 60000ms, got %d", latest.ElapsedMs)
	}
	if latest.DistanceKm <= 0 {
		t.Error("expected derived distance")
	}
	if !latest.Sample.CapturedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("captured_at mismatch: %v", latest.Sample.CapturedAt)
	}
	if latest.Sample.ActionType != checks.ActionLocationUpdate {
		t.Errorf("action type mismatch: %s", latest.Sample.ActionType)
	}
}

func TestRecentHistoryOldestFirst(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		e := &checks.HistoryEntry{Sample: checks.LocationSample{
			SubjectID: "emp-1", Lat: float64(i) * 0.001,
			CapturedAt: base.Add(time.Duration(i) * time.Second),
		}}
		if err := s.AppendHistory(ctx, e); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}
	other := &checks.HistoryEntry{Sample: checks.LocationSample{SubjectID: "emp-2", CapturedAt: base}}
	if err := s.AppendHistory(ctx, other); err != nil {
		t.Fatalf("AppendHistory failed: %v", err)
	}

	entries, err := s.RecentHistory(ctx, "emp-1", 3)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []float64{0.002, 0.003, 0.004} {
		if entries[i].Sample.Lat != want {
			t.Errorf("entry %d: expected lat %v, got %v", i, want, entries[i].Sample.Lat)
		}
		if entries[i].Sample.SubjectID != "emp-1" {
			t.Errorf("entry %d leaked subject %s", i, entries[i].Sample.SubjectID)
		}
	}

	none, err := s.RecentHistory(ctx, "emp-1", 0)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no entries for zero limit, got %d", len(none))
	}
}

func TestInsertAndGetViolation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "emp-1", ActionBlocked)
	if err := s.InsertViolation(ctx, rec); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated ID")
	}
	if rec.Seq != 1 {
		t.Errorf("expected seq 1, got %d", rec.Seq)
	}
	if rec.PreviousHash != [32]byte{} {
		t.Error("first record should link to zero hash")
	}

	got, err := s.GetViolation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetViolation failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetViolation returned nil")
	}
	if got.Type != checks.ViolationMockLocation || got.Score != 100 || got.Action != ActionBlocked {
		t.Errorf("record mismatch: %+v", got)
	}
	if got.Location == nil || got.Location.Lat != 51.5074 {
		t.Errorf("location mismatch: %+v", got.Location)
	}
	if got.Snapshot.MockLocation.Score != 100 || got.Snapshot.MockLocation.Passed {
		t.Errorf("snapshot mismatch: %+v", got.Snapshot.MockLocation)
	}
	if !got.Snapshot.Speed.Passed {
		t.Error("speed outcome should be passed")
	}
	if len(got.Violations) != 1 {
		t.Errorf("expected 1 violation, got %d", len(got.Violations))
	}
	if got.Resolved() {
		t.Error("new record should be unresolved")
	}
	if got.RecordHash != rec.RecordHash {
		t.Error("record hash mismatch")
	}

	second := testRecord(t, "emp-1", ActionFlagged)
	if err := s.InsertViolation(ctx, second); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	if second.PreviousHash != rec.RecordHash {
		t.Error("second record should link to first")
	}
}

func TestInsertViolationValidation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "", ActionBlocked)
	if err := s.InsertViolation(ctx, rec); err == nil {
		t.Error("expected error for missing subject")
	}

	rec = testRecord(t, "emp-1", ActionTaken("MAYBE"))
	if err := s.InsertViolation(ctx, rec); err == nil {
		t.Error("expected error for invalid action")
	}

	rec = testRecord(t, "emp-1", ActionBlocked)
	rec.Resolution = &Resolution{ResolverID: "x"}
	if err := s.InsertViolation(ctx, rec); err == nil {
		t.Error("expected error for pre-resolved record")
	}
}

func TestGetViolationNotFound(t *testing.T) {
	s, _ := openTestStore(t)

	got, err := s.GetViolation(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetViolation failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing record")
	}
}

func TestListViolationsFilters(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, r := range []*ViolationRecord{
		testRecord(t, "emp-1", ActionBlocked),
		testRecord(t, "emp-1", ActionFlagged),
		testRecord(t, "emp-2", ActionBlocked),
	} {
		if err := s.InsertViolation(ctx, r); err != nil {
			t.Fatalf("InsertViolation failed: %v", err)
		}
	}

	all, err := s.ListViolations(ctx, ViolationFilter{})
	if err != nil {
		t.Fatalf("ListViolations failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].Seq < all[2].Seq {
		t.Error("expected newest first")
	}

	bySubject, _ := s.ListViolations(ctx, ViolationFilter{SubjectID: "emp-1"})
	if len(bySubject) != 2 {
		t.Errorf("expected 2 records for emp-1, got %d", len(bySubject))
	}

	blocked, _ := s.ListViolations(ctx, ViolationFilter{Action: ActionBlocked})
	if len(blocked) != 2 {
		t.Errorf("expected 2 blocked records, got %d", len(blocked))
	}

	if _, err := s.ResolveViolation(ctx, all[0].ID, "reviewer", "", time.Time{}); err != nil {
		t.Fatalf("ResolveViolation failed: %v", err)
	}
	unresolved := false
	open, _ := s.ListViolations(ctx, ViolationFilter{Resolved: &unresolved})
	if len(open) != 2 {
		t.Errorf("expected 2 unresolved records, got %d", len(open))
	}

	paged, _ := s.ListViolations(ctx, ViolationFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].ID != all[1].ID {
		t.Errorf("unexpected page: %+v", paged)
	}

	future, _ := s.ListViolations(ctx, ViolationFilter{Since: time.Now().Add(time.Hour)})
	if len(future) != 0 {
		t.Errorf("expected no records after now, got %d", len(future))
	}
}

func TestResolveViolationOnce(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "emp-1", ActionBlocked)
	if err := s.InsertViolation(ctx, rec); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}

	if _, err := s.ResolveViolation(ctx, rec.ID, "  ", "notes", time.Time{}); err == nil {
		t.Error("expected error for blank resolver")
	}

	at := time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC)
	resolved, err := s.ResolveViolation(ctx, rec.ID, "manager-7", "confirmed on site", at)
	if err != nil {
		t.Fatalf("ResolveViolation failed: %v", err)
	}
	if !resolved.Resolved() {
		t.Fatal("expected record to be resolved")
	}
	if resolved.Resolution.ResolverID != "manager-7" || resolved.Resolution.Notes != "confirmed on site" {
		t.Errorf("resolution mismatch: %+v", resolved.Resolution)
	}
	if !resolved.Resolution.ResolvedAt.Equal(at) {
		t.Errorf("resolved_at = %v, want %v", resolved.Resolution.ResolvedAt, at)
	}

	_, err = s.ResolveViolation(ctx, rec.ID, "manager-8", "again", time.Time{})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}

	again, _ := s.GetViolation(ctx, rec.ID)
	if again.Resolution.ResolverID != "manager-7" {
		t.Error("second resolve must not overwrite the first")
	}

	_, err = s.ResolveViolation(ctx, "missing", "manager-7", "", time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := s.VerifyLedger(ctx); err != nil {
		t.Errorf("ledger should verify after resolution: %v", err)
	}
}

func TestVerifyLedger(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.InsertViolation(ctx, testRecord(t, "emp-1", ActionBlocked)); err != nil {
			t.Fatalf("InsertViolation failed: %v", err)
		}
	}

	status, err := s.VerifyLedger(ctx)
	if err != nil {
		t.Fatalf("VerifyLedger failed: %v", err)
	}
	if status.Records != 3 {
		t.Errorf("expected 3 records, got %d", status.Records)
	}
	if len(status.ChainHash) != 64 {
		t.Errorf("unexpected chain hash %q", status.ChainHash)
	}
}

func TestVerifyLedgerDetectsTampering(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "emp-1", ActionBlocked)
	if err := s.InsertViolation(ctx, rec); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE violations SET score = 10 WHERE id = ?`, rec.ID); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	_, err := s.VerifyLedger(ctx)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if s.IntegrityOK() {
		t.Error("IntegrityOK should be false after failed verification")
	}

	err = s.InsertViolation(ctx, testRecord(t, "emp-1", ActionBlocked))
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected writes to be refused, got %v", err)
	}
}

func TestVerifyLedgerDetectsResolutionTampering(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	rec := testRecord(t, "emp-1", ActionBlocked)
	if err := s.InsertViolation(ctx, rec); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	if _, err := s.ResolveViolation(ctx, rec.ID, "manager-7", "ok", time.Time{}); err != nil {
		t.Fatalf("ResolveViolation failed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE violations SET resolved_by = 'someone-else' WHERE id = ?`, rec.ID); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	if _, err := s.VerifyLedger(ctx); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestVerifyLedgerDetectsDeletion(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec := testRecord(t, "emp-1", ActionBlocked)
		if err := s.InsertViolation(ctx, rec); err != nil {
			t.Fatalf("InsertViolation failed: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	if _, err := s.db.Exec(`DELETE FROM violations WHERE id = ?`, ids[1]); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := s.VerifyLedger(ctx); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestReopenVerifiesChain(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertViolation(ctx, testRecord(t, "emp-1", ActionBlocked)); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	s.Close()

	reopened, err := Open(path, testKey)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := reopened.InsertViolation(ctx, testRecord(t, "emp-2", ActionFlagged)); err != nil {
		t.Fatalf("InsertViolation after reopen failed: %v", err)
	}
	reopened.Close()

	otherKey := bytes.Repeat([]byte{0x01}, MinKeySize)
	wrong, err := Open(path, otherKey)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity with wrong key, got %v", err)
	}
	if wrong == nil {
		t.Fatal("store should still be returned for reads")
	}
	defer wrong.Close()
	if wrong.IntegrityOK() {
		t.Error("IntegrityOK should be false")
	}
	records, err := wrong.ListViolations(ctx, ViolationFilter{})
	if err != nil || len(records) != 2 {
		t.Errorf("reads should still work: %d records, err %v", len(records), err)
	}
}

func TestSnapshotRequiresEveryCheck(t *testing.T) {
	results := allResults()
	if _, err := NewCheckSnapshot(results[:7]); !errors.Is(err, ErrSnapshot) {
		t.Errorf("expected ErrSnapshot for missing check, got %v", err)
	}

	dup := append(allResults(), checks.Pass(checks.CheckSpeed))
	if _, err := NewCheckSnapshot(dup); !errors.Is(err, ErrSnapshot) {
		t.Errorf("expected ErrSnapshot for duplicate check, got %v", err)
	}

	snap, err := NewCheckSnapshot(results)
	if err != nil {
		t.Fatalf("NewCheckSnapshot failed: %v", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	delete(raw, string(checks.CheckBiometric))
	partial, _ := json.Marshal(raw)

	var decoded CheckSnapshot
	if err := json.Unmarshal(partial, &decoded); !errors.Is(err, ErrSnapshot) {
		t.Errorf("expected ErrSnapshot decoding partial snapshot, got %v", err)
	}

	var outcome CheckOutcome
	if err := json.Unmarshal([]byte(`{"score": 10}`), &outcome); !errors.Is(err, ErrSnapshot) {
		t.Errorf("expected ErrSnapshot for outcome without passed, got %v", err)
	}
}

func TestMigrationStatusAndRollback(t *testing.T) {
	s, _ := openTestStore(t)

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("expected current %d to equal latest %d", status.CurrentVersion, status.LatestVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	status, _ = GetMigrationStatus(s.DB())
	if status.CurrentVersion != status.LatestVersion-1 || len(status.Pending) != 1 {
		t.Errorf("unexpected status after rollback: %+v", status)
	}

	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	status, _ = GetMigrationStatus(s.DB())
	if status.CurrentVersion != status.LatestVersion {
		t.Error("expected migrations to be reapplied")
	}
}

func TestGetStats(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for _, subject := range []string{"emp-1", "emp-1", "emp-2"} {
		e := &checks.HistoryEntry{Sample: checks.LocationSample{SubjectID: subject, CapturedAt: base}}
		if err := s.AppendHistory(ctx, e); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}
	rec := testRecord(t, "emp-1", ActionBlocked)
	if err := s.InsertViolation(ctx, rec); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	if err := s.InsertViolation(ctx, testRecord(t, "emp-2", ActionFlagged)); err != nil {
		t.Fatalf("InsertViolation failed: %v", err)
	}
	if _, err := s.ResolveViolation(ctx, rec.ID, "manager", "", time.Time{}); err != nil {
		t.Fatalf("ResolveViolation failed: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if st.HistoryEntries != 3 || st.Subjects != 2 || st.Violations != 2 || st.UnresolvedViolations != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}
