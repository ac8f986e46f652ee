package checks

import (
	"context"
	"time"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeHistory struct {
	entries []HistoryEntry
	err     error
}

func (f *fakeHistory) LatestHistory(ctx context.Context, subjectID string) (*HistoryEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.entries) == 0 {
		return nil, nil
	}
	e := f.entries[len(f.entries)-1]
	return &e, nil
}

func (f *fakeHistory) RecentHistory(ctx context.Context, subjectID string, limit int) ([]HistoryEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.entries) > limit {
		return f.entries[len(f.entries)-limit:], nil
	}
	return f.entries, nil
}

type fakeMatcher struct {
	confidence float64
	err        error
	calls      int
}

func (m *fakeMatcher) Compare(ctx context.Context, reference, candidate []byte) (float64, error) {
	m.calls++
	return m.confidence, m.err
}

type fakeDirectory struct {
	image []byte
	err   error
}

func (d *fakeDirectory) ReferenceImage(ctx context.Context, subjectID string) ([]byte, error) {
	return d.image, d.err
}

func ptr[T any](v T) *T { return &v }

func entryAt(lat, lon float64, at time.Time, accuracy *float64) HistoryEntry {
	return HistoryEntry{Sample: LocationSample{
		SubjectID:  "emp-1",
		Lat:        lat,
		Lon:        lon,
		Accuracy:   accuracy,
		CapturedAt: at,
	}}
}

func primaryAt(lat, lon float64, at time.Time) *PrimaryLocation {
	return &PrimaryLocation{Lat: lat, Lon: lon, CapturedAt: at}
}
