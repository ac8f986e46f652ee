package geo

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"

	"github.com/oschwald/geoip2-golang"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestDistanceKmSamePoint(t *testing.T) {
	points := []Point{
		{Lat: 0, Lon: 0},
		{Lat: 51.5074, Lon: -0.1278},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 90, Lon: 0},
	}
	for _, p := range points {
		if d := DistanceKm(p, p); d != 0 {
			t.Errorf("DistanceKm(%v, %v) = %f, want 0", p, p, d)
		}
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	pairs := [][2]Point{
		{{Lat: 40.7128, Lon: -74.0060}, {Lat: 34.0522, Lon: -118.2437}},
		{{Lat: 51.5074, Lon: -0.1278}, {Lat: 48.8566, Lon: 2.3522}},
		{{Lat: -1, Lon: 179.9}, {Lat: 1, Lon: -179.9}},
	}
	for _, pair := range pairs {
		ab := DistanceKm(pair[0], pair[1])
		ba := DistanceKm(pair[1], pair[0])
		if !approxEqual(ab, ba, 1e-9) {
			t.Errorf("asymmetric distance: %f vs %f", ab, ba)
		}
	}
}

func TestDistanceKmKnownValues(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
		tol  float64
	}{
		{"london-paris", Point{51.5074, -0.1278}, Point{48.8566, 2.3522}, 343.5, 1.0},
		{"nyc-la", Point{40.7128, -74.0060}, Point{34.0522, -118.2437}, 3935.7, 5.0},
		{"one degree lat", Point{0, 0}, Point{1, 0}, 111.19, 0.05},
		{"antipodal", Point{0, 0}, Point{0, 180}, math.Pi * EarthRadiusKm, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.a, tt.b)
			if !approxEqual(got, tt.want, tt.tol) {
				t.Errorf("DistanceKm = %f, want %f ± %f", got, tt.want, tt.tol)
			}
		})
	}
}

func TestDistanceMeters(t *testing.T) {
	a := Point{Lat: 0, Lon: 0}
	b := Point{Lat: 0.001, Lon: 0}
	if got := DistanceMeters(a, b); !approxEqual(got, 111.19, 0.1) {
		t.Errorf("DistanceMeters = %f, want ~111.19", got)
	}
}

func TestBearing(t *testing.T) {
	origin := Point{Lat: 0, Lon: 0}
	tests := []struct {
		name string
		to   Point
		want float64
	}{
		{"north", Point{1, 0}, 0},
		{"east", Point{0, 1}, 90},
		{"south", Point{-1, 0}, 180},
		{"west", Point{0, -1}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bearing(origin, tt.to)
			if !approxEqual(got, tt.want, 1e-6) {
				t.Errorf("Bearing = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestBearingRange(t *testing.T) {
	points := []Point{{10, 10}, {-10, -170}, {45, 179}, {-80, 5}, {0, -0.0001}}
	for _, a := range points {
		for _, b := range points {
			got := Bearing(a, b)
			if got < 0 || got >= 360 {
				t.Errorf("Bearing(%v, %v) = %f out of [0,360)", a, b, got)
			}
		}
	}
}

func TestPointValid(t *testing.T) {
	if !(Point{Lat: 45, Lon: 90}).Valid() {
		t.Error("expected valid point")
	}
	for _, p := range []Point{{91, 0}, {0, 181}, {-91, 0}, {math.NaN(), 0}} {
		if p.Valid() {
			t.Errorf("expected %v to be invalid", p)
		}
	}
}

type fakeCityReader struct {
	record *geoip2.City
	err    error
	calls  int
}

func (f *fakeCityReader) City(ip net.IP) (*geoip2.City, error) {
	f.calls++
	return f.record, f.err
}

type memoryCache struct {
	entries map[string]IPLocation
}

func (m *memoryCache) Get(ctx context.Context, ip string) (*IPLocation, error) {
	loc, ok := m.entries[ip]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

func (m *memoryCache) Set(ctx context.Context, loc IPLocation) error {
	m.entries[loc.IP] = loc
	return nil
}

func newCityRecord(lat, lon float64) *geoip2.City {
	rec := &geoip2.City{}
	rec.Location.Latitude = lat
	rec.Location.Longitude = lon
	rec.Location.AccuracyRadius = 20
	rec.City.Names = map[string]string{"en": "Berlin"}
	rec.Country.IsoCode = "DE"
	return rec
}

func TestResolverLookupCaches(t *testing.T) {
	reader := &fakeCityReader{record: newCityRecord(52.52, 13.405)}
	cache := &memoryCache{entries: map[string]IPLocation{}}
	r := NewResolver(reader, cache)

	loc, err := r.Lookup(context.Background(), "81.2.69.160")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if loc.City != "Berlin" || loc.Country != "DE" {
		t.Errorf("unexpected location: %+v", loc)
	}
	if loc.AccuracyKm != 20 {
		t.Errorf("AccuracyKm = %f, want 20", loc.AccuracyKm)
	}

	if _, err := r.Lookup(context.Background(), "81.2.69.160"); err != nil {
		t.Fatalf("second Lookup failed: %v", err)
	}
	if reader.calls != 1 {
		t.Errorf("reader called %d times, want 1", reader.calls)
	}
}

func TestResolverLookupErrors(t *testing.T) {
	r := NewResolver(&fakeCityReader{record: newCityRecord(0, 0)}, nil)

	if _, err := r.Lookup(context.Background(), "not-an-ip"); err == nil {
		t.Error("expected error for invalid address")
	}
	if _, err := r.Lookup(context.Background(), "10.0.0.1"); !errors.Is(err, ErrNoLocation) {
		t.Errorf("expected ErrNoLocation, got %v", err)
	}

	failing := NewResolver(&fakeCityReader{err: errors.New("corrupt db")}, nil)
	if _, err := failing.Lookup(context.Background(), "10.0.0.1"); err == nil {
		t.Error("expected reader error to propagate")
	}
}
