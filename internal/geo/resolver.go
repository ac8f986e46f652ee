package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/redis/go-redis/v9"
)

// ErrNoLocation is returned when an address has no usable coordinates.
var ErrNoLocation = errors.New("geo: no location for address")

// IPLocation is the coarse position of an IP address.
type IPLocation struct {
	IP         string  `json:"ip"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	City       string  `json:"city,omitempty"`
	Region     string  `json:"region,omitempty"`
	Country    string  `json:"country,omitempty"`
	AccuracyKm float64 `json:"accuracy_km,omitempty"`
}

// Point returns the coordinate part of the location.
func (l IPLocation) Point() Point {
	return Point{Lat: l.Lat, Lon: l.Lon}
}

// CityReader is the subset of *geoip2.Reader used by Resolver.
type CityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

// Cache stores resolved locations between lookups.
type Cache interface {
	Get(ctx context.Context, ip string) (*IPLocation, error)
	Set(ctx context.Context, loc IPLocation) error
}

// Resolver maps IP addresses to coordinates using a MaxMind City database.
type Resolver struct {
	reader CityReader
	cache  Cache
	closer func() error
}

// OpenResolver opens the MaxMind database at path. cache may be nil.
func OpenResolver(path string, cache Cache) (*Resolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Resolver{reader: reader, cache: cache, closer: reader.Close}, nil
}

// NewResolver builds a resolver over an existing reader.
func NewResolver(reader CityReader, cache Cache) *Resolver {
	return &Resolver{reader: reader, cache: cache}
}

// Lookup resolves ip, consulting the cache first.
func (r *Resolver) Lookup(ctx context.Context, ip string) (*IPLocation, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("parse ip %q: invalid address", ip)
	}

	if r.cache != nil {
		if loc, err := r.cache.Get(ctx, ip); err == nil && loc != nil {
			return loc, nil
		}
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("lookup city: %w", err)
	}
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return nil, ErrNoLocation
	}

	loc := IPLocation{
		IP:         ip,
		Lat:        record.Location.Latitude,
		Lon:        record.Location.Longitude,
		City:       record.City.Names["en"],
		Country:    record.Country.IsoCode,
		AccuracyKm: float64(record.Location.AccuracyRadius),
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].IsoCode
	}

	if r.cache != nil {
		// A cache write failure only costs a repeat lookup.
		_ = r.cache.Set(ctx, loc)
	}
	return &loc, nil
}

// Close releases the underlying database.
func (r *Resolver) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}

// RedisCache stores IP locations as JSON under "geo:<ip>".
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache creates a cache with the given entry lifetime.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func geoKey(ip string) string {
	return "geo:" + ip
}

// Get returns nil, nil on a cache miss.
func (c *RedisCache) Get(ctx context.Context, ip string) (*IPLocation, error) {
	value, err := c.client.Get(ctx, geoKey(ip)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached location: %w", err)
	}

	var loc IPLocation
	if err := json.Unmarshal([]byte(value), &loc); err != nil {
		return nil, fmt.Errorf("decode cached location: %w", err)
	}
	return &loc, nil
}

// Set writes loc with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, loc IPLocation) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	if err := c.client.Set(ctx, geoKey(loc.IP), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache location: %w", err)
	}
	return nil
}
