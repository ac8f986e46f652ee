package security

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func TestValidateKeyStrength(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
		ok   bool
	}{
		{"short", []byte("short"), false},
		{"zeros", make([]byte, 32), false},
		{"pattern", bytes.Repeat([]byte{0x41}, 32), false},
		{"good", []byte("0123456789abcdef0123456789abcdef"), true},
	}
	for _, tt := range tests {
		err := ValidateKeyStrength(tt.key)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrWeakKey) {
			t.Errorf("%s: expected ErrWeakKey, got %v", tt.name, err)
		}
	}
}

func TestLedgerKeyDeterministic(t *testing.T) {
	secret := []byte("a ledger secret long enough")
	k1, err := LedgerKey(secret)
	if err != nil {
		t.Fatalf("LedgerKey: %v", err)
	}
	k2, _ := LedgerKey(secret)
	if len(k1) != LedgerKeySize {
		t.Fatalf("expected %d bytes, got %d", LedgerKeySize, len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same secret derived different keys")
	}
	other, _ := LedgerKey([]byte("another ledger secret value"))
	if bytes.Equal(k1, other) {
		t.Error("different secrets derived the same key")
	}

	if _, err := LedgerKey([]byte("short")); !errors.Is(err, ErrWeakKey) {
		t.Errorf("expected ErrWeakKey, got %v", err)
	}
	if _, err := DeriveKey(secret, nil, nil, 8); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret(32)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateSecret(32)
	if bytes.Equal(a, b) {
		t.Error("two secrets are equal")
	}
	if _, err := GenerateSecret(4); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestSecretFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ledger.secret")
	if err := WriteSecretFile(path, []byte("s3cr3t-value\n")); err != nil {
		t.Fatalf("WriteSecretFile: %v", err)
	}
	got, err := ReadSecretFile(path)
	if err != nil {
		t.Fatalf("ReadSecretFile: %v", err)
	}
	if string(got) != "s3cr3t-value" {
		t.Errorf("got %q", got)
	}

	if runtime.GOOS == "windows" {
		return
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecretFile(path); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("expected ErrInsecurePermissions, got %v", err)
	}
}

func TestRateLimiterRefill(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	r := newRateLimiter(2, 3, clock.now)

	for i := 0; i < 3; i++ {
		if !r.Allow() {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if r.Allow() {
		t.Fatal("request allowed beyond burst")
	}

	clock.advance(500 * time.Millisecond)
	if !r.Allow() {
		t.Error("expected one token after 500ms at 2/s")
	}
	if r.Allow() {
		t.Error("expected bucket empty again")
	}

	clock.advance(time.Hour)
	for i := 0; i < 3; i++ {
		r.Allow()
	}
	if r.Allow() {
		t.Error("refill exceeded burst")
	}

	r.Reset()
	if !r.Allow() {
		t.Error("expected allow after reset")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !r.Allow() {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1000, 0)}
	k := NewKeyedLimiter(1, 1, time.Minute)
	k.now = clock.now

	if !k.Allow("emp-1") || k.Allow("emp-1") {
		t.Fatal("expected emp-1 to get exactly one request")
	}
	if !k.Allow("emp-2") {
		t.Error("emp-2 throttled by emp-1")
	}

	k.SetLimits(1, 5)
	clock.advance(5 * time.Second)
	allowed := 0
	for i := 0; i < 10; i++ {
		if k.Allow("emp-1") {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected 5 after raising burst, got %d", allowed)
	}

	clock.advance(2 * time.Minute)
	if removed := k.Sweep(); removed != 2 {
		t.Errorf("expected 2 idle buckets removed, got %d", removed)
	}
	if k.Len() != 0 {
		t.Errorf("expected no buckets, got %d", k.Len())
	}
}

func TestKeyedLimiterRunStops(t *testing.T) {
	k := NewKeyedLimiter(1, 1, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		value string
		want  error
	}{
		{"emp-42", nil},
		{"  ", ErrInvalidInput},
		{strings.Repeat("x", MaxIdentifierLength+1), ErrInputTooLong},
		{"emp\x00", ErrControlCharacters},
		{"emp\n1", ErrControlCharacters},
		{string([]byte{0xff, 0xfe}), ErrInvalidUTF8},
	}
	for _, tt := range tests {
		err := ValidateIdentifier("subject_id", tt.value)
		if tt.want == nil {
			if err != nil {
				t.Errorf("%q: unexpected error %v", tt.value, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("%q: expected %v, got %v", tt.value, tt.want, err)
		}
	}
}
