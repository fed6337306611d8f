package lock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTryAcquireThenRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := TryAcquire(dir, "remote-fetch:bob@example.com")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	if _, err := TryAcquire(dir, "remote-fetch:bob@example.com"); err != ErrHeld {
		t.Fatalf("second TryAcquire = %v, want ErrHeld", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := TryAcquire(dir, "remote-fetch:bob@example.com")
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestTryAcquireDistinctNames(t *testing.T) {
	dir := t.TempDir()

	l1, err := TryAcquire(dir, "remote-fetch:alice@example.com")
	if err != nil {
		t.Fatalf("TryAcquire alice: %v", err)
	}
	defer l1.Release()

	l2, err := TryAcquire(dir, "remote-fetch:bob@example.com")
	if err != nil {
		t.Fatalf("TryAcquire bob: %v", err)
	}
	defer l2.Release()
}

func TestTryAcquireStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, sanitize("remote-fetch:carol@example.com")+".lock")

	// A pid astronomically unlikely to be alive.
	if err := os.WriteFile(path, []byte("2147483647\n2020-01-01T00:00:00Z\n"), 0600); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	l, err := TryAcquire(dir, "remote-fetch:carol@example.com")
	if err != nil {
		t.Fatalf("TryAcquire over stale lock: %v", err)
	}
	_ = l.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := TryAcquire(dir, "x")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	got := sanitize("remote-fetch:bob@example.com/INBOX")
	if strings.ContainsAny(got, ":@/") {
		t.Errorf("sanitize left unsafe characters: %q", got)
	}
}
