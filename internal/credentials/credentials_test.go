package credentials

import "testing"

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	if err := Save(dir, "alice@example.com", "hunter2"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !Has(dir, "alice@example.com") {
		t.Error("Has = false after Save")
	}

	got, err := Load(dir, "alice@example.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Load = %q, want %q", got, "hunter2")
	}
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, "nobody@example.com"); err == nil {
		t.Error("expected error loading missing credentials")
	}
}

func TestHasMissing(t *testing.T) {
	dir := t.TempDir()
	if Has(dir, "nobody@example.com") {
		t.Error("Has = true for missing credentials")
	}
}
