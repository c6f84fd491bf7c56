package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBaseDirUnderHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	base, err := BaseDir()
	if err != nil {
		t.Fatalf("BaseDir: %v", err)
	}
	if base != filepath.Join(home, ".blockrun") {
		t.Errorf("BaseDir = %q", base)
	}

	cfg, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath: %v", err)
	}
	if cfg != filepath.Join(base, "config.json") {
		t.Errorf("DefaultConfigPath = %q", cfg)
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/usage", filepath.Join(home, "usage")},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := ExpandTilde(tt.in)
		if err != nil {
			t.Fatalf("ExpandTilde(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ExpandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}

	// Idempotent.
	if err := EnsureDir(dir); err != nil {
		t.Errorf("EnsureDir on existing dir: %v", err)
	}
}

func TestEnsureParentDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "usage.jsonl")
	if err := EnsureParentDir(file); err != nil {
		t.Fatalf("EnsureParentDir: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(file)); err != nil {
		t.Errorf("parent not created: %v", err)
	}
	if !strings.HasSuffix(filepath.Dir(file), "nested") {
		t.Fatalf("unexpected parent %q", filepath.Dir(file))
	}
}
