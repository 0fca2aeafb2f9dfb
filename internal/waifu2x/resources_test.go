package waifu2x

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func makeResources(t *testing.T, withExe, withModels bool) string {
	t.Helper()
	root := t.TempDir()
	if withExe {
		if err := os.WriteFile(filepath.Join(root, DefaultExecutable), []byte("#!/bin/sh\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(root, DefaultModelDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if withModels {
		if err := os.WriteFile(filepath.Join(root, DefaultModelDir, "noise2_scale2.0x_model.param"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestLocate(t *testing.T) {
	root := makeResources(t, true, true)

	res, err := Locate(root, "", "")
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if res.Executable != filepath.Join(root, DefaultExecutable) {
		t.Errorf("Executable = %q", res.Executable)
	}
	if len(res.ModelFiles) != 1 {
		t.Errorf("ModelFiles = %v", res.ModelFiles)
	}
}

func TestLocateMissing(t *testing.T) {
	tests := []struct {
		name     string
		root     func(t *testing.T) string
		wantWhat string
	}{
		{"no root", func(*testing.T) string { return "/nonexistent/resources" }, "resource directory"},
		{"no executable", func(t *testing.T) string { return makeResources(t, false, true) }, "executable"},
		{"empty models", func(t *testing.T) string { return makeResources(t, true, false) }, "model files"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Locate(tt.root(t), "", "")
			var missing *ErrMissing
			if !errors.As(err, &missing) {
				t.Fatalf("expected *ErrMissing, got %v", err)
			}
			if missing.What != tt.wantWhat {
				t.Errorf("What = %q, want %q", missing.What, tt.wantWhat)
			}
		})
	}
}

func TestEnsureExecutable(t *testing.T) {
	root := makeResources(t, true, true)
	res, err := Locate(root, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := res.EnsureExecutable(); err != nil {
		t.Fatalf("EnsureExecutable() error = %v", err)
	}
	info, err := os.Stat(res.Executable)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 != 0o111 {
		t.Errorf("mode = %v, want exec bits set", info.Mode().Perm())
	}
}
