package worker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirCommandResolverResolvesExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "do_thing")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := DirCommandResolver{Dir: dir}
	got, err := r.Resolve("do_thing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestDirCommandResolverRejectsTraversal(t *testing.T) {
	r := DirCommandResolver{Dir: t.TempDir()}
	for _, name := range []string{"", "..", ".", "../etc/passwd", "a/b"} {
		if _, err := r.Resolve(name); err == nil {
			t.Errorf("expected error for command name %q", name)
		}
	}
}

func TestDirCommandResolverRejectsMissing(t *testing.T) {
	r := DirCommandResolver{Dir: t.TempDir()}
	if _, err := r.Resolve("nope"); err == nil {
		t.Error("expected error for missing command")
	}
}

func TestDirCommandResolverRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not_exec")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := DirCommandResolver{Dir: dir}
	if _, err := r.Resolve("not_exec"); err == nil {
		t.Error("expected error for non-executable file")
	}
}
