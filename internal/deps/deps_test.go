package deps

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	appErr "github.com/michaelbrown/quiche/internal/errors"
)

func TestSaveAndLookup(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, "requirements.txt")

	if _, ok, err := s.Lookup("alice"); err != nil || ok {
		t.Fatalf("Lookup before save = %v,%v want false,nil", ok, err)
	}

	if err := s.Save("alice", "Requirements.TXT", strings.NewReader("requests==2.32.0\n")); err != nil {
		t.Fatal(err)
	}

	path, ok, err := s.Lookup("alice")
	if err != nil || !ok {
		t.Fatalf("Lookup = %v,%v want true,nil", ok, err)
	}
	if path != filepath.Join(root, "alice", "requirements.txt") {
		t.Errorf("path = %q", path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "requests==2.32.0\n" {
		t.Errorf("manifest = %q", data)
	}

	// Overwrite
	s.Save("alice", "req.txt", strings.NewReader("numpy\n"))
	data, _ = os.ReadFile(path)
	if string(data) != "numpy\n" {
		t.Errorf("manifest after overwrite = %q", data)
	}
}

func TestSaveRejectsNonText(t *testing.T) {
	s := NewStore(t.TempDir(), "requirements.txt")
	err := s.Save("alice", "setup.py", strings.NewReader(""))
	if !appErr.IsKind(err, appErr.KindSelection) {
		t.Fatalf("err = %v, want selection error", err)
	}
}

func TestSaveRejectsOversized(t *testing.T) {
	s := NewStore(t.TempDir(), "requirements.txt")
	big := strings.Repeat("x", MaxManifestSize+1)
	if err := s.Save("alice", "r.txt", strings.NewReader(big)); err == nil {
		t.Fatal("expected size error")
	}
	if _, ok, _ := s.Lookup("alice"); ok {
		t.Error("oversized manifest should not be stored")
	}
}

func TestInvalidRequester(t *testing.T) {
	s := NewStore(t.TempDir(), "requirements.txt")
	for _, id := range []string{"", "..", "a/b"} {
		if _, _, err := s.Lookup(id); err == nil {
			t.Errorf("Lookup(%q) should fail", id)
		}
	}
}
