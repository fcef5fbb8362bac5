package submission

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/profile"
)

func prepare(t *testing.T, p Payload) (string, string, error) {
	t.Helper()
	dir := t.TempDir()
	entry, err := NewResolver(profile.Default()).Prepare(dir, p)
	return dir, entry, err
}

func file(name, body string) File {
	return File{Name: name, Data: []byte(body)}
}

func wantSelectionError(t *testing.T, err error, contains string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected selection error containing %q", contains)
	}
	if !appErr.IsKind(err, appErr.KindSelection) {
		t.Fatalf("kind = %v, want selection (%v)", appErr.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), contains) {
		t.Errorf("error = %q, want it to contain %q", err.Error(), contains)
	}
}

func TestSingleRunnableAttachment(t *testing.T) {
	_, entry, err := prepare(t, Payload{Attachments: []File{file("game.py", "print(1)"), file("data.csv", "a,b")}})
	if err != nil {
		t.Fatal(err)
	}
	if entry != "game.py" {
		t.Errorf("entry = %q, want game.py", entry)
	}
}

func TestMultipleRunnableListsCandidates(t *testing.T) {
	_, _, err := prepare(t, Payload{Attachments: []File{file("b.py", ""), file("a.py", "")}})
	wantSelectionError(t, err, "Multiple Python files found:\na.py\nb.py\n")
}

func TestExplicitEntryDisambiguates(t *testing.T) {
	_, entry, err := prepare(t, Payload{
		Attachments: []File{file("a.py", ""), file("b.py", "")},
		EntryName:   "b.py",
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry != "b.py" {
		t.Errorf("entry = %q, want b.py", entry)
	}
}

func TestExplicitEntryMissing(t *testing.T) {
	_, _, err := prepare(t, Payload{Attachments: []File{file("a.py", "")}, EntryName: "main.py"})
	wantSelectionError(t, err, "Main file `main.py` not found.")
}

func TestNoRunnableAmongAttachments(t *testing.T) {
	_, _, err := prepare(t, Payload{Attachments: []File{file("notes.txt", "")}})
	wantSelectionError(t, err, "No Python file found among attachments")
}

func TestNothingSupplied(t *testing.T) {
	_, _, err := prepare(t, Payload{Content: "run please"})
	wantSelectionError(t, err, "No Python file supplied")
}

func TestCodeBlockWinsOverAttachments(t *testing.T) {
	dir, entry, err := prepare(t, Payload{
		Content:     "run this\n```python\nprint('hi')\n```",
		Attachments: []File{file("a.py", "x"), file("b.py", "y")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry != "main.py" {
		t.Fatalf("entry = %q, want main.py", entry)
	}
	data, err := os.ReadFile(filepath.Join(dir, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print('hi')\n" {
		t.Errorf("main.py = %q", data)
	}
}

func TestCodeBlockUntagged(t *testing.T) {
	_, entry, err := prepare(t, Payload{Content: "```\nx = input(': ')\n```"})
	if err != nil {
		t.Fatal(err)
	}
	if entry != "main.py" {
		t.Errorf("entry = %q, want main.py", entry)
	}
}

func TestDuplicateAcrossReferencedRejectedBeforeWrite(t *testing.T) {
	dir, _, err := prepare(t, Payload{
		Attachments: []File{file("a.py", "one"), file("util.py", "")},
		Referenced:  []File{file("a.py", "two")},
	})
	wantSelectionError(t, err, "Duplicate filenames")

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("work dir has %d files, want none written", len(entries))
	}
}

func TestUnsafeNameRejected(t *testing.T) {
	dir, _, err := prepare(t, Payload{Attachments: []File{file("../escape.py", "")}})
	wantSelectionError(t, err, "Invalid filename")

	if _, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.py")); statErr == nil {
		t.Error("file escaped the work dir")
	}
}

func TestReferencedAttachmentSelected(t *testing.T) {
	_, entry, err := prepare(t, Payload{Referenced: []File{file("from_reply.py", "")}})
	if err != nil {
		t.Fatal(err)
	}
	if entry != "from_reply.py" {
		t.Errorf("entry = %q, want from_reply.py", entry)
	}
}
