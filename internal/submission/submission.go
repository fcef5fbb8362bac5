// Package submission turns a requester's message and attachments into a
// prepared working directory with exactly one selected entry file.
package submission

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/profile"
)

// File is an attachment whose bytes were fetched at submission time.
type File struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Payload is everything a requester supplied with one run command.
type Payload struct {
	Content     string `json:"content"`              // message text, may hold a fenced code block
	Attachments []File `json:"attachments"`          // files on the submitting message
	Referenced  []File `json:"referenced,omitempty"` // files on the replied-to message
	EntryName   string `json:"entry,omitempty"`      // explicit entry file, optional
}

// Resolver selects entry files according to a language profile.
type Resolver struct {
	profile *profile.Profile
	fence   *regexp.Regexp
}

// NewResolver builds a resolver for p.
func NewResolver(p *profile.Profile) *Resolver {
	langs := make([]string, 0, len(p.FenceLanguages))
	for _, l := range p.FenceLanguages {
		langs = append(langs, regexp.QuoteMeta(l))
	}
	pattern := "(?s)```"
	if len(langs) > 0 {
		pattern += "(?:" + strings.Join(langs, "|") + ")?"
	}
	pattern += "\n(.*?)```"
	return &Resolver{profile: p, fence: regexp.MustCompile(pattern)}
}

// CodeBlock returns the first fenced code block in content.
func (r *Resolver) CodeBlock(content string) (string, bool) {
	m := r.fence.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Prepare writes the payload into dir and returns the selected entry file name.
// Validation that can fail without touching the disk happens first, so a
// rejected payload leaves dir untouched.
func (r *Resolver) Prepare(dir string, p Payload) (string, error) {
	files := make([]File, 0, len(p.Attachments)+len(p.Referenced))
	files = append(files, p.Attachments...)
	files = append(files, p.Referenced...)

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if _, dup := seen[f.Name]; dup {
			return "", appErr.New(appErr.KindSelection, "Error: Duplicate filenames detected.")
		}
		seen[f.Name] = struct{}{}
		if !safeName(f.Name) {
			return "", appErr.Newf(appErr.KindSelection, "Error: Invalid filename `%s`.", f.Name)
		}
	}
	if p.EntryName != "" && !safeName(p.EntryName) {
		return "", appErr.Newf(appErr.KindSelection, "Main file `%s` not found.", p.EntryName)
	}

	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			return "", fmt.Errorf("saving attachment %s: %w", f.Name, err)
		}
	}

	if code, ok := r.CodeBlock(p.Content); ok {
		if err := os.WriteFile(filepath.Join(dir, r.profile.EntryFile), []byte(code), 0o644); err != nil {
			return "", fmt.Errorf("writing code block: %w", err)
		}
		return r.profile.EntryFile, nil
	}

	runnable, err := r.runnableFiles(dir)
	if err != nil {
		return "", err
	}

	lang := r.profile.Name
	switch {
	case len(files) > 0 && len(runnable) == 0:
		return "", appErr.Newf(appErr.KindSelection, "Error: No %s file found among attachments.", lang)
	case len(runnable) == 1 && p.EntryName == "":
		return runnable[0], nil
	case len(runnable) > 1 && p.EntryName == "":
		return "", appErr.Newf(appErr.KindSelection, "Multiple %s files found:\n%s\nSpecify which to run.",
			lang, strings.Join(runnable, "\n"))
	case p.EntryName != "":
		if _, err := os.Stat(filepath.Join(dir, p.EntryName)); err != nil {
			return "", appErr.Newf(appErr.KindSelection, "Main file `%s` not found.", p.EntryName)
		}
		return p.EntryName, nil
	default:
		return "", appErr.Newf(appErr.KindSelection, "Error: No %s file supplied.", lang)
	}
}

func (r *Resolver) runnableFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing work dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && r.profile.Runnable(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// safeName accepts plain file names only, so attachments cannot escape the work dir.
func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}
