// Package deps stores per-requester dependency manifests at a well-known path:
// <root>/<requester>/<manifest name>.
package deps

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	appErr "github.com/michaelbrown/quiche/internal/errors"
)

// MaxManifestSize bounds uploaded manifests.
const MaxManifestSize = 64 << 10

// Store is the on-disk manifest directory.
type Store struct {
	root         string
	manifestName string
}

// NewStore creates a store rooted at root. The directory is created lazily.
func NewStore(root, manifestName string) *Store {
	return &Store{root: root, manifestName: manifestName}
}

// Path returns where requesterID's manifest lives.
func (s *Store) Path(requesterID string) (string, error) {
	if !validRequester(requesterID) {
		return "", appErr.Newf(appErr.KindSelection, "invalid requester id %q", requesterID)
	}
	return filepath.Join(s.root, requesterID, s.manifestName), nil
}

// Lookup returns the manifest path for requesterID when one has been saved.
func (s *Store) Lookup(requesterID string) (string, bool, error) {
	path, err := s.Path(requesterID)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat manifest: %w", err)
	}
	if info.IsDir() {
		return "", false, nil
	}
	return path, true, nil
}

// Save replaces requesterID's manifest with the contents of r. filename is the
// uploaded name and must be a .txt file.
func (s *Store) Save(requesterID, filename string, r io.Reader) error {
	if !strings.HasSuffix(strings.ToLower(filename), ".txt") {
		return appErr.New(appErr.KindSelection, "File must be a .txt requirements file")
	}
	path, err := s.Path(requesterID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating manifest dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, MaxManifestSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if n > MaxManifestSize {
		return appErr.Newf(appErr.KindSelection, "Requirements file exceeds %d bytes", MaxManifestSize)
	}
	return os.Rename(tmp.Name(), path)
}

func validRequester(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}
