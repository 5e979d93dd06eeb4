package volume

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrTraversal is returned when a relative path tries to escape the
// volume root. Requests hitting this are security-relevant: the static
// file path bypasses the gateway's own authorization.
var ErrTraversal = errors.New("volume: path escapes volume root")

// SharedVolume is a weak reference to a filesystem location written by
// exactly one process (the Bot API gateway) and read by everyone else.
// Ownership is advisory: the handle never writes, it only resolves and
// opens files read-only.
type SharedVolume struct {
	root   string
	writer string // expected writer identity, for logs and introspection
}

// New creates a handle for root, expected to be written by writer.
// The directory must already exist; the writer creates it.
func New(root, writer string) (*SharedVolume, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("volume root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("volume root %s is not a directory", root)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("volume root %s: %w", root, err)
	}

	return &SharedVolume{root: abs, writer: writer}, nil
}

// Root returns the volume's absolute root path
func (v *SharedVolume) Root() string {
	return v.root
}

// Writer returns the expected writer identity
func (v *SharedVolume) Writer() string {
	return v.writer
}

// Resolve maps a request-relative path to an absolute path inside the
// volume. Any path whose cleaned form contains a parent-directory
// segment, or that escapes the root after joining, is rejected with
// ErrTraversal regardless of whether the target exists.
func (v *SharedVolume) Resolve(rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", ErrTraversal
	}

	// Reject before cleaning: "a/../b" cleans to "b" but the request is
	// still probing, and encoded traversal survives in cleaned form on
	// some inputs. Checking segments is cheap and unambiguous.
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", ErrTraversal
		}
	}

	cleaned := path.Clean(rel)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", ErrTraversal
	}

	abs := filepath.Join(v.root, filepath.FromSlash(cleaned))
	if abs != v.root && !strings.HasPrefix(abs, v.root+string(filepath.Separator)) {
		return "", ErrTraversal
	}

	return abs, nil
}

// Open resolves rel and opens the file read-only
func (v *SharedVolume) Open(rel string) (*os.File, fs.FileInfo, error) {
	abs, err := v.Resolve(rel)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fs.ErrNotExist
	}

	return f, info, nil
}
