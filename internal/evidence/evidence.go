// Package evidence stores the artifacts captured at each confirmed change and
// serves them back by name.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by Retrieve when no artifact has the given name.
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidName is returned for names that could escape the store root.
var ErrInvalidName = errors.New("invalid artifact name")

// Store persists evidence artifacts under flat, unique names.
type Store interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
}

// NameTimeLayout is the timestamp prefix of every artifact name.
const NameTimeLayout = "2006-01-02_15-04-05"

// ArtifactName builds the unique name for an observation of value at t.
func ArtifactName(t time.Time, value int64, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s_%d.%s", t.Format(NameTimeLayout), value, ext)
}

// ValidateName rejects empty names, path separators and dot segments.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || path.Clean(name) != name ||
		strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ContentType guesses the served MIME type from the artifact extension.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
