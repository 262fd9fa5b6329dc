package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

// Entry is one listing result from an item source.
type Entry struct {
	// Path is the source-relative path of the entry.
	Path string

	// Name is the base name, used for pattern matching.
	Name string

	// IsDir marks directories, which are descended into when recursive.
	IsDir bool

	// Size is the file size in bytes.
	Size int64

	// ProviderID is the provider-assigned identity of the content.
	ProviderID string

	// MimeType is the detected MIME type, if known.
	MimeType string
}

// Source lists directories of an item source one level at a time. The
// engine calls ListDir lazily so that early termination bounds how much of
// a large tree is enumerated.
type Source interface {
	ListDir(ctx context.Context, dir string) ([]Entry, error)
}

// LocalSource is a Source over a local (or mounted) filesystem rooted at
// Base.
type LocalSource struct {
	Base string
}

// NewLocalSource creates a filesystem-backed source.
func NewLocalSource(base string) *LocalSource {
	return &LocalSource{Base: base}
}

func (s *LocalSource) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(filepath.Join(s.Base, filepath.FromSlash(dir)))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		rel := dir + "/" + de.Name()
		if dir == "" || dir == "." {
			rel = de.Name()
		}
		entry := Entry{
			Path:  rel,
			Name:  de.Name(),
			IsDir: de.IsDir(),
		}
		if !de.IsDir() {
			info, err := de.Info()
			if err != nil {
				// Raced with a delete; skip the entry, not the directory.
				continue
			}
			entry.Size = info.Size()
			entry.ProviderID = localProviderID(rel, info.Size(), info.ModTime().UnixNano())
			entry.MimeType = mime.TypeByExtension(filepath.Ext(de.Name()))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// localProviderID derives a cheap stable identity from path, size, and
// mtime. A true content hash would cost one full read per candidate before
// filtering, defeating early termination.
func localProviderID(path string, size, mtimeNanos int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", path, size, mtimeNanos)))
	return hex.EncodeToString(sum[:])[:16]
}
