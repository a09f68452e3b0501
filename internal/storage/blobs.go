package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Blobs stores binary payloads (inbound audio, synthesized speech) as files
// under a root directory. A ref is the slash-separated path relative to root.
type Blobs struct {
	root string
}

func OpenBlobs(root string) (*Blobs, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &Blobs{root: root}, nil
}

// Put writes data under kind (e.g. "audio", "speech") and returns its ref.
func (b *Blobs) Put(kind, ext string, data []byte) (string, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	ref := kind + "/" + uuid.New().String() + ext
	p := b.path(ref)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("creating %s directory: %w", kind, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", ref, err)
	}
	return ref, nil
}

func (b *Blobs) Get(ref string) ([]byte, error) {
	if !validRef(ref) {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	data, err := os.ReadFile(b.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *Blobs) Delete(ref string) error {
	if !validRef(ref) {
		return fmt.Errorf("invalid blob ref %q", ref)
	}
	err := os.Remove(b.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Expired returns refs of blobs whose modification time is before cutoff.
func (b *Blobs) Expired(before time.Time) ([]string, error) {
	var refs []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(before) {
			rel, err := filepath.Rel(b.root, p)
			if err != nil {
				return err
			}
			refs = append(refs, filepath.ToSlash(rel))
		}
		return nil
	})
	return refs, err
}

func (b *Blobs) path(ref string) string {
	return filepath.Join(b.root, filepath.FromSlash(ref))
}

func validRef(ref string) bool {
	return ref != "" && !strings.HasPrefix(ref, "/") && !strings.Contains(ref, "..")
}
