package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes each document to {dir}/{key}-{role}.json.
type FileSink struct {
	dir string
}

// NewFileSink returns a sink rooted at dir. The directory is created on the
// first write.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Write creates the directory if needed and replaces any existing document
// for the same key and role.
func (s *FileSink) Write(_ context.Context, key Key, role Role, doc []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, fileName(key, role))
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("write capture %s: %w", path, err)
	}
	return nil
}

// Scan reads every capture document in the directory. A missing directory
// yields no documents; unrelated files are skipped.
func (s *FileSink) Scan(ctx context.Context, fn func(key Key, role Role, doc []byte) error) error {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read capture dir %s: %w", s.dir, err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			continue
		}
		key, role, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		doc, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read capture %s: %w", e.Name(), err)
		}
		if err := fn(key, role, doc); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (s *FileSink) Close() error {
	return nil
}

func fileName(key Key, role Role) string {
	return fmt.Sprintf("%s-%s.json", key, role)
}

func parseFileName(name string) (Key, Role, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return Key{}, "", false
	}
	keyPart, rolePart, ok := strings.Cut(base, "-")
	if !ok {
		return Key{}, "", false
	}
	role := Role(rolePart)
	if role != RoleRequest && role != RoleResponse {
		return Key{}, "", false
	}
	key, err := ParseKey(keyPart)
	if err != nil {
		return Key{}, "", false
	}
	return key, role, true
}
