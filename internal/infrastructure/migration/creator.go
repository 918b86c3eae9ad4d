package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var fileNamePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// ErrInvalidName is returned for migration names without any usable character
var ErrInvalidName = errors.New("migration name must contain letters or digits")

// File describes one numbered migration
type File struct {
	Version uint
	Name    string
	HasUp   bool
	HasDown bool
}

// List returns the migrations found in fsys ordered by version
func List(fsys fs.FS) ([]File, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	byVersion := map[uint]*File{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid migration version in %s: %w", e.Name(), err)
		}
		f, ok := byVersion[uint(v)]
		if !ok {
			f = &File{Version: uint(v), Name: m[2]}
			byVersion[uint(v)] = f
		}
		if m[3] == "up" {
			f.HasUp = true
		} else {
			f.HasDown = true
		}
	}

	files := make([]File, 0, len(byVersion))
	for _, f := range byVersion {
		files = append(files, *f)
	}
	slices.SortFunc(files, func(a, b File) int {
		return int(a.Version) - int(b.Version)
	})
	return files, nil
}

// Create writes an empty up/down pair to dir numbered after the highest
// existing version
func Create(dir, name string) (up, down string, err error) {
	slug := sanitizeName(name)
	if slug == "" {
		return "", "", ErrInvalidName
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	existing, err := List(os.DirFS(dir))
	if err != nil {
		return "", "", err
	}
	next := uint(1)
	if len(existing) > 0 {
		next = existing[len(existing)-1].Version + 1
	}

	base := fmt.Sprintf("%06d_%s", next, slug)
	up = filepath.Join(dir, base+".up.sql")
	down = filepath.Join(dir, base+".down.sql")

	if err := os.WriteFile(up, []byte("-- "+name+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to create up migration: %w", err)
	}
	if err := os.WriteFile(down, []byte("-- rollback "+name+"\n"), 0o644); err != nil {
		_ = os.Remove(up)
		return "", "", fmt.Errorf("failed to create down migration: %w", err)
	}
	return up, down, nil
}

// sanitizeName lowercases name and joins runs of other characters with '_'
func sanitizeName(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
			continue
		}
		pendingSep = true
	}
	return b.String()
}
