// Package spool parks raw upload bytes on disk between the synchronous
// enqueue and the worker that eventually processes them. Files live under
// date directories so retention sweeps stay cheap.
package spool

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Spool is a filesystem handoff area rooted at a single directory.
type Spool struct {
	root   string
	logger *slog.Logger
}

// New creates the root directory if needed and returns the spool.
func New(root string, logger *slog.Logger) (*Spool, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errors.New("spool root required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create spool root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Spool{root: trimmed, logger: logger}, nil
}

// Root returns the spool directory.
func (s *Spool) Root() string {
	return s.root
}

// SaveUpload writes uploaded bytes under a name derived from the original
// filename and returns the absolute path.
func (s *Spool) SaveUpload(data []byte, name string) (string, error) {
	return s.save(data, sanitizeName(name))
}

// SaveBytes writes bytes whose only known identity is a file extension.
func (s *Spool) SaveBytes(data []byte, ext string) (string, error) {
	cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if cleaned == "" {
		cleaned = "bin"
	}
	return s.save(data, "blob."+cleaned)
}

func (s *Spool) save(data []byte, name string) (string, error) {
	now := time.Now().UTC()
	dir := filepath.Join(s.root, now.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d_%s_%s", now.Unix(), token, name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write spool file: %w", err)
	}
	return path, nil
}

func randomToken() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate spool token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// sanitizeName strips any path component and replaces characters outside
// [A-Za-z0-9._-] so a hostile filename cannot escape the spool.
func sanitizeName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	var builder strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			builder.WriteRune(r)
		default:
			builder.WriteByte('_')
		}
	}
	out := builder.String()
	if strings.Trim(out, "._-") == "" {
		return "upload"
	}
	return out
}

// Remove deletes one spool file. Missing files and permission problems are
// logged, never returned, so callers can clean up unconditionally.
func (s *Spool) Remove(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("spool remove failed", "path", path, "error", err)
	}
}

// Cleanup deletes files whose mtime predates the cutoff and prunes date
// directories the sweep emptied. It returns the number of files deleted;
// individual delete failures are logged and skipped.
func (s *Spool) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	var dirs []string
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if entry.IsDir() {
			if path != s.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("spool cleanup failed", "path", path, "error", err)
				return nil
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("walk spool: %w", err)
	}

	// Deepest directories first so emptied parents fall too. os.Remove leaves
	// non-empty directories in place.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		_ = os.Remove(dir)
	}
	return deleted, nil
}
