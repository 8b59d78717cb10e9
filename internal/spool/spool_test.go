package spool

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveUploadLayout(t *testing.T) {
	s := newTestSpool(t)

	path, err := s.SaveUpload([]byte("payload"), "cat photo.PNG")
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read spool file: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected contents %q", data)
	}

	rel, err := filepath.Rel(s.Root(), path)
	if err != nil {
		t.Fatalf("Rel: %v", err)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 4 {
		t.Fatalf("expected YYYY/MM/DD/file layout, got %q", rel)
	}
	name := parts[3]
	pattern := regexp.MustCompile(`^\d+_[0-9a-f]{8}_cat_photo\.PNG$`)
	if !pattern.MatchString(name) {
		t.Fatalf("unexpected file name %q", name)
	}
}

func TestSaveBytesUsesExtension(t *testing.T) {
	s := newTestSpool(t)

	path, err := s.SaveBytes([]byte("x"), ".JPG")
	if err != nil {
		t.Fatalf("SaveBytes: %v", err)
	}
	if !strings.HasSuffix(path, "_blob.jpg") {
		t.Fatalf("expected blob.jpg suffix, got %q", path)
	}

	path, err = s.SaveBytes([]byte("x"), "")
	if err != nil {
		t.Fatalf("SaveBytes empty ext: %v", err)
	}
	if !strings.HasSuffix(path, "_blob.bin") {
		t.Fatalf("expected blob.bin fallback, got %q", path)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "simple.jpg", want: "simple.jpg"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: "cat photo (1).png", want: "cat_photo__1_.png"},
		{in: "naïve.gif", want: "na_ve.gif"},
		{in: "", want: "upload"},
		{in: "///", want: "upload"},
	}
	for _, tc := range tests {
		if got := sanitizeName(tc.in); got != tc.want {
			t.Fatalf("sanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRemoveSwallowsMissing(t *testing.T) {
	s := newTestSpool(t)
	s.Remove(filepath.Join(s.Root(), "never", "existed"))
	s.Remove("")
}

func TestCleanupDeletesOldFilesAndPrunesDirs(t *testing.T) {
	s := newTestSpool(t)

	oldPath, err := s.SaveUpload([]byte("stale"), "old.jpg")
	if err != nil {
		t.Fatalf("SaveUpload old: %v", err)
	}
	freshPath, err := s.SaveUpload([]byte("fresh"), "new.jpg")
	if err != nil {
		t.Fatalf("SaveUpload fresh: %v", err)
	}

	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	deleted, err := s.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old file removed, err=%v", err)
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Fatalf("expected fresh file kept: %v", err)
	}
}

func TestCleanupPrunesEmptiedDateDirs(t *testing.T) {
	s := newTestSpool(t)

	// Build a stale date directory by hand so the whole chain empties out.
	dir := filepath.Join(s.Root(), "2020", "01", "02")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	stale := filepath.Join(dir, "1_deadbeef_old.jpg")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	past := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	deleted, err := s.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "2020")); !os.IsNotExist(err) {
		t.Fatalf("expected emptied date tree pruned, err=%v", err)
	}
	if _, err := os.Stat(s.Root()); err != nil {
		t.Fatalf("expected spool root kept: %v", err)
	}
}
