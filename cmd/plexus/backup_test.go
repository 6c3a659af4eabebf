package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeEntryName(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"simple file", "data/plexus.db", "data/plexus.db", true},
		{"nested path", "data/nats/jetstream/stream.dat", "data/nats/jetstream/stream.dat", true},
		{"leading slash stripped", "/data/plexus.db", "data/plexus.db", true},
		{"parent escape", "../etc/passwd", "", false},
		{"embedded escape", "data/../../etc/passwd", "", false},
		{"dot only", ".", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sanitizeEntryName(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("sanitizeEntryName(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != filepath.FromSlash(tt.want) {
				t.Errorf("sanitizeEntryName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	dataDir := filepath.Join(src, "data")
	if err := os.MkdirAll(filepath.Join(dataDir, "nats"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dataDir, "plexus.db"):         "sqlite-bytes",
		filepath.Join(dataDir, "nats", "state.dat"): "nats-bytes",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(src); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	var buf bytes.Buffer
	count, err := writeArchive(&buf, []string{"data"})
	if err != nil {
		t.Fatalf("writeArchive: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 files archived, got %d", count)
	}

	dest := t.TempDir()
	count, err = restoreArchive(bytes.NewReader(buf.Bytes()), dest, false)
	if err != nil {
		t.Fatalf("restoreArchive: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 files restored, got %d", count)
	}

	got, err := os.ReadFile(filepath.Join(dest, "data", "plexus.db"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "sqlite-bytes" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestRestoreRefusesOverwrite(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "data", "plexus.db"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(src); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	var buf bytes.Buffer
	if _, err := writeArchive(&buf, []string{"data"}); err != nil {
		t.Fatal(err)
	}

	// Restoring over the source without -overwrite must fail.
	if _, err := restoreArchive(bytes.NewReader(buf.Bytes()), ".", false); err == nil {
		t.Fatal("expected error restoring over existing files")
	}

	// With overwrite it succeeds.
	if _, err := restoreArchive(bytes.NewReader(buf.Bytes()), ".", true); err != nil {
		t.Fatalf("overwrite restore failed: %v", err)
	}
}

func TestWriteArchiveSkipsMissingRoots(t *testing.T) {
	var buf bytes.Buffer
	count, err := writeArchive(&buf, []string{filepath.Join(t.TempDir(), "missing")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty archive, got %d files", count)
	}

	if _, err := restoreArchive(bytes.NewReader(buf.Bytes()), t.TempDir(), false); err != nil {
		t.Errorf("restoring empty archive failed: %v", err)
	}
}

func TestRestoreRejectsInvalidZstd(t *testing.T) {
	if _, err := restoreArchive(bytes.NewReader([]byte("not zstd data")), t.TempDir(), false); err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}
