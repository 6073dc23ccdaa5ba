package corpus

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

// tarGz builds an in-memory .tar.gz with the given name -> content entries.
// The bzip2 path shares the same tar walk, so gzip coverage exercises both.
func tarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "corpus.tar.bz2") // mislabeled on purpose
	raw := tarGz(t, map[string]string{
		"LJSpeech-1.1/metadata.csv":        "LJ001-0001|raw|normalized",
		"LJSpeech-1.1/wavs/LJ001-0001.wav": "RIFFxxxx",
	})
	if err := os.WriteFile(archive, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "extracted")
	if err := Extract(context.Background(), archive, out); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	meta, err := os.ReadFile(filepath.Join(out, "LJSpeech-1.1", "metadata.csv"))
	if err != nil {
		t.Fatalf("read extracted metadata: %v", err)
	}
	if string(meta) != "LJ001-0001|raw|normalized" {
		t.Errorf("metadata content = %q", meta)
	}
	if _, err := os.Stat(filepath.Join(out, "LJSpeech-1.1", "wavs", "LJ001-0001.wav")); err != nil {
		t.Errorf("wav not extracted: %v", err)
	}
}

func TestExtract_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	raw := tarGz(t, map[string]string{"../evil.txt": "pwned"})
	if err := os.WriteFile(archive, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Extract(context.Background(), archive, filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected traversal error, got nil")
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.txt")); !os.IsNotExist(err) {
		t.Error("traversal entry was written outside the extraction dir")
	}
}

func TestExtract_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bogus.tar.zst")
	if err := os.WriteFile(archive, []byte("not an archive"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Extract(context.Background(), archive, dir); err == nil {
		t.Fatal("expected format error, got nil")
	}
}

func TestExtract_Cancelled(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "c.tar.gz")
	raw := tarGz(t, map[string]string{"a.txt": "a"})
	if err := os.WriteFile(archive, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Extract(ctx, archive, filepath.Join(dir, "out")); err == nil {
		t.Fatal("expected context error, got nil")
	}
}
