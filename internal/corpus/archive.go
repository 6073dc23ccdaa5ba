package corpus

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Extract unpacks a .tar.gz or .tar.bz2 archive into dir. Compression is
// sniffed from magic bytes, so a mislabeled archive still extracts. Entries
// that would escape dir are rejected.
func Extract(ctx context.Context, archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(3)
	if err != nil {
		return fmt.Errorf("read archive magic: %w", err)
	}

	var decompressed io.Reader
	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		decompressed = gz
	case bytes.HasPrefix(magic, []byte("BZh")):
		decompressed = bzip2.NewReader(br)
	default:
		return fmt.Errorf("unrecognized archive format (magic %x)", magic)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}

	tr := tar.NewReader(decompressed)
	files := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
			}
			mode := os.FileMode(hdr.Mode) & 0o777
			if mode == 0 {
				mode = 0o644
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return fmt.Errorf("create %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", hdr.Name, err)
			}
			files++
		default:
			// Symlinks and specials are not expected in the corpus archive.
			slog.Debug("skipping tar entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}

	slog.Info("archive extracted", "files", files, "dir", dir)
	return nil
}

// safeJoin joins name under dir, rejecting path traversal.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	clean := filepath.Clean(dir)
	if target != clean && !strings.HasPrefix(target, clean+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes extraction dir: %s", name)
	}
	return target, nil
}
