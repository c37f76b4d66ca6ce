// Package archive expands a declared file's archive payload ("via:
// unzip"/"via: untar" in the configuration document) onto the data
// partition. Adapted from the teacher's lib/volumes archive extractor:
// same path-traversal and symlink-escape defenses, generalized from a
// single tar.gz decoder to both tar (optionally gzip-compressed) and zip.
// Extraction has no size cap and takes no size budget; ExtractTar and
// ExtractZip only report the total number of bytes they wrote.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPath is returned when an archive entry would traverse or
	// escape the destination directory.
	ErrInvalidPath = errors.New("archive: invalid entry path")
)

// ExtractTar decodes a tar stream, transparently gunzipping first if the
// stream is gzip-compressed, and writes every entry under destDir.
// Returns the total number of bytes written.
func ExtractTar(r io.Reader, destDir string) (int64, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("archive: creating %s: %w", destDir, err)
	}

	br := bufio.NewReader(r)
	if peek, err := br.Peek(2); err == nil && peek[0] == 0x1f && peek[1] == 0x8b {
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("archive: opening gzip stream: %w", err)
		}
		defer gzr.Close()
		return extractTarEntries(tar.NewReader(gzr), destDir)
	}
	return extractTarEntries(tar.NewReader(br), destDir)
}

func extractTarEntries(tr *tar.Reader, destDir string) (int64, error) {
	var total int64
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("archive: reading tar entry: %w", err)
		}

		target, err := sanitizePath(destDir, header.Name)
		if err != nil {
			return total, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return total, fmt.Errorf("archive: mkdir %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, fmt.Errorf("archive: mkdir parent of %s: %w", header.Name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return total, fmt.Errorf("archive: creating %s: %w", header.Name, err)
			}
			n, err := io.Copy(f, tr)
			f.Close()
			total += n
			if err != nil {
				return total, fmt.Errorf("archive: writing %s: %w", header.Name, err)
			}
		case tar.TypeSymlink:
			if err := writeSafeSymlink(destDir, target, header.Linkname); err != nil {
				return total, err
			}
		case tar.TypeLink:
			linkTarget, err := sanitizePath(destDir, header.Linkname)
			if err != nil {
				return total, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, err
			}
			if err := os.Link(linkTarget, target); err != nil {
				return total, fmt.Errorf("archive: hardlinking %s: %w", header.Name, err)
			}
		default:
			continue
		}
	}
	return total, nil
}

// ExtractZip decodes a zip archive read from zipPath (archive/zip needs
// ReaderAt, so the caller passes a path rather than a stream) and writes
// every entry under destDir. Returns the total number of bytes written.
func ExtractZip(zipPath, destDir string) (int64, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("archive: creating %s: %w", destDir, err)
	}
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, fmt.Errorf("archive: opening zip %s: %w", zipPath, err)
	}
	defer zr.Close()

	var total int64
	for _, entry := range zr.File {
		target, err := sanitizePath(destDir, entry.Name)
		if err != nil {
			return total, err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, entry.Mode()); err != nil {
				return total, fmt.Errorf("archive: mkdir %s: %w", entry.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return total, fmt.Errorf("archive: mkdir parent of %s: %w", entry.Name, err)
		}
		src, err := entry.Open()
		if err != nil {
			return total, fmt.Errorf("archive: opening %s: %w", entry.Name, err)
		}
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode())
		if err != nil {
			src.Close()
			return total, fmt.Errorf("archive: creating %s: %w", entry.Name, err)
		}
		n, err := io.Copy(dst, src)
		src.Close()
		dst.Close()
		total += n
		if err != nil {
			return total, fmt.Errorf("archive: writing %s: %w", entry.Name, err)
		}
	}
	return total, nil
}

func writeSafeSymlink(destDir, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute symlink target %q", ErrInvalidPath, linkname)
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(target), linkname))
	if resolved != filepath.Clean(destDir) && !strings.HasPrefix(resolved, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("%w: symlink escapes destination", ErrInvalidPath)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Symlink(linkname, target)
}

func sanitizePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, name)
	}
	if strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: path traversal in %q", ErrInvalidPath, name)
	}
	target := filepath.Join(destDir, cleaned)
	if target != filepath.Clean(destDir) && !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path escapes destination: %q", ErrInvalidPath, name)
	}
	return target, nil
}
