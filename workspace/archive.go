package workspace

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// maxArchiveFile caps a single bundle entry so a hostile archive cannot fill the disk.
const maxArchiveFile = 64 << 20

// ExtractArchive unpacks a gzip-compressed tar bundle into dir.
// Entries escaping dir are rejected; links and devices are skipped.
func ExtractArchive(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: open bundle: %v", ErrFilesystem, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, permDir); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrFilesystem, dir, err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %w: %s", ErrFilesystem, ErrPathInvalid, hdr.Name)
		}
		if err != nil {
			return fmt.Errorf("%w: read bundle: %v", ErrFilesystem, err)
		}
		if hdr.Name == "./" || hdr.Name == "." {
			continue
		}
		dest, err := resolve(dir, hdr.Name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, permDir); err != nil {
				return fmt.Errorf("%w: create %s: %v", ErrFilesystem, dest, err)
			}
		case tar.TypeReg:
			if err := writeEntry(dest, tr, hdr.Size); err != nil {
				return err
			}
		}
	}
}

func writeEntry(dest string, r io.Reader, size int64) error {
	if size > maxArchiveFile {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrFilesystem, filepath.Base(dest), maxArchiveFile)
	}
	if err := os.MkdirAll(filepath.Dir(dest), permDir); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrFilesystem, filepath.Dir(dest), err)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, permFile)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrFilesystem, dest, err)
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxArchiveFile)); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrFilesystem, dest, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrFilesystem, dest, err)
	}
	return nil
}
