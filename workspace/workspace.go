// Package workspace keeps the app working directory in step with the
// latest FileSet. The directory is also the preview process's cwd.
package workspace

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"shiny_assistant/markup"
)

var (
	// ErrFilesystem wraps any directory/file failure during a sync.
	ErrFilesystem = errors.New("workspace filesystem error")
	// ErrPathInvalid: 文件名为绝对路径或试图用 ".." 逃逸工作目录。
	ErrPathInvalid = errors.New("workspace path invalid")
)

const (
	permDir  = 0o755
	permFile = 0o644
)

// Sync writes every file of set into dir, creating dir first. Existing files
// are truncated and overwritten; files missing from set are left alone.
// The first failure aborts the sync and nothing already written is undone.
func Sync(dir string, set markup.FileSet) error {
	if err := os.MkdirAll(dir, permDir); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrFilesystem, dir, err)
	}
	for _, f := range set.Files {
		dest, err := resolve(dir, f.Name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFilesystem, err)
		}
		data, err := fileBytes(f)
		if err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrFilesystem, f.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), permDir); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrFilesystem, filepath.Dir(dest), err)
		}
		if err := os.WriteFile(dest, data, permFile); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrFilesystem, f.Name, err)
		}
	}
	return nil
}

// Read returns the files currently under dir as a FileSet sorted by name.
// Hidden entries and __pycache__ are skipped. Content that is not valid
// UTF-8 comes back base64-encoded with KindBinary.
func Read(dir string) (markup.FileSet, error) {
	set := markup.FileSet{Files: []markup.ExtractedFile{}}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || name == "__pycache__" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		f := markup.ExtractedFile{Name: filepath.ToSlash(rel), Kind: markup.KindText}
		if utf8.Valid(b) {
			f.Content = string(b)
		} else {
			f.Kind = markup.KindBinary
			f.Content = base64.StdEncoding.EncodeToString(b)
		}
		set.Files = append(set.Files, f)
		return nil
	})
	if err != nil {
		return markup.FileSet{}, fmt.Errorf("%w: read %s: %v", ErrFilesystem, dir, err)
	}
	sort.Slice(set.Files, func(i, j int) bool { return set.Files[i].Name < set.Files[j].Name })
	return set, nil
}

// Exists reports whether dir is present.
func Exists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Reset removes dir and everything under it.
func Reset(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrFilesystem, dir, err)
	}
	return nil
}

// resolve: Clean + Join，并拒绝绝对路径与父级逃逸。
func resolve(root, name string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(name))
	if rel == "." || rel == "" {
		return "", fmt.Errorf("%w: empty name", ErrPathInvalid)
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %s", ErrPathInvalid, name)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathInvalid, name)
	}
	return filepath.Join(root, rel), nil
}

func fileBytes(f markup.ExtractedFile) ([]byte, error) {
	if f.Kind == markup.KindBinary {
		return base64.StdEncoding.DecodeString(f.Content)
	}
	return []byte(f.Content), nil
}
