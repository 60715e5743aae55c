// Package archive unpacks the zip bundles profiles are shipped in.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/log"
	"github.com/klauspost/compress/zip"
)

// ProfileExtensions are the file extensions treated as profile inputs.
var ProfileExtensions = []string{".mobileprovision", ".provisionprofile", ".plist"}

// Unpacker extracts an archive into a directory.
type Unpacker interface {
	Unpack(ctx context.Context, archivePath, destDir string) error
}

// Zip unpacks zip archives.
type Zip struct{}

// Unpack extracts every entry of the zip at archivePath below destDir,
// overwriting existing files.
func (Zip) Unpack(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractZipFile(f, destDir); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"archive": archivePath,
		"dest":    destDir,
		"entries": len(r.File),
	}).Info("archive extracted")
	return nil
}

func extractZipFile(f *zip.File, destDir string) error {
	// Sanitize the file path to prevent zip slip
	destPath := filepath.Join(destDir, f.Name)
	rel, err := filepath.Rel(filepath.Clean(destDir), destPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer destFile.Close()

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer srcFile.Close()

	_, err = io.Copy(destFile, srcFile)
	return err
}

// FindProfiles returns the profile inputs below dir, sorted by path.
// macOS resource fork entries (__MACOSX, ._*) are ignored.
func FindProfiles(dir string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "__MACOSX" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), "._") {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, want := range ProfileExtensions {
			if ext == want {
				found = append(found, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(found)
	return found, nil
}
