package util

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// WriteFile writes data to path, creating the parent directories.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("err creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("err writing %s: %w", path, err)
	}
	return nil
}

// ArchiveDirectory writes the tree under root to a gzipped tarball at
// dest. Entries are named relative to the parent of root so unpacking
// the archive in "/" recreates root there.
func ArchiveDirectory(root, dest string) (string, error) {
	archive, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer archive.Close()

	gz := gzip.NewWriter(archive)
	tw := tar.NewWriter(gz)
	base := filepath.Dir(root)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return copyToArchive(tw, base, path, d)
	})
	if err != nil {
		return "", fmt.Errorf("err archiving %s: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return archive.Name(), nil
}

func copyToArchive(tw *tar.Writer, base, p string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if d.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if d.IsDir() {
		return nil
	}

	// open file to archive
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	// copy file to archive
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return nil
}
