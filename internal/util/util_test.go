package util

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeName(t *testing.T) {
	t.Run("success - unsafe characters are replaced", func(t *testing.T) {
		// act
		name := SafeName(" Smoke Tests/v1.2 ")

		// assert
		assert.Equal(t, "smoke_tests_v1.2", name)
	})
}

func TestArchiveDirectory(t *testing.T) {
	t.Run("success - entries are relative to the parent of root", func(t *testing.T) {
		// arrange
		dir := t.TempDir()
		root := filepath.Join(dir, "lava-1")
		require.NoError(t, WriteFile(filepath.Join(root, "bin", "lava-test-runner"), []byte("#!/bin/sh\n"), 0o755))
		require.NoError(t, WriteFile(filepath.Join(root, "0", "lava-test-runner.conf"), []byte("x\n"), 0o644))

		// act
		name, err := ArchiveDirectory(root, filepath.Join(dir, "overlay.tar.gz"))

		// assert
		require.NoError(t, err)
		f, err := os.Open(name)
		require.NoError(t, err)
		defer f.Close()
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		tr := tar.NewReader(gz)
		var names []string
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			names = append(names, hdr.Name)
		}
		assert.Contains(t, names, "lava-1/bin/lava-test-runner")
		assert.Contains(t, names, "lava-1/0/lava-test-runner.conf")
		assert.Contains(t, names, "lava-1/")
	})

	t.Run("success - missing path does not exist", func(t *testing.T) {
		// act
		ok, err := PathExists(filepath.Join(t.TempDir(), "missing"))

		// assert
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}
