// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datasets.xml")

	require.NoError(t, WriteAtomic(path, []byte("first"), 0644))
	require.NoError(t, WriteAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp residue after rename")
}

func TestWriteAtomicMissingDir(t *testing.T) {
	err := WriteAtomic(filepath.Join(t.TempDir(), "absent", "f"), []byte("x"), 0644)
	assert.Error(t, err)
}

func TestLinkOrCopyHardLinksSameFilesystem(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.nc")
	dst := filepath.Join(dir, "dst.nc")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0640))

	require.NoError(t, LinkOrCopy(src, dst))

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	dstInfo, err := os.Stat(dst)
	require.NoError(t, err)
	assert.True(t, os.SameFile(srcInfo, dstInfo), "same filesystem mirrors by hard link")
}

func TestLinkOrCopyReplacesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.nc")
	dst := filepath.Join(dir, "dst.nc")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0644))

	require.NoError(t, LinkOrCopy(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestCopyFilePreservesModeAndMtime(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.nc")
	dst := filepath.Join(dir, "dst.nc")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0600))

	require.NoError(t, copyFile(src, dst))

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	dstInfo, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, srcInfo.Mode().Perm(), dstInfo.Mode().Perm())
	assert.True(t, srcInfo.ModTime().Equal(dstInfo.ModTime()))
	assert.Equal(t, srcInfo.Size(), dstInfo.Size())
}

func TestLinkOrCopyMissingSource(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, LinkOrCopy(filepath.Join(dir, "absent"), filepath.Join(dir, "dst")))
}
