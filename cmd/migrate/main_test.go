package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateChecksum(t *testing.T) {
	// sha256("")
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", calculateChecksum(nil))
	assert.Len(t, calculateChecksum([]byte("CREATE TABLE x ();")), 64)
	assert.NotEqual(t, calculateChecksum([]byte("a")), calculateChecksum([]byte("b")))
}

// TestLoadMigrations はファイル名順の読み込みテスト
func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_b.sql"), []byte("SELECT 2;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("SELECT 1;"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	files, err := loadMigrations(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "001_a.sql", files[0].Filename)
	assert.Equal(t, calculateChecksum([]byte("SELECT 1;")), files[0].Checksum)
	assert.Equal(t, "002_b.sql", files[1].Filename)
}

// TestPlan は実行済み判定とチェックサム検証のテスト
func TestPlan(t *testing.T) {
	files := []migration{
		{Filename: "001_a.sql", Checksum: "aaa"},
		{Filename: "002_b.sql", Checksum: "bbb"},
	}

	pending, err := plan(files, map[string]string{})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pending, err = plan(files, map[string]string{"001_a.sql": "aaa"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "002_b.sql", pending[0].Filename)

	_, err = plan(files, map[string]string{"001_a.sql": "changed"})
	assert.Error(t, err)
}

// TestBundledMigrations は同梱スキーマが読み込めるテスト
func TestBundledMigrations(t *testing.T) {
	files, err := loadMigrations(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_init.sql", files[0].Filename)
}
