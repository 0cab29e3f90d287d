package certs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupCreateAndRestore(t *testing.T) {
	dir := t.TempDir()
	spec := selfSigned(t, dir, "proxy", 90*24*time.Hour)
	origCert := readBytes(t, spec.CertFile)
	origKey := readBytes(t, spec.KeyFile)

	store := NewBackupStore(filepath.Join(dir, "backups"))
	b, err := store.Create("proxy", spec.CertFile, spec.KeyFile)
	require.NoError(t, err)
	require.Len(t, b.Files, 2)
	assert.FileExists(t, filepath.Join(b.Dir, manifestName))
	assert.Equal(t, filepath.Join(dir, "backups", "proxy"), filepath.Dir(b.Dir))

	require.NoError(t, os.WriteFile(spec.CertFile, []byte("overwritten"), 0o644))
	require.NoError(t, os.Remove(spec.KeyFile))

	require.NoError(t, store.Restore(b))
	assert.Equal(t, origCert, readBytes(t, spec.CertFile))
	assert.Equal(t, origKey, readBytes(t, spec.KeyFile))

	info, err := os.Stat(spec.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestBackupRestoreRejectsCorruptCopy(t *testing.T) {
	dir := t.TempDir()
	spec := selfSigned(t, dir, "proxy", 90*24*time.Hour)
	store := NewBackupStore(filepath.Join(dir, "backups"))

	b, err := store.Create("proxy", spec.CertFile, spec.KeyFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(b.Dir, b.Files[0].Name), []byte("tampered"), 0o600))
	require.NoError(t, os.WriteFile(spec.KeyFile, []byte("current"), 0o600))

	err = store.Restore(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.Equal(t, []byte("current"), readBytes(t, spec.KeyFile))
}

func TestBackupListAndPrune(t *testing.T) {
	dir := t.TempDir()
	spec := selfSigned(t, dir, "proxy", 90*24*time.Hour)
	store := NewBackupStore(filepath.Join(dir, "backups"))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, age := range []int{90, 60, 1} {
		created := base.Add(-time.Duration(age) * 24 * time.Hour)
		store.now = func() time.Time { return created }
		_, err := store.Create("proxy", spec.CertFile)
		require.NoError(t, err)
	}

	backups, err := store.List("proxy")
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.True(t, backups[0].CreatedAt.After(backups[1].CreatedAt))

	store.now = func() time.Time { return base }
	removed, err := store.Prune(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// The newest backup survives even when it is past retention
	removed, err = store.Prune(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	backups, err = store.List("proxy")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestBackupListUnknownCertificate(t *testing.T) {
	store := NewBackupStore(t.TempDir())
	backups, err := store.List("nothing")
	require.NoError(t, err)
	assert.Empty(t, backups)
}
