package certs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	manifestName    = "manifest.json"
	backupTimestamp = "20060102T150405.000Z"
)

// BackupFile is one file captured in a backup
type BackupFile struct {
	Source string      `json:"source"`
	Name   string      `json:"name"`
	SHA256 string      `json:"sha256"`
	Mode   os.FileMode `json:"mode"`
}

// Backup is a point-in-time copy of a certificate's files
type Backup struct {
	Certificate string       `json:"certificate"`
	CreatedAt   time.Time    `json:"createdAt"`
	Dir         string       `json:"-"`
	Files       []BackupFile `json:"files"`
}

// BackupStore keeps backups under <root>/<certificate>/<UTC timestamp>/
type BackupStore struct {
	root string
	now  func() time.Time
}

// NewBackupStore creates a store rooted at dir
func NewBackupStore(dir string) *BackupStore {
	return &BackupStore{root: dir, now: time.Now}
}

// Create copies files into a new backup directory with a manifest
func (s *BackupStore) Create(name string, files ...string) (*Backup, error) {
	created := s.now().UTC()
	dir := filepath.Join(s.root, name, created.Format(backupTimestamp))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	b := &Backup{Certificate: name, CreatedAt: created, Dir: dir}
	for _, src := range files {
		if src == "" {
			continue
		}
		info, err := os.Stat(src)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", src, err)
		}
		sum, err := copyFile(src, filepath.Join(dir, filepath.Base(src)), info.Mode().Perm())
		if err != nil {
			return nil, err
		}
		b.Files = append(b.Files, BackupFile{
			Source: src,
			Name:   filepath.Base(src),
			SHA256: sum,
			Mode:   info.Mode().Perm(),
		})
	}

	manifest, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), manifest, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return b, nil
}

// Restore verifies every file in b against its checksum, then writes it
// back over its source path
func (s *BackupStore) Restore(b *Backup) error {
	for _, f := range b.Files {
		sum, err := fileSHA256(filepath.Join(b.Dir, f.Name))
		if err != nil {
			return err
		}
		if sum != f.SHA256 {
			return fmt.Errorf("backup of %s is corrupt: checksum mismatch", f.Name)
		}
	}
	for _, f := range b.Files {
		if err := atomicCopy(filepath.Join(b.Dir, f.Name), f.Source, f.Mode); err != nil {
			return fmt.Errorf("failed to restore %s: %w", f.Source, err)
		}
	}
	return nil
}

// List returns the backups for a certificate, newest first
func (s *BackupStore) List(name string) ([]*Backup, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var backups []*Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := readManifest(filepath.Join(s.root, name, e.Name()))
		if err != nil {
			continue
		}
		backups = append(backups, b)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt.After(backups[j].CreatedAt) })
	return backups, nil
}

// Prune removes backups older than retention, always keeping the newest
// backup of each certificate. It returns the number removed.
func (s *BackupStore) Prune(retention time.Duration) (int, error) {
	certDirs, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read backup root: %w", err)
	}

	cutoff := s.now().Add(-retention)
	removed := 0
	for _, d := range certDirs {
		if !d.IsDir() {
			continue
		}
		backups, err := s.List(d.Name())
		if err != nil {
			return removed, err
		}
		for i, b := range backups {
			if i == 0 || !b.CreatedAt.Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(b.Dir); err != nil {
				return removed, fmt.Errorf("failed to remove %s: %w", b.Dir, err)
			}
			removed++
		}
	}
	return removed, nil
}

func readManifest(dir string) (*Backup, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("invalid manifest in %s: %w", dir, err)
	}
	b.Dir = dir
	return &b, nil
}

func copyFile(src, dst string, mode os.FileMode) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// atomicCopy replaces dst via a temp file and rename
func atomicCopy(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data, mode)
}

// writeFileAtomic writes data next to path then renames it into place
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
