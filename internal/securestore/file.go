package securestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File is a sealed JSON snapshot at a fixed path.
type File struct {
	path   string
	sealer *Sealer
}

// Configured reports whether both a path and a secret were provided.
func Configured(path, secret string) bool {
	return strings.TrimSpace(path) != "" && strings.TrimSpace(secret) != ""
}

func OpenFile(path, secret string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("securestore path is empty")
	}
	sealer, err := NewSealer(secret)
	if err != nil {
		return nil, err
	}
	return &File{path: path, sealer: sealer}, nil
}

func (f *File) Path() string { return f.path }

// Load decodes the snapshot into v. It returns false when no snapshot exists.
func (f *File) Load(v any) (bool, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	plain, err := f.sealer.Open(raw)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", filepath.Base(f.path), err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(f.path), err)
	}
	return true, nil
}

// Save seals v and replaces the snapshot through a temp file and rename.
func (f *File) Save(v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data, err := f.sealer.Seal(plain)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
