// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	gocontext "context"
	"fmt"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Storage where checkpoint files are saved to and loaded from. Files are identified by their base
// name: storages are flat.
//
// There are two implementations: a local directory (see Config.Dir) and an S3 bucket (see
// NewS3Storage).
type Storage interface {
	// Put writes (or overwrites) the file with the given contents.
	Put(ctx gocontext.Context, name string, data []byte) error

	// Get reads the whole contents of the file.
	Get(ctx gocontext.Context, name string) ([]byte, error)

	// Delete removes the file. Deleting a file that doesn't exist is not an error.
	Delete(ctx gocontext.Context, name string) error

	// List returns the names of all files, sorted.
	List(ctx gocontext.Context) ([]string, error)

	// String describes the storage, used in error messages.
	String() string
}

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission (before umask) of the checkpoint files created.
	FilePermMode = os.FileMode(0660)
)

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, err := user.Current()
	if err != nil {
		return dir
	}
	return path.Join(usr.HomeDir, dir[1:])
}

// dirStorage stores the checkpoint files in a local directory.
type dirStorage struct {
	dir string
}

// newDirStorage creates the directory if it doesn't exist yet.
func newDirStorage(dir string) (*dirStorage, error) {
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to os.Stat(%q)", dir)
	}
	if err == nil && !fi.IsDir() {
		return nil, errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir)
	}
	if err != nil {
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "trying to create dir %q", dir)
		}
	}
	return &dirStorage{dir: dir}, nil
}

func (s *dirStorage) String() string { return fmt.Sprintf("dir(%q)", s.dir) }

func (s *dirStorage) Put(_ gocontext.Context, name string, data []byte) error {
	fileName := filepath.Join(s.dir, name)
	// Write to a temporary file first, so a crash never leaves a truncated checkpoint file behind.
	tmpName := fileName + ".tmp"
	if err := os.WriteFile(tmpName, data, FilePermMode); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmpName)
	}
	if err := os.Rename(tmpName, fileName); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpName, fileName)
	}
	return nil
}

func (s *dirStorage) Get(_ gocontext.Context, name string) ([]byte, error) {
	fileName := filepath.Join(s.dir, name)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", fileName)
	}
	return data, nil
}

func (s *dirStorage) Delete(_ gocontext.Context, name string) error {
	fileName := filepath.Join(s.dir, name)
	if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %q", fileName)
	}
	return nil
}

func (s *dirStorage) List(_ gocontext.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", s.dir)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
