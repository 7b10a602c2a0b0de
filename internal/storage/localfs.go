package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems lists filesystem names on which SQLite locking is unreliable.
var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// ErrRemoteFilesystem is returned for paths on a network filesystem, where
// file locks and change notifications are unreliable.
var ErrRemoteFilesystem = errors.New("network filesystem")

// RequireLocalFilesystem fails when path (or its nearest existing parent) is
// on a network filesystem. Platforms without detection are allowed through.
func RequireLocalFilesystem(path string) error {
	err := requireLocalFilesystem(path, filesystemType)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	return err
}

var errDetectUnsupported = errors.New("filesystem detection unsupported")

func requireLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	existing, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isRemote(fsType) {
		return fmt.Errorf("%q is on %s %q: %w", path, ErrRemoteFilesystem, fsType, ErrRemoteFilesystem)
	}
	return nil
}

// existingAncestor walks up from path to the first entry that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}

func isRemote(fsType string) bool {
	_, ok := remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return ok
}
