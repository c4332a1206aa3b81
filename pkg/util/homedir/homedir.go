// Package homedir resolves `~` prefixed paths given on the command line.
package homedir

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

// Get returns the home directory of the current user, falling back to the
// user database when $HOME is unset.
func Get() (string, error) {
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return home, nil
	}
	u, uerr := user.Current()
	if uerr == nil && u.HomeDir != "" {
		return u.HomeDir, nil
	}
	return "", fmt.Errorf("unable to determine home directory: %w", errors.Join(err, uerr))
}

// Expand replaces a leading `~` of path with the home directory. Other
// paths are returned as-is, `~user` forms are rejected.
func Expand(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	if len(path) > 1 && !os.IsPathSeparator(path[1]) {
		return "", fmt.Errorf("cannot expand home dir of another user in %q", path)
	}
	home, err := Get()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

// Abs expands path and makes it absolute.
func Abs(path string) (string, error) {
	expanded, err := Expand(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}
