package vfs

import (
	"errors"
	"path"
	"strings"
)

var (
	errEmptyPath    = errors.New("path is empty")
	errRelativePath = errors.New("path must be absolute")
	errNulInPath    = errors.New("path contains NUL byte")
)

// CleanPath returns the canonical form of p: slash-separated, absolute, with
// "." and ".." resolved lexically. Both backends key files and locks by this
// form, so "/a//b/../c" and "/a/c" name the same file.
func CleanPath(p string) (string, error) {
	switch {
	case p == "":
		return "", errEmptyPath
	case strings.IndexByte(p, 0) >= 0:
		return "", errNulInPath
	case p[0] != '/':
		return "", errRelativePath
	}

	return path.Clean(p), nil
}

func cleanPath(op, p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", newError(op, p, KindInvalidPath, err)
	}

	return clean, nil
}

// splitPath returns the non-empty segments of a canonical path.
// The root has no segments.
func splitPath(clean string) []string {
	if clean == "/" {
		return nil
	}

	return strings.Split(clean[1:], "/")
}

// isWithin reports whether clean is dir or a descendant of dir.
func isWithin(clean, dir string) bool {
	if dir == "/" || clean == dir {
		return true
	}

	return strings.HasPrefix(clean, dir+"/")
}
