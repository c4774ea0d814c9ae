package storage

import (
	"fmt"
	"path"
	"strings"
)

// Resolve joins an untrusted relative path onto root and returns the
// normalized result. The check is purely lexical and never touches the
// filesystem. Empty, "." and "/" resolve to root itself.
//
// Both "/" and "\" are treated as separators so that Windows-style
// traversal is rejected the same way as POSIX-style.
func Resolve(root, relative string) (string, error) {
	root = path.Clean("/" + root)
	if strings.ContainsRune(relative, 0) {
		return "", fmt.Errorf("%w: null bytes not allowed", ErrInvalidPath)
	}

	rel := strings.ReplaceAll(relative, `\`, "/")
	// Join before cleaning so ".." is evaluated against root, not against "/".
	resolved := path.Clean(root + "/" + rel)

	if !within(root, resolved) {
		return "", &PathEscapeError{Root: root, Relative: relative}
	}
	return resolved, nil
}

// ResolveChild resolves name as a direct child of parent, which must
// already be a resolved path inside root. A name that climbs out of root is
// a *PathEscapeError; any other multi-segment or reserved name is rejected
// as ErrInvalidPath.
func ResolveChild(root, parent, name string) (string, error) {
	root = path.Clean("/" + root)
	if name == "" {
		return "", fmt.Errorf("%w: name cannot be empty", ErrInvalidPath)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: null bytes not allowed", ErrInvalidPath)
	}
	if !within(root, parent) {
		return "", &PathEscapeError{Root: root, Relative: parent}
	}

	segment := strings.ReplaceAll(name, `\`, "/")
	child := path.Clean(parent + "/" + segment)
	if !within(root, child) {
		return "", &PathEscapeError{Root: root, Relative: name}
	}
	if strings.Contains(segment, "/") || child == parent || path.Dir(child) != parent {
		return "", fmt.Errorf("%w: %q is not a single name", ErrInvalidPath, name)
	}
	if strings.HasPrefix(segment, tempPrefix) {
		return "", fmt.Errorf("%w: name %q uses a reserved prefix", ErrInvalidPath, name)
	}
	return child, nil
}

// within reports whether p is root or lies strictly beneath it. The
// separator is part of the prefix so "/data/1" never admits "/data/10".
func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(p, prefix)
}
