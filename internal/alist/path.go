package alist

import (
	"path"
	"strings"
)

// Root is the top of the storage tree.
const Root = "/"

// Clean returns p as an absolute, slash-separated path with no ".."
// escaping the root.
func Clean(p string) string {
	if p == "" {
		return Root
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

// Join returns the path of name inside dir.
func Join(dir, name string) string {
	return Clean(path.Join(Clean(dir), name))
}

// Parent returns the directory containing p. The parent of the root is
// the root.
func Parent(p string) string {
	return path.Dir(Clean(p))
}

// IsRoot reports whether p is the storage root.
func IsRoot(p string) bool {
	return Clean(p) == Root
}
