package fs

import (
	"strings"

	"github.com/onuse/moses/internal/types"
)

// SplitPath normalizes a slash-separated absolute path into components.
// "/" yields an empty slice. Empty components and "." are dropped; ".." is
// rejected, since every family resolves parents through the directory
// engine rather than lexical rewriting.
func SplitPath(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, types.E(types.KindInvalidInput, "split_path", path)
	}
	var parts []string
	for _, c := range strings.Split(path, "/") {
		switch c {
		case "", ".":
		case "..":
			return nil, types.E(types.KindInvalidInput, "split_path", path)
		default:
			parts = append(parts, c)
		}
	}
	return parts, nil
}

// SplitParent returns the parent components and the final name.
func SplitParent(path string) ([]string, string, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", types.E(types.KindInvalidInput, "split_parent", path)
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}
