// Package retry implements the Retry & Failure Classifier: it inspects a
// failed transfer's error stream for the "source vanished mid-transfer"
// condition and, when found, reformulates the transfer's argument list so
// a retry only asks for what's left.
package retry

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// vanishedPattern matches the rsync diagnostic this classifier keys off
// of: file has vanished: "<path>". It is emitted once per top-level
// directory entry that disappeared mid-walk.
var vanishedPattern = regexp.MustCompile(`file has vanished: "([^"]+)"`)

// ParseVanishedRoots scans a transfer's captured stderr for vanished-path
// diagnostics and returns the distinct paths named, in first-seen order.
func ParseVanishedRoots(stderr string) []string {
	matches := vanishedPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var roots []string
	for _, m := range matches {
		path := m[1]
		if seen[path] {
			continue
		}
		seen[path] = true
		roots = append(roots, path)
	}
	return roots
}

// ReformulatedTransfer is the argument shape a retry after a vanished
// source should use: rsync's filter rules only admit a path if every
// ancestor directory down to it is explicitly included, so the include
// list carries the whole chain plus a trailing catch-all exclude.
type ReformulatedTransfer struct {
	Includes []string
	Excludes []string
	Sources  []string
}

// FrameIncludeCLI builds a ReformulatedTransfer that retries only the
// entries from includeList that still lie under one of the vanished
// roots, framed as --include/--exclude rsync filter arguments plus the
// narrowed set of source roots to pass on the command line.
//
// root is the Sync Entry's configured path; includeList entries are
// interpreted relative to it, matching the original IncludeFilesList
// semantics.
func FrameIncludeCLI(root string, includeList []string, vanishedRoots []string) ReformulatedTransfer {
	var result ReformulatedTransfer
	seenInclude := make(map[string]bool)
	seenSource := make(map[string]bool)

	for _, vroot := range vanishedRoots {
		vroot = filepath.Clean(vroot)
		matched := false

		for _, pattern := range includeList {
			isDirPattern := strings.HasSuffix(pattern, "/")
			abs := filepath.Clean(filepath.Join(root, pattern))

			if !underRoot(vroot, abs) {
				continue
			}
			matched = true

			for _, ancestor := range ancestorsOf(abs) {
				if seenInclude[ancestor] {
					continue
				}
				seenInclude[ancestor] = true
				result.Includes = append(result.Includes, "--include="+ancestor)
			}

			if isDirPattern {
				leafDir := abs + "/"
				if !seenInclude[leafDir] {
					seenInclude[leafDir] = true
					result.Includes = append(result.Includes, "--include="+leafDir)
				}
				leafSubtree := abs + "/***"
				if !seenInclude[leafSubtree] {
					seenInclude[leafSubtree] = true
					result.Includes = append(result.Includes, "--include="+leafSubtree)
				}
			} else {
				if !seenInclude[abs] {
					seenInclude[abs] = true
					result.Includes = append(result.Includes, "--include="+abs)
				}
			}
		}

		if matched {
			source := vroot + "/"
			if !seenSource[source] {
				seenSource[source] = true
				result.Sources = append(result.Sources, source)
			}
		}
	}

	if len(result.Includes) > 0 {
		result.Excludes = []string{"--exclude=*"}
	}

	sort.Strings(result.Sources)
	return result
}

// underRoot reports whether abs lies at or under root.
func underRoot(root, abs string) bool {
	if root == abs {
		return true
	}
	prefix := root + "/"
	return strings.HasPrefix(abs, prefix)
}

// ancestorsOf returns every directory prefix of abs strictly above its
// final component, each with a trailing slash, in top-down order. For
// "/root/a/b" that's ["/root/", "/root/a/"].
func ancestorsOf(abs string) []string {
	segments := strings.Split(strings.TrimPrefix(abs, "/"), "/")
	if len(segments) <= 1 {
		return nil
	}

	var out []string
	prefix := ""
	for _, seg := range segments[:len(segments)-1] {
		prefix += "/" + seg
		out = append(out, prefix+"/")
	}
	return out
}
