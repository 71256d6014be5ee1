// Package pathname canonicalizes slash-delimited tree paths.
//
// A PathName has no I/O and no state beyond the components it was built
// from: it takes a user-supplied symbolic path and a working directory and
// produces either a canonical parent chain plus target name, or a failure.
package pathname

import (
	"strings"

	"github.com/kvtree/kvtree/internal/status"
)

// superRoot is the synthetic parent materialized ahead of every path's real
// root, so that removing "/" can be expressed uniformly as "drop and
// recreate the child named root" (see tree.Tree). The path "/" itself
// canonicalizes to Parents=nil, Target="root": traversal walks zero real
// parents and looks up the child literally named "root" under the
// implementation's super-root directory.
const superRoot = "root"

// PathName is the canonical form of a tree path.
//
// Symbolic holds the original user-supplied string, used verbatim in error
// messages. Parents is the ordered list of directory components leading to
// Target; when non-empty it always starts with the synthetic "root"
// component. Target is the final path component.
type PathName struct {
	Symbolic string
	Parents  []string
	Target   string
}

// Parse canonicalizes symbolic against workingDir and returns the resulting
// PathName, or a *status.Error with Code InvalidArgument.
//
// Canonicalization: if symbolic does not start with "/", workingDir must be
// absolute; the working directory and symbolic path are joined and split on
// "/", empty segments are dropped, "." is a no-op, and ".." pops one
// component off the stack (failing if the stack is already empty). The
// final remaining component becomes Target; everything preceding it, with
// "root" prepended, becomes Parents.
func Parse(symbolic, workingDir string) (PathName, error) {
	var full string
	if strings.HasPrefix(symbolic, "/") {
		full = symbolic
	} else {
		if !strings.HasPrefix(workingDir, "/") {
			return PathName{}, status.InvalidArgumentf(
				"%q is a relative path but the working directory %q is not absolute",
				symbolic, workingDir)
		}
		full = workingDir + "/" + symbolic
	}

	stack := make([]string, 0, strings.Count(full, "/"))
	for _, seg := range strings.Split(full, "/") {
		switch seg {
		case "", ".":
			// skip
		case "..":
			if len(stack) == 0 {
				return PathName{}, status.InvalidArgumentf(
					"path %q (relative to %q) attempts to look up directory above root",
					symbolic, workingDir)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}

	// combined is ["root", stack...]; the last element becomes Target and
	// the rest becomes Parents. When stack is empty this yields
	// Parents=nil, Target="root", the canonical form of "/" itself.
	combined := make([]string, 0, len(stack)+1)
	combined = append(combined, superRoot)
	combined = append(combined, stack...)

	return PathName{
		Symbolic: symbolic,
		Parents:  combined[:len(combined)-1],
		Target:   combined[len(combined)-1],
	}, nil
}

// Canonical renders the PathName back to an absolute "/"-joined string. It
// is the inverse of Parse in the sense that
// Parse(p.Canonical(), "/") == Parse(symbolic, workingDir): canonicalization
// is idempotent.
func (p PathName) Canonical() string {
	if len(p.Parents) == 0 && p.Target == superRoot {
		return "/"
	}
	var b strings.Builder
	for _, c := range p.Parents[1:] {
		b.WriteByte('/')
		b.WriteString(c)
	}
	b.WriteByte('/')
	b.WriteString(p.Target)
	return b.String()
}

// ParentsThrough renders the parent chain up to and including index i (a
// 0-based index into Parents, which itself starts with the synthetic
// "root") as an absolute path string, for use in error messages that name
// the specific ancestor that was missing or had the wrong type.
func (p PathName) ParentsThrough(i int) string {
	if i <= 0 {
		return "/"
	}
	var b strings.Builder
	for _, c := range p.Parents[1 : i+1] {
		b.WriteByte('/')
		b.WriteString(c)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// IsRoot reports whether this PathName refers to the tree's root directory.
func (p PathName) IsRoot() bool {
	return len(p.Parents) == 0 && p.Target == superRoot
}
