// Package tree implements the deterministic hierarchical key-value state
// machine that sits behind the replicated log: an in-memory tree of
// directories and files, its mutation/query primitives, and its
// snapshot/restore contract.
//
// Tree is not safe for concurrent use. It is single-threaded cooperative by
// design (see SPEC_FULL.md §5): the server serializes calls to it via Raft
// apply order, and the in-process TestingShim serializes them with a mutex.
package tree

import (
	"sort"

	"github.com/kvtree/kvtree/internal/pathname"
	"github.com/kvtree/kvtree/internal/status"
)

// File is a leaf node: an opaque byte-string of contents, which may be
// empty.
type File struct {
	Contents []byte
}

// Directory is an interior node: disjoint name spaces of child directories
// and child files.
type Directory struct {
	directories map[string]*Directory
	files       map[string]*File
}

func newDirectory() *Directory {
	return &Directory{
		directories: make(map[string]*Directory),
		files:       make(map[string]*File),
	}
}

// children returns child names, directories first (lexicographic, with a
// trailing "/"), then files (lexicographic).
func (d *Directory) children() []string {
	names := make([]string, 0, len(d.directories))
	for name := range d.directories {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]string, 0, len(d.directories)+len(d.files))
	for _, name := range names {
		result = append(result, name+"/")
	}
	fileNames := make([]string, 0, len(d.files))
	for name := range d.files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	result = append(result, fileNames...)
	return result
}

func (d *Directory) lookupDirectory(name string) *Directory {
	return d.directories[name]
}

func (d *Directory) lookupFile(name string) *File {
	return d.files[name]
}

// makeDirectory returns the child directory named name, creating it if
// absent, or nil if name already refers to a file.
func (d *Directory) makeDirectory(name string) *Directory {
	if d.lookupFile(name) != nil {
		return nil
	}
	if sub, ok := d.directories[name]; ok {
		return sub
	}
	sub := newDirectory()
	d.directories[name] = sub
	return sub
}

func (d *Directory) removeDirectory(name string) {
	delete(d.directories, name)
}

// makeFile returns the file named name, creating it if absent, or nil if
// name already refers to a directory.
func (d *Directory) makeFile(name string) *File {
	if d.lookupDirectory(name) != nil {
		return nil
	}
	if f, ok := d.files[name]; ok {
		return f
	}
	f := &File{}
	d.files[name] = f
	return f
}

// removeFile removes the named file, reporting whether it was present.
func (d *Directory) removeFile(name string) bool {
	if _, ok := d.files[name]; !ok {
		return false
	}
	delete(d.files, name)
	return true
}

// Stats holds the per-operation counters a Tree maintains. Counters are
// monotonic over the life of the state machine; see updateServerStats in
// the original LogCabin Tree.cc.
type Stats struct {
	ConditionsChecked uint64
	ConditionsFailed  uint64

	MakeDirectoryAttempted uint64
	MakeDirectorySuccess   uint64

	ListDirectoryAttempted uint64
	ListDirectorySuccess   uint64

	RemoveDirectoryAttempted      uint64
	RemoveDirectoryParentNotFound uint64
	RemoveDirectoryTargetNotFound uint64
	RemoveDirectoryDone           uint64
	RemoveDirectorySuccess        uint64

	WriteAttempted uint64
	WriteSuccess   uint64

	ReadAttempted uint64
	ReadSuccess   uint64

	RemoveFileAttempted      uint64
	RemoveFileParentNotFound uint64
	RemoveFileTargetNotFound uint64
	RemoveFileDone           uint64
	RemoveFileSuccess        uint64
}

// Tree is the deterministic state machine. Its zero value is not ready for
// use; construct one with New.
type Tree struct {
	// superRoot always contains exactly one subdirectory, named "root".
	// Removing "/" is expressed as dropping and recreating that child,
	// so the recursive removal code needs no special case for the
	// filesystem root.
	superRoot *Directory

	stats Stats
}

// New constructs an empty Tree, with the root directory already
// materialized so callers never need to makeDirectory("/") explicitly.
func New() *Tree {
	t := &Tree{superRoot: newDirectory()}
	t.superRoot.makeDirectory("root")
	return t
}

// normalLookup walks path.Parents from the super-root, failing with
// LookupError or TypeError at the first missing or mistyped ancestor. It
// does not create anything.
func (t *Tree) normalLookup(p pathname.PathName) (*Directory, error) {
	current := t.superRoot
	for i, name := range p.Parents {
		if i == 0 {
			// Parents[0] is always the synthetic "root"; the super-root
			// directory always contains it (Tree's invariant).
			current = current.lookupDirectory(name)
			continue
		}
		next := current.lookupDirectory(name)
		if next == nil {
			if current.lookupFile(name) == nil {
				return nil, status.LookupErrorf("Parent %s of %s does not exist",
					p.ParentsThrough(i), p.Symbolic)
			}
			return nil, status.TypeErrorf("Parent %s of %s is a file",
				p.ParentsThrough(i), p.Symbolic)
		}
		current = next
	}
	return current, nil
}

// mkdirLookup walks path.Parents from the super-root, creating any missing
// intermediate directory. A parent that already exists as a file still
// fails with TypeError.
func (t *Tree) mkdirLookup(p pathname.PathName) (*Directory, error) {
	current := t.superRoot
	for i, name := range p.Parents {
		if i == 0 {
			current = current.lookupDirectory(name)
			continue
		}
		next := current.makeDirectory(name)
		if next == nil {
			return nil, status.TypeErrorf("Parent %s of %s is a file",
				p.ParentsThrough(i), p.Symbolic)
		}
		current = next
	}
	return current, nil
}

// MakeDirectory creates all missing directories along path, including path
// itself. It is a no-op (OK) if the directory already exists, and fails
// TypeError if any path component names an existing file.
func (t *Tree) MakeDirectory(p pathname.PathName) error {
	t.stats.MakeDirectoryAttempted++

	parent, err := t.mkdirLookup(p)
	if err != nil {
		return err
	}
	if parent.makeDirectory(p.Target) == nil {
		return status.TypeErrorf("%s already exists but is a file", p.Symbolic)
	}
	t.stats.MakeDirectorySuccess++
	return nil
}

// ListDirectory returns the children of path: directory names (lexical,
// suffixed with "/"), then file names (lexical).
func (t *Tree) ListDirectory(p pathname.PathName) ([]string, error) {
	t.stats.ListDirectoryAttempted++

	parent, err := t.normalLookup(p)
	if err != nil {
		return nil, err
	}
	targetDir := parent.lookupDirectory(p.Target)
	if targetDir == nil {
		if parent.lookupFile(p.Target) == nil {
			return nil, status.LookupErrorf("%s does not exist", p.Symbolic)
		}
		return nil, status.TypeErrorf("%s is a file", p.Symbolic)
	}
	t.stats.ListDirectorySuccess++
	return targetDir.children(), nil
}

// RemoveDirectory recursively removes the directory at path and all its
// descendants. It is a no-op (OK) if the directory is already absent, but
// fails TypeError if an existing file occupies that name.
//
// removeDirectory("/") is special-cased: it clears the root's contents but
// re-materializes the root directory itself, via the super-root
// indirection.
func (t *Tree) RemoveDirectory(p pathname.PathName) error {
	t.stats.RemoveDirectoryAttempted++

	parent, err := t.normalLookup(p)
	if err != nil {
		if e, ok := err.(*status.Error); ok && e.Code == status.LookupError {
			t.stats.RemoveDirectoryParentNotFound++
			t.stats.RemoveDirectorySuccess++
			return nil
		}
		return err
	}
	targetDir := parent.lookupDirectory(p.Target)
	if targetDir == nil {
		if parent.lookupFile(p.Target) != nil {
			return status.TypeErrorf("%s is a file", p.Symbolic)
		}
		t.stats.RemoveDirectoryTargetNotFound++
		t.stats.RemoveDirectorySuccess++
		return nil
	}
	parent.removeDirectory(p.Target)
	if parent == t.superRoot {
		// removeDirectory("/"): drop and recreate so the root always
		// exists, per the Tree invariant.
		parent.makeDirectory(p.Target)
	}
	t.stats.RemoveDirectoryDone++
	t.stats.RemoveDirectorySuccess++
	return nil
}

// Write creates or overwrites the file at path with contents. Ancestor
// directories are not auto-created: a missing ancestor fails LookupError.
func (t *Tree) Write(p pathname.PathName, contents []byte) error {
	t.stats.WriteAttempted++

	parent, err := t.normalLookup(p)
	if err != nil {
		return err
	}
	targetFile := parent.makeFile(p.Target)
	if targetFile == nil {
		return status.TypeErrorf("%s is a directory", p.Symbolic)
	}
	targetFile.Contents = append([]byte(nil), contents...)
	t.stats.WriteSuccess++
	return nil
}

// Read returns the contents of the file at path.
func (t *Tree) Read(p pathname.PathName) ([]byte, error) {
	t.stats.ReadAttempted++

	parent, err := t.normalLookup(p)
	if err != nil {
		return nil, err
	}
	targetFile := parent.lookupFile(p.Target)
	if targetFile == nil {
		if parent.lookupDirectory(p.Target) != nil {
			return nil, status.TypeErrorf("%s is a directory", p.Symbolic)
		}
		return nil, status.LookupErrorf("%s does not exist", p.Symbolic)
	}
	t.stats.ReadSuccess++
	return append([]byte(nil), targetFile.Contents...), nil
}

// RemoveFile removes the file at path. It is a no-op (OK) if the file or
// any of its parents are already missing, but fails TypeError if path
// names a directory.
func (t *Tree) RemoveFile(p pathname.PathName) error {
	t.stats.RemoveFileAttempted++

	parent, err := t.normalLookup(p)
	if err != nil {
		if e, ok := err.(*status.Error); ok && e.Code == status.LookupError {
			t.stats.RemoveFileParentNotFound++
			t.stats.RemoveFileSuccess++
			return nil
		}
		return err
	}
	if parent.lookupDirectory(p.Target) != nil {
		return status.TypeErrorf("%s is a directory", p.Symbolic)
	}
	if parent.removeFile(p.Target) {
		t.stats.RemoveFileDone++
	} else {
		t.stats.RemoveFileTargetNotFound++
	}
	t.stats.RemoveFileSuccess++
	return nil
}

// CheckCondition evaluates whether the tree currently satisfies the
// predicate (path, expected): see ConditionEvaluator in SPEC_FULL.md §4.3.
// An empty path is vacuously satisfied. An empty expected value is
// satisfied by either a missing file or a file with empty contents.
func (t *Tree) CheckCondition(p pathname.PathName, hasPath bool, expected []byte) error {
	if !hasPath {
		return nil
	}
	t.stats.ConditionsChecked++

	actual, err := t.Read(p)
	if err == nil {
		if string(actual) == string(expected) {
			return nil
		}
		t.stats.ConditionsFailed++
		return status.ConditionNotMetf("Path '%s' has value '%s', not '%s' as required",
			p.Symbolic, actual, expected)
	}
	if e, ok := err.(*status.Error); ok && e.Code == status.LookupError && len(expected) == 0 {
		return nil
	}
	t.stats.ConditionsFailed++
	return status.ConditionNotMetf("Could not read value at path '%s': %s", p.Symbolic, err)
}

// Stats returns a copy of the tree's current operation counters.
func (t *Tree) Stats() Stats {
	return t.stats
}
