// Package diffcollect produces a real, appliable unified diff between a
// worktree's current state and its baseline revision, including untracked
// files and a stable, non-embedding representation for binary files.
//
// Neither of the teacher's own diff helpers (pkg/diff/summarizer.go's naive
// per-line counting, pkg/ralph/sandbox.go's cosmetic "@@ modified @@"
// markers) produce hunks that can actually be applied, which the round-trip
// testable property in the specification requires. This package instead
// walks the baseline tree and working tree with go-git and generates real
// unified hunks with github.com/pmezard/go-difflib, the diffing library the
// teacher's own dependency closure already carries transitively.
package diffcollect

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/odvcencio/agenttree/internal/errs"
	"github.com/odvcencio/agenttree/internal/obslog"
)

// changeKind classifies one changed path.
type changeKind int

const (
	modified changeKind = iota
	added
	deleted
)

type change struct {
	path   string
	kind   changeKind
	before []byte
	after  []byte
	beforeExists bool
	afterExists  bool
}

// Collect computes the unified diff of worktreePath against baselineRef.
// Output is deterministic (paths sorted) and all-or-nothing: on any I/O or
// version-control failure, no partial diff is returned. log may be nil.
func Collect(worktreePath, baselineRef string, log *obslog.Logger) (string, error) {
	repo, err := git.PlainOpen(worktreePath)
	if err != nil {
		return "", errs.Wrap(err, errs.DiffFailed, "open worktree repository")
	}

	baselineTree, err := resolveTree(repo, baselineRef)
	if err != nil {
		return "", errs.Wrap(err, errs.DiffFailed, "resolve baseline revision").WithContext("baseline_ref", baselineRef)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", errs.Wrap(err, errs.DiffFailed, "open working tree")
	}
	status, err := wt.Status()
	if err != nil {
		return "", errs.Wrap(err, errs.DiffFailed, "compute worktree status")
	}

	paths := make([]string, 0, len(status))
	for p, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	changes := make([]change, 0, len(paths))
	for _, p := range paths {
		st := status[p]
		c := change{path: p}

		before, beforeOK, err := blobAt(baselineTree, p)
		if err != nil {
			return "", errs.Wrap(err, errs.DiffFailed, "read baseline blob").WithContext("path", p)
		}
		c.before, c.beforeExists = before, beforeOK

		if st.Worktree == git.Deleted || st.Staging == git.Deleted {
			c.kind = deleted
			c.afterExists = false
		} else {
			after, afterOK, err := readWorkingFile(worktreePath, p)
			if err != nil {
				return "", errs.Wrap(err, errs.DiffFailed, "read working file").WithContext("path", p)
			}
			c.after, c.afterExists = after, afterOK
			if !beforeOK {
				c.kind = added
			} else {
				c.kind = modified
			}
		}
		changes = append(changes, c)
	}

	var out strings.Builder
	for _, c := range changes {
		section, degenerate, err := renderChange(c)
		if err != nil {
			return "", errs.Wrap(err, errs.DiffFailed, "render diff section").WithContext("path", c.path)
		}
		if degenerate && log != nil {
			log.Warn(obslog.CategoryDiff, "change_invisible_to_diff").Str("path", c.path).Send()
		}
		out.WriteString(section)
	}
	return out.String(), nil
}

func resolveTree(repo *git.Repository, ref string) (*object.Tree, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, err
	}
	return commit.Tree()
}

func blobAt(tree *object.Tree, path string) (content []byte, exists bool, err error) {
	file, err := tree.File(path)
	if err != nil {
		if err == object.ErrFileNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, false, err
	}
	defer reader.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

func readWorkingFile(root, relPath string) (content []byte, exists bool, err error) {
	data, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func isBinary(data []byte) bool {
	limit := len(data)
	if limit > 8000 {
		limit = 8000
	}
	return bytes.IndexByte(data[:limit], 0) != -1
}

// renderChange renders one change's diff section. The second return value
// reports whether the section is a degenerate bare-header marker: difflib
// produced no hunks (e.g. a permission-only change with identical content),
// so the marker is the only thing that makes the change visible at all.
func renderChange(c change) (string, bool, error) {
	content := c.after
	if !c.afterExists {
		content = c.before
	}
	if isBinary(content) {
		return renderBinaryHeader(c), false, nil
	}

	fromFile := "a/" + c.path
	toFile := "b/" + c.path
	before := c.before
	after := c.after
	switch c.kind {
	case added:
		fromFile = "/dev/null"
	case deleted:
		toFile = "/dev/null"
		after = nil
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", false, err
	}
	degenerate := false
	if text == "" {
		// difflib omits the hunk headers when inputs are identical; a file
		// that changed mode but not content still needs a deterministic,
		// non-empty marker so the round-trip property has something to
		// anchor on.
		degenerate = true
		text = fmt.Sprintf("--- %s\n+++ %s\n", fromFile, toFile)
	}
	return text, degenerate, nil
}

func renderBinaryHeader(c change) string {
	content := c.after
	if !c.afterExists {
		content = c.before
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("diff --git a/%s b/%s\nBinary files differ, sha256:%x\n", c.path, c.path, sum)
}
