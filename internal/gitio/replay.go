package gitio

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ConflictError indicates a replay could not apply a commit's changes
// onto its corrected parent: a path was modified on both sides.
type ConflictError struct {
	Commit    string
	NewParent string
	Path      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("replaying %s onto %s: conflicting change at %s", e.Commit, e.NewParent, e.Path)
}

// fileEntry is one blob in a flattened tree.
type fileEntry struct {
	mode filemode.FileMode
	hash plumbing.Hash
}

// Replay applies the changes a commit made relative to its first
// parent onto a new parent set, writes the resulting tree and commit,
// and returns the new commit hash. Conflict detection is three-way:
// a path changed by the commit that the new parent has also changed
// (relative to the old parent) to different content is a conflict.
func (r *Repository) Replay(commitHash string, newParents []string) (string, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(commitHash))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return "", &UnknownCommitError{Hash: commitHash}
		}
		return "", fmt.Errorf("reading commit %s: %w", commitHash, err)
	}
	if len(newParents) == 0 {
		return "", fmt.Errorf("replaying %s: no new parents", commitHash)
	}

	base := map[string]fileEntry{}
	if len(commit.ParentHashes) > 0 {
		base, err = r.flattenCommitTree(commit.ParentHashes[0].String())
		if err != nil {
			return "", err
		}
	}
	theirs, err := r.flattenTree(commit.TreeHash)
	if err != nil {
		return "", err
	}
	ours, err := r.flattenCommitTree(newParents[0])
	if err != nil {
		return "", err
	}

	merged, err := mergeChanges(commitHash, newParents[0], base, ours, theirs)
	if err != nil {
		return "", err
	}

	treeHash, err := r.writeTree(merged)
	if err != nil {
		return "", err
	}

	newCommit := &object.Commit{
		Author:    commit.Author,
		Committer: object.Signature{Name: commit.Committer.Name, Email: commit.Committer.Email, When: time.Now()},
		Message:   commit.Message,
		TreeHash:  treeHash,
	}
	for _, p := range newParents {
		newCommit.ParentHashes = append(newCommit.ParentHashes, plumbing.NewHash(p))
	}

	obj := r.repo.Storer.NewEncodedObject()
	if err := newCommit.Encode(obj); err != nil {
		return "", fmt.Errorf("encoding replayed commit: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("writing replayed commit: %w", err)
	}
	return hash.String(), nil
}

// mergeChanges applies the base->theirs delta onto ours, detecting
// both-sides-changed paths.
func mergeChanges(commitHash, newParent string, base, ours, theirs map[string]fileEntry) (map[string]fileEntry, error) {
	merged := make(map[string]fileEntry, len(ours))
	for path, entry := range ours {
		merged[path] = entry
	}

	paths := make(map[string]bool, len(base)+len(theirs))
	for path := range base {
		paths[path] = true
	}
	for path := range theirs {
		paths[path] = true
	}

	for path := range paths {
		b, inBase := base[path]
		t, inTheirs := theirs[path]
		if inBase == inTheirs && b == t {
			continue // unchanged by the commit
		}

		o, inOurs := merged[path]
		oursChanged := inOurs != inBase || o != b
		if oursChanged && (inOurs != inTheirs || o != t) {
			return nil, &ConflictError{Commit: commitHash, NewParent: newParent, Path: path}
		}

		if inTheirs {
			merged[path] = t
		} else {
			delete(merged, path)
		}
	}
	return merged, nil
}

// flattenCommitTree flattens the tree of a commit into path -> blob.
// An empty hash yields an empty tree.
func (r *Repository) flattenCommitTree(hash string) (map[string]fileEntry, error) {
	if hash == "" {
		return map[string]fileEntry{}, nil
	}
	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, &UnknownCommitError{Hash: hash}
		}
		return nil, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	return r.flattenTree(commit.TreeHash)
}

func (r *Repository) flattenTree(treeHash plumbing.Hash) (map[string]fileEntry, error) {
	tree, err := r.repo.TreeObject(treeHash)
	if err != nil {
		return nil, fmt.Errorf("reading tree %s: %w", treeHash, err)
	}

	files := make(map[string]fileEntry)
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err != nil {
			break
		}
		if entry.Mode == filemode.Dir {
			continue
		}
		files[name] = fileEntry{mode: entry.Mode, hash: entry.Hash}
	}
	return files, nil
}

// treeNode is an intermediate hierarchical form used when writing
// tree objects back out.
type treeNode struct {
	files map[string]fileEntry
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{files: map[string]fileEntry{}, dirs: map[string]*treeNode{}}
}

// writeTree writes the flattened file map as a hierarchy of tree
// objects and returns the root tree hash.
func (r *Repository) writeTree(files map[string]fileEntry) (plumbing.Hash, error) {
	root := newTreeNode()
	for path, entry := range files {
		node := root
		parts := strings.Split(path, "/")
		for _, dir := range parts[:len(parts)-1] {
			child, ok := node.dirs[dir]
			if !ok {
				child = newTreeNode()
				node.dirs[dir] = child
			}
			node = child
		}
		node.files[parts[len(parts)-1]] = entry
	}
	return r.writeTreeNode(root)
}

func (r *Repository) writeTreeNode(node *treeNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(node.files)+len(node.dirs))
	for name, entry := range node.files {
		entries = append(entries, object.TreeEntry{Name: name, Mode: entry.mode, Hash: entry.hash})
	}
	for name, child := range node.dirs {
		hash, err := r.writeTreeNode(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}

	// Git orders tree entries byte-wise with directory names compared
	// as if they had a trailing slash.
	sort.Slice(entries, func(i, j int) bool {
		return treeEntryKey(entries[i]) < treeEntryKey(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding tree: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("writing tree: %w", err)
	}
	return hash, nil
}

func treeEntryKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
