// Package gitio provides Git repository I/O operations using go-git.
package gitio

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// RefKind classifies a reference.
type RefKind string

const (
	RefBranch RefKind = "branch"
	RefHead   RefKind = "head"
	RefOther  RefKind = "other"
)

// Ref is a named reference to a commit. Symbolic marks a ref whose
// position is derived from another ref (a non-detached HEAD): its
// target follows that ref and is not independently updatable.
type Ref struct {
	Name     string
	Target   string
	Kind     RefKind
	Symbolic bool
}

// CommitInfo contains the metadata of a commit.
type CommitInfo struct {
	Hash       string
	Parents    []string
	Tree       string
	Author     string
	AuthorTime int64
	CommitTime int64
	Message    string
}

// UnknownRefError indicates a reference could not be resolved.
type UnknownRefError struct {
	Name string
}

func (e *UnknownRefError) Error() string {
	return fmt.Sprintf("unknown ref: %s", e.Name)
}

// UnknownCommitError indicates a commit object is absent from the
// repository.
type UnknownCommitError struct {
	Hash string
}

func (e *UnknownCommitError) Error() string {
	return fmt.Sprintf("unknown commit: %s", e.Hash)
}

// RefMismatchError indicates a compare-and-swap ref update lost the
// race: the ref no longer points at the expected old target.
type RefMismatchError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *RefMismatchError) Error() string {
	return fmt.Sprintf("ref %s moved: expected %q, found %q", e.Name, e.Expected, e.Actual)
}

// Repository wraps a go-git repository.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens an existing Git repository.
func Open(repoPath string) (*Repository, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{repo: repo, path: repoPath}, nil
}

// Path returns the repository root path.
func (r *Repository) Path() string { return r.path }

// ResolveRef resolves a branch name, tag, full ref name, HEAD, or
// commit hash to a commit hash.
func (r *Repository) ResolveRef(name string) (string, error) {
	if name == "HEAD" || strings.HasPrefix(name, "refs/") {
		ref, err := r.repo.Reference(plumbing.ReferenceName(name), true)
		if err != nil {
			return "", &UnknownRefError{Name: name}
		}
		return ref.Hash().String(), nil
	}

	if ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true); err == nil {
		return ref.Hash().String(), nil
	}
	if ref, err := r.repo.Reference(plumbing.NewTagReferenceName(name), true); err == nil {
		return ref.Hash().String(), nil
	}

	hash := plumbing.NewHash(name)
	if _, err := r.repo.CommitObject(hash); err == nil {
		return hash.String(), nil
	}

	return "", &UnknownRefError{Name: name}
}

// ListRefs returns every direct reference with its kind. HEAD is
// included (resolved) so the checked-out commit is always part of the
// reference set.
func (r *Repository) ListRefs() ([]Ref, error) {
	var refs []Ref

	iter, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference || ref.Name() == plumbing.HEAD {
			return nil
		}
		kind := RefOther
		if ref.Name().IsBranch() {
			kind = RefBranch
		}
		refs = append(refs, Ref{Name: ref.Name().String(), Target: ref.Hash().String(), Kind: kind})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}

	if head, err := r.repo.Reference(plumbing.HEAD, false); err == nil {
		symbolic := head.Type() == plumbing.SymbolicReference
		if resolved, err := r.repo.Reference(plumbing.HEAD, true); err == nil {
			refs = append(refs, Ref{Name: "HEAD", Target: resolved.Hash().String(), Kind: RefHead, Symbolic: symbolic})
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// ReadCommit returns the metadata of a commit.
func (r *Repository) ReadCommit(hash string) (CommitInfo, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return CommitInfo{}, &UnknownCommitError{Hash: hash}
		}
		return CommitInfo{}, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	return commitInfo(commit), nil
}

func commitInfo(c *object.Commit) CommitInfo {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return CommitInfo{
		Hash:       c.Hash.String(),
		Parents:    parents,
		Tree:       c.TreeHash.String(),
		Author:     fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email),
		AuthorTime: c.Author.When.Unix(),
		CommitTime: c.Committer.When.Unix(),
		Message:    c.Message,
	}
}

// CreateCommit writes a commit object with the given parents, tree,
// and message and returns its hash. The author signature is preserved;
// the committer is the same identity at the current time, matching
// rebase behavior.
func (r *Repository) CreateCommit(parents []string, tree, message, authorName, authorEmail string, authorTime time.Time) (string, error) {
	parentHashes := make([]plumbing.Hash, 0, len(parents))
	for _, p := range parents {
		parentHashes = append(parentHashes, plumbing.NewHash(p))
	}
	commit := &object.Commit{
		Author:       object.Signature{Name: authorName, Email: authorEmail, When: authorTime},
		Committer:    object.Signature{Name: authorName, Email: authorEmail, When: time.Now()},
		Message:      message,
		TreeHash:     plumbing.NewHash(tree),
		ParentHashes: parentHashes,
	}

	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("encoding commit: %w", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("writing commit: %w", err)
	}
	return hash.String(), nil
}

// UpdateRef performs a compare-and-swap ref update. An empty old
// means the ref must not exist yet; an empty new deletes the ref. The
// comparison resolves symbolic refs, so a CAS against a non-detached
// HEAD matches on the commit it points at; writing then stores a hash
// reference (detaching HEAD).
func (r *Repository) UpdateRef(name, old, new string) error {
	refName := plumbing.ReferenceName(name)

	current, err := r.repo.Reference(refName, true)
	switch {
	case err == plumbing.ErrReferenceNotFound:
		if old != "" {
			return &RefMismatchError{Name: name, Expected: old}
		}
	case err != nil:
		return fmt.Errorf("reading ref %s: %w", name, err)
	default:
		if current.Hash().String() != old {
			return &RefMismatchError{Name: name, Expected: old, Actual: current.Hash().String()}
		}
	}

	if new == "" {
		if err := r.repo.Storer.RemoveReference(refName); err != nil {
			return fmt.Errorf("removing ref %s: %w", name, err)
		}
		return nil
	}

	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, plumbing.NewHash(new))); err != nil {
		return fmt.Errorf("updating ref %s: %w", name, err)
	}
	return nil
}
