// Package dag provides the in-memory commit graph and its ancestry queries.
package dag

import (
	"fmt"
	"sort"
)

// Status represents the visibility of a commit in the graph.
type Status string

const (
	StatusVisible  Status = "visible"
	StatusHidden   Status = "hidden"
	StatusObsolete Status = "obsolete"
)

// Commit is a node in the commit graph. Commits are never removed from
// the graph; only their Status changes.
type Commit struct {
	Hash       string
	Parents    []string
	Tree       string
	Author     string
	AuthorTime int64
	CommitTime int64
	Message    string
	Status     Status
	OnMain     bool
}

// UnknownCommitError indicates a query referenced a commit absent from
// the snapshot.
type UnknownCommitError struct {
	Hash string
}

func (e *UnknownCommitError) Error() string {
	return fmt.Sprintf("unknown commit: %s", e.Hash)
}

// Snapshot is an immutable point-in-time view of the commit graph,
// including hidden and obsolete commits. Commits live in an arena
// slice; parent and child links are arena indices, never pointers.
type Snapshot struct {
	nodes    []Commit
	byHash   map[string]int32
	parents  [][]int32 // resolved parent indices; parents outside the snapshot are omitted
	children [][]int32
	rewrites map[string]string // old -> new, one step per entry
	refs     map[string]string // name -> target hash
	key      string            // fingerprint of the ref set this was built for
}

// NewSnapshot builds a snapshot from an arena of commits, the folded
// one-step rewrite map, the live ref set, and the fingerprint key the
// caller computed for that ref set.
func NewSnapshot(commits []Commit, rewrites map[string]string, refs map[string]string, key string) *Snapshot {
	s := &Snapshot{
		nodes:    commits,
		byHash:   make(map[string]int32, len(commits)),
		parents:  make([][]int32, len(commits)),
		children: make([][]int32, len(commits)),
		rewrites: rewrites,
		refs:     refs,
		key:      key,
	}
	if s.rewrites == nil {
		s.rewrites = map[string]string{}
	}
	if s.refs == nil {
		s.refs = map[string]string{}
	}
	for i := range s.nodes {
		s.byHash[s.nodes[i].Hash] = int32(i)
	}
	for i := range s.nodes {
		for _, p := range s.nodes[i].Parents {
			pi, ok := s.byHash[p]
			if !ok {
				continue
			}
			s.parents[i] = append(s.parents[i], pi)
			s.children[pi] = append(s.children[pi], int32(i))
		}
	}
	return s
}

// Key returns the fingerprint the snapshot was built for.
func (s *Snapshot) Key() string { return s.key }

// Refs returns the ref set the snapshot was built from.
func (s *Snapshot) Refs() map[string]string {
	out := make(map[string]string, len(s.refs))
	for k, v := range s.refs {
		out[k] = v
	}
	return out
}

// Len returns the number of commits in the snapshot.
func (s *Snapshot) Len() int { return len(s.nodes) }

// Get returns the commit for a hash.
func (s *Snapshot) Get(hash string) (*Commit, error) {
	i, ok := s.byHash[hash]
	if !ok {
		return nil, &UnknownCommitError{Hash: hash}
	}
	c := s.nodes[i]
	return &c, nil
}

// Has reports whether the snapshot contains a commit.
func (s *Snapshot) Has(hash string) bool {
	_, ok := s.byHash[hash]
	return ok
}

// All returns every commit in the snapshot, hidden and obsolete included.
func (s *Snapshot) All() []Commit {
	out := make([]Commit, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Visible returns the commits with visible status.
func (s *Snapshot) Visible() []Commit {
	var out []Commit
	for i := range s.nodes {
		if s.nodes[i].Status == StatusVisible {
			out = append(out, s.nodes[i])
		}
	}
	return out
}

// ResolveRewrite follows the rewrite chain from hash to its newest
// descendant. Resolution terminates even on malformed cyclic chains.
func (s *Snapshot) ResolveRewrite(hash string) string {
	seen := map[string]bool{hash: true}
	cur := hash
	for {
		next, ok := s.rewrites[cur]
		if !ok || seen[next] {
			return cur
		}
		seen[next] = true
		cur = next
	}
}

// Rewrites returns the one-step rewrite map (old -> new).
func (s *Snapshot) Rewrites() map[string]string {
	out := make(map[string]string, len(s.rewrites))
	for k, v := range s.rewrites {
		out[k] = v
	}
	return out
}

// Ancestors returns the transitive parents of hash, nearest first.
// The commit itself is not included. Hidden and obsolete commits are
// traversed: ancestry is structural, not a visibility question.
func (s *Snapshot) Ancestors(hash string) ([]string, error) {
	start, ok := s.byHash[hash]
	if !ok {
		return nil, &UnknownCommitError{Hash: hash}
	}
	return s.walk(start, s.parents), nil
}

// Descendants returns the transitive children of hash, nearest first.
func (s *Snapshot) Descendants(hash string) ([]string, error) {
	start, ok := s.byHash[hash]
	if !ok {
		return nil, &UnknownCommitError{Hash: hash}
	}
	return s.walk(start, s.children), nil
}

func (s *Snapshot) walk(start int32, links [][]int32) []string {
	seen := make(map[int32]bool)
	seen[start] = true
	queue := append([]int32(nil), links[start]...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, s.nodes[cur].Hash)
		queue = append(queue, links[cur]...)
	}
	return out
}

// IsAncestor reports whether a is an ancestor of b. A commit is not
// its own ancestor.
func (s *Snapshot) IsAncestor(a, b string) (bool, error) {
	ai, ok := s.byHash[a]
	if !ok {
		return false, &UnknownCommitError{Hash: a}
	}
	bi, ok := s.byHash[b]
	if !ok {
		return false, &UnknownCommitError{Hash: b}
	}
	if ai == bi {
		return false, nil
	}
	seen := make(map[int32]bool)
	queue := append([]int32(nil), s.parents[bi]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if cur == ai {
			return true, nil
		}
		queue = append(queue, s.parents[cur]...)
	}
	return false, nil
}

// MergeBase returns the best common ancestor of a and b: a common
// ancestor that is not itself an ancestor of another common ancestor.
// Criss-cross histories can have several; the one with the latest
// commit time (then greatest hash) is returned for determinism.
// Returns empty string when the two commits share no history.
func (s *Snapshot) MergeBase(a, b string) (string, error) {
	ancA, err := s.selfAndAncestors(a)
	if err != nil {
		return "", err
	}
	ancB, err := s.selfAndAncestors(b)
	if err != nil {
		return "", err
	}
	var common []string
	for h := range ancA {
		if ancB[h] {
			common = append(common, h)
		}
	}
	if len(common) == 0 {
		return "", nil
	}
	inCommon := make(map[string]bool, len(common))
	for _, h := range common {
		inCommon[h] = true
	}
	var best []string
	for _, h := range common {
		dominated := false
		// h is dominated if some other common ancestor descends from it.
		desc, _ := s.Descendants(h)
		for _, d := range desc {
			if inCommon[d] {
				dominated = true
				break
			}
		}
		if !dominated {
			best = append(best, h)
		}
	}
	sort.Slice(best, func(i, j int) bool {
		ci := s.nodes[s.byHash[best[i]]]
		cj := s.nodes[s.byHash[best[j]]]
		if ci.CommitTime != cj.CommitTime {
			return ci.CommitTime > cj.CommitTime
		}
		return ci.Hash > cj.Hash
	})
	return best[0], nil
}

func (s *Snapshot) selfAndAncestors(hash string) (map[string]bool, error) {
	anc, err := s.Ancestors(hash)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(anc)+1)
	set[hash] = true
	for _, h := range anc {
		set[h] = true
	}
	return set, nil
}

// TopologicalOrder orders the given commits so that every ancestor
// precedes its descendants. Ties are broken by commit time, then by
// hash, so the order is deterministic for a given snapshot.
func (s *Snapshot) TopologicalOrder(hashes []string) ([]string, error) {
	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		if _, ok := s.byHash[h]; !ok {
			return nil, &UnknownCommitError{Hash: h}
		}
		want[h] = true
	}

	// Kahn's algorithm over the full snapshot with ordered selection,
	// filtered to the requested set afterwards.
	indeg := make([]int, len(s.nodes))
	for i := range s.nodes {
		indeg[i] = len(s.parents[i])
	}
	var ready []int32
	for i := range s.nodes {
		if indeg[i] == 0 {
			ready = append(ready, int32(i))
		}
	}
	less := func(a, b int32) bool {
		ca, cb := &s.nodes[a], &s.nodes[b]
		if ca.CommitTime != cb.CommitTime {
			return ca.CommitTime < cb.CommitTime
		}
		return ca.Hash < cb.Hash
	}
	var out []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		cur := ready[0]
		ready = ready[1:]
		if want[s.nodes[cur].Hash] {
			out = append(out, s.nodes[cur].Hash)
		}
		for _, ch := range s.children[cur] {
			indeg[ch]--
			if indeg[ch] == 0 {
				ready = append(ready, ch)
			}
		}
	}
	if len(out) != len(want) {
		return nil, fmt.Errorf("commit graph contains a cycle")
	}
	return out, nil
}

// WithStatus returns a snapshot identical to s except for the status
// of one commit. Status changes do not alter reachability, so the
// edge structure is shared; only the arena is copied.
func (s *Snapshot) WithStatus(hash string, status Status) (*Snapshot, error) {
	i, ok := s.byHash[hash]
	if !ok {
		return nil, &UnknownCommitError{Hash: hash}
	}
	nodes := make([]Commit, len(s.nodes))
	copy(nodes, s.nodes)
	nodes[i].Status = status
	return &Snapshot{
		nodes:    nodes,
		byHash:   s.byHash,
		parents:  s.parents,
		children: s.children,
		rewrites: s.rewrites,
		refs:     s.refs,
		key:      s.key,
	}, nil
}

// WithRef returns a snapshot with one ref repointed to a commit that
// is already present. Repointing to a commit outside the snapshot is
// a structural change and requires a full rebuild.
func (s *Snapshot) WithRef(name, target string) (*Snapshot, error) {
	if _, ok := s.byHash[target]; !ok {
		return nil, &UnknownCommitError{Hash: target}
	}
	refs := make(map[string]string, len(s.refs))
	for k, v := range s.refs {
		refs[k] = v
	}
	refs[name] = target
	return &Snapshot{
		nodes:    s.nodes,
		byHash:   s.byHash,
		parents:  s.parents,
		children: s.children,
		rewrites: s.rewrites,
		refs:     refs,
		key:      s.key,
	}, nil
}
