package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"keel/internal/dag"
)

const minPrefixLen = 4

// AmbiguousCommitError indicates a hash prefix matches more than one
// commit in the graph.
type AmbiguousCommitError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousCommitError) Error() string {
	return fmt.Sprintf("ambiguous commit %q: matches %s", e.Prefix, strings.Join(e.Matches, ", "))
}

// ResolveCommit turns user input into a full commit hash: an exact
// hash known to the graph, a unique hash prefix of at least four
// characters, or anything the repository resolves as a ref.
func (e *Env) ResolveCommit(ctx context.Context, input string) (string, error) {
	snap, err := e.Builder.CurrentSnapshot(ctx)
	if err != nil {
		return "", err
	}
	return resolveCommit(snap, e.Git.ResolveRef, input)
}

func resolveCommit(snap *dag.Snapshot, resolveRef func(string) (string, error), input string) (string, error) {
	if snap.Has(input) {
		return input, nil
	}

	if len(input) >= minPrefixLen && isHex(input) {
		var matches []string
		for _, c := range snap.All() {
			if strings.HasPrefix(c.Hash, input) {
				matches = append(matches, c.Hash)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
			// Fall through to ref resolution.
		default:
			sort.Strings(matches)
			return "", &AmbiguousCommitError{Prefix: input, Matches: matches}
		}
	}

	if hash, err := resolveRef(input); err == nil {
		return hash, nil
	}
	return "", &dag.UnknownCommitError{Hash: input}
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
