package publish

import (
	"errors"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// Commit-walk depths for git-hashes key inference.
const (
	headCommitDepth      = 5
	mergeBaseCommitDepth = 3
	branchTipCommitDepth = 3
)

// GitCandidates derives retrieval keys from the repository history: the last
// commits from HEAD, the commits starting at the merge-base with each named
// branch, and the latest commits of each such branch. Every key carries the
// caller's prefix; duplicates are dropped preserving first-seen order.
type GitCandidates struct {
	RepoPath string
	Prefix   string
	Branches []string
}

// Candidates implements CandidateProvider.
func (g GitCandidates) Candidates() ([]Candidate, error) {
	repo, err := git2go.OpenRepository(g.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", g.RepoPath, err)
	}

	defer repo.Free()

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	defer head.Free()

	headOid := head.Target()

	var out []Candidate

	seen := make(map[string]struct{})

	add := func(oid *git2go.Oid, provenance string) {
		key := g.Prefix + SanitizeKey(oid.String())
		if _, dup := seen[key]; dup {
			return
		}

		seen[key] = struct{}{}
		out = append(out, Candidate{Key: key, Provenance: provenance})
	}

	headCommits, err := walkCommits(repo, headOid, headCommitDepth)
	if err != nil {
		return nil, err
	}

	for _, oid := range headCommits {
		add(oid, "git:head")
	}

	for _, branch := range g.Branches {
		ref, lookupErr := repo.LookupBranch(branch, git2go.BranchAll)
		if lookupErr != nil {
			// A named branch may be absent locally; the other heuristics still apply.
			continue
		}

		branchOid := ref.Target()
		ref.Free()

		base, baseErr := repo.MergeBase(headOid, branchOid)
		if baseErr == nil {
			baseCommits, walkErr := walkCommits(repo, base, mergeBaseCommitDepth)
			if walkErr != nil {
				return nil, walkErr
			}

			for _, oid := range baseCommits {
				add(oid, "git:merge-base:"+branch)
			}
		}

		tipCommits, walkErr := walkCommits(repo, branchOid, branchTipCommitDepth)
		if walkErr != nil {
			return nil, walkErr
		}

		for _, oid := range tipCommits {
			add(oid, "git:branch:"+branch)
		}
	}

	return out, nil
}

// walkCommits returns up to depth commit ids starting at from, newest first.
func walkCommits(repo *git2go.Repository, from *git2go.Oid, depth int) ([]*git2go.Oid, error) {
	walk, err := repo.Walk()
	if err != nil {
		return nil, fmt.Errorf("create revwalk: %w", err)
	}

	defer walk.Free()

	walk.Sorting(git2go.SortTopological | git2go.SortTime)

	if err := walk.Push(from); err != nil {
		return nil, fmt.Errorf("push %s to revwalk: %w", from.String(), err)
	}

	out := make([]*git2go.Oid, 0, depth)

	for len(out) < depth {
		oid := new(git2go.Oid)

		nextErr := walk.Next(oid)
		if nextErr != nil {
			var gitErr *git2go.GitError

			if errors.As(nextErr, &gitErr) && gitErr.Code == git2go.ErrorCodeIterOver {
				break
			}

			return nil, fmt.Errorf("revwalk next: %w", nextErr)
		}

		out = append(out, oid)
	}

	return out, nil
}
