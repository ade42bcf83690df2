package publish

import (
	"os"
	"strings"
)

// Azure DevOps branch environment variables, in candidate preference order.
const (
	EnvBuildSourceBranch = "BUILD_SOURCEBRANCH"
	EnvPullRequestSource = "SYSTEM_PULLREQUEST_SOURCEBRANCH"
	EnvPullRequestTarget = "SYSTEM_PULLREQUEST_TARGETBRANCH"
)

// ADOCandidates derives retrieval keys from the Azure DevOps environment:
// the build source branch (the PR merge branch on PR builds), then the PR
// source branch, then the PR target branch. Unset variables are skipped;
// duplicates are dropped preserving first-seen order.
type ADOCandidates struct {
	// Getenv defaults to os.Getenv; injectable for tests.
	Getenv func(string) string
}

// Candidates implements CandidateProvider.
func (a ADOCandidates) Candidates() ([]Candidate, error) {
	getenv := a.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	sources := []struct {
		env        string
		provenance string
	}{
		{EnvBuildSourceBranch, "ado:build-source-branch"},
		{EnvPullRequestSource, "ado:pr-source-branch"},
		{EnvPullRequestTarget, "ado:pr-target-branch"},
	}

	var out []Candidate

	seen := make(map[string]struct{})

	for _, source := range sources {
		value := getenv(source.env)
		if value == "" {
			continue
		}

		key := SanitizeKey(value)
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}
		out = append(out, Candidate{Key: key, Provenance: source.provenance})
	}

	return out, nil
}

// SanitizeKey maps a branch or commit spelling into a filesystem-safe atom:
// any character outside [A-Za-z0-9_-] becomes '_'.
func SanitizeKey(raw string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, raw)
}

// PrefixedCandidates wraps a provider, prefixing every key.
type PrefixedCandidates struct {
	Prefix   string
	Provider CandidateProvider
}

// Candidates implements CandidateProvider.
func (p PrefixedCandidates) Candidates() ([]Candidate, error) {
	inner, err := p.Provider.Candidates()
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(inner))

	for _, c := range inner {
		out = append(out, Candidate{Key: p.Prefix + c.Key, Provenance: c.Provenance})
	}

	return out, nil
}
