package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/millstone-build/millstone/pkg/contenthash"
)

// ErrNoCandidateHit is returned when no candidate key resolved to a
// published store.
var ErrNoCandidateHit = errors.New("publish: no candidate key resolved to a store")

// Candidate is one retrieval key with the heuristic that produced it, kept
// for telemetry.
type Candidate struct {
	Key        string
	Provenance string
}

// CandidateProvider supplies retrieval keys. Strategies (ADO environment,
// git hashes, explicit lists) implement it so tests can inject deterministic
// lists.
type CandidateProvider interface {
	Candidates() ([]Candidate, error)
}

// StaticCandidates is an explicit candidate list.
type StaticCandidates []Candidate

// Candidates implements CandidateProvider.
func (s StaticCandidates) Candidates() ([]Candidate, error) {
	return s, nil
}

// RetrieveResult describes a successful retrieval.
type RetrieveResult struct {
	Key        string
	Provenance string
	Files      int
}

// Retrieve tries each candidate key in order and materializes the first
// published store it resolves into targetDir. Partial success is a failure:
// a single unavailable file fails that candidate entirely.
func (p *Publisher) Retrieve(ctx context.Context, targetDir string, provider CandidateProvider) (RetrieveResult, error) {
	candidates, err := provider.Candidates()
	if err != nil {
		return RetrieveResult{}, fmt.Errorf("derive candidate keys: %w", err)
	}

	var attemptErrs []error

	for _, candidate := range candidates {
		result, attemptErr := p.retrieveOne(ctx, targetDir, candidate)
		if attemptErr == nil {
			p.logger.Info("fingerprint store retrieved",
				"key", candidate.Key,
				"provenance", candidate.Provenance,
				"files", result.Files,
			)

			return result, nil
		}

		if ctx.Err() != nil {
			return RetrieveResult{}, ctx.Err()
		}

		p.logger.Debug("fingerprint store candidate did not resolve",
			"key", candidate.Key,
			"provenance", candidate.Provenance,
			"error", attemptErr,
		)

		attemptErrs = append(attemptErrs, fmt.Errorf("key %q (%s): %w", candidate.Key, candidate.Provenance, attemptErr))
	}

	return RetrieveResult{}, errors.Join(ErrNoCandidateHit, errors.Join(attemptErrs...))
}

// retrieveOne resolves one candidate: fingerprint → descriptor → pin → fanout
// materialization.
func (p *Publisher) retrieveOne(ctx context.Context, targetDir string, candidate Candidate) (RetrieveResult, error) {
	fingerprint := LookupFingerprint(candidate.Key, p.salt)

	descriptorHash, found, err := p.cache.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		return RetrieveResult{}, err
	}

	if !found {
		return RetrieveResult{}, ErrContentMissing
	}

	raw, err := p.cache.LoadBytes(ctx, descriptorHash)
	if err != nil {
		return RetrieveResult{}, fmt.Errorf("load descriptor: %w", err)
	}

	var descriptor Descriptor

	if err := json.Unmarshal(raw, &descriptor); err != nil {
		return RetrieveResult{}, fmt.Errorf("parse descriptor: %w", err)
	}

	hashes := make([]contenthash.Hash, 0, len(descriptor.Contents))

	for _, entry := range descriptor.Contents {
		hash, hexErr := contenthash.FromHex(entry.Hash)
		if hexErr != nil {
			return RetrieveResult{}, fmt.Errorf("descriptor entry %s: %w", entry.Key, hexErr)
		}

		hashes = append(hashes, hash)
	}

	// Fail fast before writing anything into the target directory.
	if err := p.cache.Pin(ctx, hashes); err != nil {
		return RetrieveResult{}, fmt.Errorf("pin store contents: %w", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	sem := make(chan struct{}, p.fanout)

	for i, entry := range descriptor.Contents {
		wg.Add(1)

		go func(entry DescriptorEntry, hash contenthash.Hash) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			dest := filepath.Join(targetDir, filepath.FromSlash(entry.Key))

			if err := p.cache.Materialize(ctx, hash, dest); err != nil {
				mu.Lock()

				if firstErr == nil {
					firstErr = fmt.Errorf("materialize %s: %w", entry.Key, err)
				}

				mu.Unlock()
			}
		}(entry, hashes[i])
	}

	wg.Wait()

	if firstErr != nil {
		return RetrieveResult{}, firstErr
	}

	return RetrieveResult{
		Key:        candidate.Key,
		Provenance: candidate.Provenance,
		Files:      len(descriptor.Contents),
	}, nil
}
