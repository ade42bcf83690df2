package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/millstone-build/millstone/internal/config"
	"github.com/millstone-build/millstone/internal/publish"
)

// PublishCommand holds the flags for the publish command.
type PublishCommand struct {
	rs *rootState

	storeDir string
	cacheDir string
	key      string
}

// NewPublishCommand creates the store publish command against a local
// content-addressed cache directory.
func NewPublishCommand(rs *rootState) *cobra.Command {
	pc := &PublishCommand{rs: rs}

	cobraCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a fingerprint store to an artifact cache",
		RunE:  pc.Run,
	}

	cobraCmd.Flags().StringVar(&pc.storeDir, "store", "", "Store directory to publish")
	cobraCmd.Flags().StringVar(&pc.cacheDir, "cache", "", "Artifact cache directory")
	cobraCmd.Flags().StringVar(&pc.key, "key", "", "Lookup key to publish under")

	_ = cobraCmd.MarkFlagRequired("store")
	_ = cobraCmd.MarkFlagRequired("cache")
	_ = cobraCmd.MarkFlagRequired("key")

	return cobraCmd
}

// Run executes the publish command.
func (pc *PublishCommand) Run(cmd *cobra.Command, _ []string) error {
	cache, err := publish.NewLocalCache(pc.cacheDir)
	if err != nil {
		return err
	}

	publisher := publish.NewPublisher(
		cache,
		pc.rs.cfg.FingerprintStore.FingerprintSalt,
		pc.rs.cfg.FingerprintStore.PublishFanout,
		nil,
		pc.rs.logger,
	)

	result, err := publisher.Save(cmd.Context(), pc.storeDir, publish.SanitizeKey(pc.key))
	if err != nil {
		return err
	}

	if result.Skipped {
		fmt.Fprintln(cmd.OutOrStdout(), "store is empty; publish skipped")

		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "published %d files (%d bytes)\n", result.FilesPublished, result.TotalBytes)

	return nil
}

// RetrieveCommand holds the flags for the retrieve command.
type RetrieveCommand struct {
	rs *rootState

	targetDir string
	cacheDir  string
	keys      []string
}

// NewRetrieveCommand creates the store retrieve command. Keys come from the
// flag list, the configured mode (git hashes / ADO environment), or both.
func NewRetrieveCommand(rs *rootState) *cobra.Command {
	rc := &RetrieveCommand{rs: rs}

	cobraCmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Retrieve a previously published fingerprint store",
		RunE:  rc.Run,
	}

	cobraCmd.Flags().StringVar(&rc.targetDir, "target", "", "Directory to materialize the store into")
	cobraCmd.Flags().StringVar(&rc.cacheDir, "cache", "", "Artifact cache directory")
	cobraCmd.Flags().StringSliceVar(&rc.keys, "key", nil, "Candidate lookup keys, tried in order")

	_ = cobraCmd.MarkFlagRequired("target")
	_ = cobraCmd.MarkFlagRequired("cache")

	return cobraCmd
}

// Run executes the retrieve command.
func (rc *RetrieveCommand) Run(cmd *cobra.Command, _ []string) error {
	cache, err := publish.NewLocalCache(rc.cacheDir)
	if err != nil {
		return err
	}

	publisher := publish.NewPublisher(
		cache,
		rc.rs.cfg.FingerprintStore.FingerprintSalt,
		rc.rs.cfg.FingerprintStore.PublishFanout,
		nil,
		rc.rs.logger,
	)

	provider, err := rc.candidateProvider()
	if err != nil {
		return err
	}

	result, err := publisher.Retrieve(cmd.Context(), rc.targetDir, provider)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "retrieved %d files under key %s (%s)\n",
		result.Files, result.Key, result.Provenance)

	return nil
}

// candidateProvider builds the key list from flags or the configured mode.
func (rc *RetrieveCommand) candidateProvider() (publish.CandidateProvider, error) {
	if len(rc.keys) > 0 {
		out := make(publish.StaticCandidates, 0, len(rc.keys))

		for _, key := range rc.keys {
			out = append(out, publish.Candidate{Key: publish.SanitizeKey(key), Provenance: "flag"})
		}

		return out, nil
	}

	cacheMiss := rc.rs.cfg.CacheMiss

	switch cacheMiss.Mode {
	case config.CacheMissAzureDevOps:
		return publish.ADOCandidates{}, nil
	case config.CacheMissGitHashes:
		return publish.GitCandidates{
			RepoPath: cacheMiss.GitRepoPath,
			Prefix:   cacheMiss.GitKeyPrefix,
			Branches: cacheMiss.GitBranches,
		}, nil
	case config.CacheMissRemote:
		out := make(publish.StaticCandidates, 0, len(cacheMiss.Keys))

		for _, key := range cacheMiss.Keys {
			out = append(out, publish.Candidate{Key: publish.SanitizeKey(key), Provenance: "config"})
		}

		return out, nil
	default:
		return nil, fmt.Errorf("no keys given and cache miss mode %q derives none", cacheMiss.Mode)
	}
}
