package commands

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/millstone-build/millstone/internal/config"
	"github.com/millstone-build/millstone/internal/fpstore"
	"github.com/millstone-build/millstone/internal/missanalysis"
)

// DiffCommand holds the flags for the diff command.
type DiffCommand struct {
	rs *rootState

	oldDir     string
	newDir     string
	pip        string
	showDetail bool
}

// NewDiffCommand creates the offline cache-miss analysis command: it diffs
// two store directories the way the runtime analyzer would during a build.
func NewDiffCommand(rs *rootState) *cobra.Command {
	dc := &DiffCommand{rs: rs}

	cobraCmd := &cobra.Command{
		Use:   "diff",
		Short: "Explain cache misses between two fingerprint store snapshots",
		RunE:  dc.Run,
	}

	cobraCmd.Flags().StringVar(&dc.oldDir, "old", "", "Prior build's store directory")
	cobraCmd.Flags().StringVar(&dc.newDir, "new", "", "Current build's store directory")
	cobraCmd.Flags().StringVar(&dc.pip, "pip", "", "Analyze a single pip (formatted semi-stable hash)")
	cobraCmd.Flags().BoolVar(&dc.showDetail, "detail", false, "Print the full detail JSON per pip")

	_ = cobraCmd.MarkFlagRequired("old")
	_ = cobraCmd.MarkFlagRequired("new")

	return cobraCmd
}

// Run executes the diff command.
func (dc *DiffCommand) Run(cmd *cobra.Command, _ []string) error {
	oldStore, err := fpstore.Open(dc.oldDir, fpstore.OpenOptions{Mode: fpstore.ReadOnly, Logger: dc.rs.logger})
	if err != nil {
		return err
	}

	defer oldStore.Dispose(false)

	newStore, err := fpstore.Open(dc.newDir, fpstore.OpenOptions{Mode: fpstore.ReadOnly, Logger: dc.rs.logger})
	if err != nil {
		return err
	}

	defer newStore.Dispose(false)

	format := missanalysis.CustomJSONDiff
	if dc.rs.cfg.CacheMiss.DiffFormat == config.DiffFormatTreeDiff {
		format = missanalysis.TreeDiff
	}

	analyzer := missanalysis.NewAnalyzer(format, dc.rs.logger)

	oldSession := missanalysis.NewSession("old", oldStore, "")
	newSession := missanalysis.NewSession("new", newStore, "")

	defer func() {
		_ = oldSession.Close()
		_ = newSession.Close()
	}()

	infos, err := dc.collectMissInfos(newStore)
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no cache misses recorded")

		return nil
	}

	writer := table.NewWriter()
	writer.SetOutputMirror(cmd.OutOrStdout())
	writer.AppendHeader(table.Row{"Pip", "Miss Kind", "Result", "Reason"})

	var details []missanalysis.DetailAndResult

	for _, info := range infos {
		result := analyzer.Analyze(info, oldSession, newSession)
		details = append(details, result)

		writer.AppendRow(table.Row{
			info.PipDescription,
			info.Kind.String(),
			colorizeResult(result.Result),
			result.Detail.ReasonFromAnalysis,
		})
	}

	writer.Render()

	if dc.showDetail {
		for _, result := range details {
			raw, marshalErr := json.MarshalIndent(result.Detail, "", "  ")
			if marshalErr != nil {
				return marshalErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s:\n%s\n", result.PipDescription, raw)
		}
	}

	return nil
}

// collectMissInfos loads the miss list, or builds a single-pip list when
// --pip was given.
func (dc *DiffCommand) collectMissInfos(newStore *fpstore.Store) ([]missanalysis.MissInfo, error) {
	if dc.pip != "" {
		return []missanalysis.MissInfo{{
			PipDescription: dc.pip,
			SemiStableHash: dc.pip,
			Kind:           fpstore.MissForDescriptorsDueToWeakFingerprints,
		}}, nil
	}

	list, found, err := newStore.TryGetCacheMissList()
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	// The miss list records pip ids; the pip-keyed rows are keyed by the
	// formatted semi-stable hash, so the offline path synthesizes it the way
	// the engine formats pip identifiers.
	infos := make([]missanalysis.MissInfo, 0, len(list))

	for _, rec := range list {
		name := fmt.Sprintf("Pip%08X", rec.PipID)

		infos = append(infos, missanalysis.MissInfo{
			PipID:          rec.PipID,
			PipDescription: name,
			SemiStableHash: name,
			Kind:           rec.Kind,
		})
	}

	return infos, nil
}

// colorizeResult renders the classification with terminal accents.
func colorizeResult(result missanalysis.Classification) string {
	switch result {
	case missanalysis.NoMiss:
		return color.GreenString(string(result))
	case missanalysis.UncacheablePip, missanalysis.Invalid:
		return color.YellowString(string(result))
	default:
		return color.RedString(string(result))
	}
}
