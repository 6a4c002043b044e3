package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jobtrack/jobtrack/internal/job"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "jobtrack",
		Short:         "Start, track and download export/import jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newExportCmd(),
		newBulkExportCmd(),
		newImportCmd(),
		newStatusCmd(),
		newDownloadCmd(),
		newHistoryCmd(),
		newDeleteCmd(),
		newDismissCmd(),
		newWatchCmd(),
		newPruneCmd(),
		newTemplatesCmd(),
		newAdminCmd(),
		newMockCmd(),
	)
	return cmd
}

func parseKind(s string) (job.Kind, error) {
	switch k := job.Kind(s); k {
	case job.KindExport, job.KindImport:
		return k, nil
	}
	return "", fmt.Errorf("--kind must be export or import, got %q", s)
}
