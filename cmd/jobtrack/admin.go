package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Backend maintenance commands",
	}
	cmd.AddCommand(newAdminStatsCmd(), newAdminCleanupCmd())
	return cmd
}

func newAdminStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show export and import totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			st, err := a.api.ExportStats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "exports: %d\nimports: %d\nrecords processed: %d\n", st.TotalExports, st.TotalImports, st.RecordsCounted)
			for _, k := range slices.Sorted(maps.Keys(st.ByStatus)) {
				fmt.Fprintf(w, "status %s: %d\n", k, st.ByStatus[k])
			}
			for _, k := range slices.Sorted(maps.Keys(st.ByEntityType)) {
				fmt.Fprintf(w, "entity %s: %d\n", k, st.ByEntityType[k])
			}
			for _, k := range slices.Sorted(maps.Keys(st.ByFormat)) {
				fmt.Fprintf(w, "format %s: %d\n", k, st.ByFormat[k])
			}
			return nil
		},
	}
}

func newAdminCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete server-side job records older than a number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			n, err := a.api.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "minimum age in days")
	return cmd
}
