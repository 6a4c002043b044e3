package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jobtrack/jobtrack/internal/job"
)

func newExportCmd() *cobra.Command {
	var (
		p       job.ExportParams
		entity  string
		format  string
		filters map[string]string
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Start an export job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.EntityType = job.EntityType(entity)
			p.Format = job.Format(format)
			if len(filters) > 0 {
				p.Filters = make(map[string]any, len(filters))
				for k, v := range filters {
					p.Filters[k] = v
				}
			}
			return startJobs(cmd, job.KindExport, wait, func(t *tracker) ([]string, error) {
				id, err := t.reg.CreateExport(cmd.Context(), p)
				return []string{id}, err
			})
		},
	}
	cmd.Flags().StringVarP(&entity, "entity", "e", "", "entity type to export")
	cmd.Flags().StringVarP(&format, "format", "f", string(job.FormatCSV), "csv, excel, json or pdf")
	cmd.Flags().StringSliceVar(&p.Fields, "fields", nil, "fields to include (comma separated)")
	cmd.Flags().StringToStringVar(&filters, "filter", nil, "filter as key=value (repeatable)")
	cmd.Flags().StringVar(&p.CustomName, "name", "", "custom result file name")
	cmd.Flags().BoolVar(&p.EmailDelivery, "email", false, "email the result when done")
	cmd.Flags().StringVar(&p.TemplateID, "template", "", "export template id")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "stream progress until the job finishes")
	cmd.MarkFlagRequired("entity") //nolint:errcheck
	return cmd
}

func newBulkExportCmd() *cobra.Command {
	var (
		entities []string
		format   string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "bulk-export",
		Short: "Start one export job spanning several entity types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := job.BulkExportParams{Format: job.Format(format)}
			for _, e := range entities {
				p.EntityTypes = append(p.EntityTypes, job.EntityType(e))
			}
			return startJobs(cmd, job.KindExport, wait, func(t *tracker) ([]string, error) {
				id, err := t.reg.CreateBulkExport(cmd.Context(), p)
				return []string{id}, err
			})
		},
	}
	cmd.Flags().StringSliceVar(&entities, "entities", nil, "entity types to export (comma separated)")
	cmd.Flags().StringVarP(&format, "format", "f", string(job.FormatCSV), "csv, excel, json or pdf")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "stream progress until the job finishes")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		entity       string
		templateID   string
		validateOnly bool
		wait         bool
	)
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Upload one or more files as import jobs",
		Long:  "Upload files as import jobs. Several files are sent in one bulk request and each becomes its own job.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]job.ImportParams, len(args))
			for i, path := range args {
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				items[i] = job.ImportParams{
					EntityType:   job.EntityType(entity),
					File:         &job.Upload{Name: filepath.Base(path), Content: content},
					TemplateID:   templateID,
					ValidateOnly: validateOnly,
				}
			}
			return startJobs(cmd, job.KindImport, wait, func(t *tracker) ([]string, error) {
				if len(items) == 1 {
					id, err := t.reg.CreateImport(cmd.Context(), items[0])
					return []string{id}, err
				}
				return t.reg.CreateBulkImport(cmd.Context(), items)
			})
		},
	}
	cmd.Flags().StringVarP(&entity, "entity", "e", "", "entity type the files hold")
	cmd.Flags().StringVar(&templateID, "template", "", "import template id")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "check the files without writing records")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "stream progress until every job finishes")
	cmd.MarkFlagRequired("entity") //nolint:errcheck
	return cmd
}

func newStatusCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Fetch the current server snapshot of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			if k == job.KindImport {
				i, err := a.api.ImportStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printImport(cmd.OutOrStdout(), i)
				return nil
			}
			e, err := a.api.ExportStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printExport(cmd.OutOrStdout(), e)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(job.KindExport), "export or import")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download ID",
		Short: "Download the result of a completed export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			name, err := a.api.DownloadExport(cmd.Context(), args[0], &buf)
			if err != nil {
				return err
			}
			if output == "-" {
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			if output == "" {
				output = name
			}
			if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", output, buf.Len())
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file, - for stdout (default: server file name)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		kind   string
		q      job.ListQuery
		status string
		entity string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past jobs from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			q.Status = job.Status(status)
			q.EntityType = job.EntityType(entity)
			if k == job.KindImport {
				page, err := a.api.ListImports(cmd.Context(), q)
				if err != nil {
					return err
				}
				printImportPage(cmd.OutOrStdout(), page)
				return nil
			}
			page, err := a.api.ListExports(cmd.Context(), q)
			if err != nil {
				return err
			}
			printExportPage(cmd.OutOrStdout(), page)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(job.KindExport), "export or import")
	cmd.Flags().IntVar(&q.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "page size (max 100)")
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().StringVar(&entity, "entity", "", "only jobs for this entity type")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an export on the server and stop tracking it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTracker(cmd, false)
			if err != nil {
				return err
			}
			defer t.close()
			if err := t.reg.DeleteExport(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export %s deleted\n", args[0])
			return nil
		},
	}
}

func newDismissCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "dismiss ID",
		Short: "Stop tracking a job locally without touching the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			t, err := openTracker(cmd, false)
			if err != nil {
				return err
			}
			defer t.close()
			if !t.reg.Dismiss(k, args[0]) {
				return &job.NotFoundError{Resource: string(k) + " job", ID: args[0]}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s dismissed\n", k, args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(job.KindExport), "export or import")
	return cmd
}
