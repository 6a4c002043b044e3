package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jobtrack/jobtrack/internal/job"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "templates",
		Aliases: []string{"tpl"},
		Short:   "Manage export and import templates",
	}
	cmd.PersistentFlags().StringP("kind", "k", string(job.KindExport), "export or import")
	cmd.AddCommand(
		newTemplatesListCmd(),
		newTemplatesSaveCmd(),
		newTemplatesDeleteCmd(),
		newTemplatesGenerateCmd(),
	)
	return cmd
}

func templateKind(cmd *cobra.Command) (job.Kind, error) {
	s, _ := cmd.Flags().GetString("kind")
	return parseKind(s)
}

func newTemplatesListCmd() *cobra.Command {
	var entity string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := templateKind(cmd)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "ID\tNAME\tENTITY\tPUBLIC")
			if k == job.KindImport {
				tpls, err := a.api.ListImportTemplates(cmd.Context(), job.EntityType(entity))
				if err != nil {
					return err
				}
				for _, t := range tpls {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", t.ID, t.Name, t.EntityType, t.IsPublic)
				}
				return nil
			}
			tpls, err := a.api.ListExportTemplates(cmd.Context(), job.EntityType(entity))
			if err != nil {
				return err
			}
			for _, t := range tpls {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", t.ID, t.Name, t.EntityType, t.IsPublic)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "only templates for this entity type")
	return cmd
}

// newTemplatesSaveCmd creates a template from a JSON file, or replaces one
// when an id is given.
func newTemplatesSaveCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "save [ID] --file template.json",
		Short: "Create or update a template from a JSON file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := templateKind(cmd)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()

			var id string
			if k == job.KindImport {
				var t job.ImportTemplate
				if err := dec.Decode(&t); err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				var out *job.ImportTemplate
				if len(args) == 1 {
					out, err = a.api.UpdateImportTemplate(cmd.Context(), args[0], t)
				} else {
					out, err = a.api.CreateImportTemplate(cmd.Context(), t)
				}
				if err != nil {
					return err
				}
				id = out.ID
			} else {
				var t job.ExportTemplate
				if err := dec.Decode(&t); err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				var out *job.ExportTemplate
				if len(args) == 1 {
					out, err = a.api.UpdateExportTemplate(cmd.Context(), args[0], t)
				} else {
					out, err = a.api.CreateExportTemplate(cmd.Context(), t)
				}
				if err != nil {
					return err
				}
				id = out.ID
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s template %s saved\n", k, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON template definition")
	cmd.MarkFlagRequired("file") //nolint:errcheck
	return cmd
}

func newTemplatesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := templateKind(cmd)
			if err != nil {
				return err
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			if k == job.KindImport {
				err = a.api.DeleteImportTemplate(cmd.Context(), args[0])
			} else {
				err = a.api.DeleteExportTemplate(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s template %s deleted\n", k, args[0])
			return nil
		},
	}
}

func newTemplatesGenerateCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "generate ENTITY",
		Short: "Download a blank import file for an entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			name, err := a.api.GenerateImportTemplate(cmd.Context(), job.EntityType(args[0]), &buf)
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
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file, - for stdout (default: server file name)")
	return cmd
}
