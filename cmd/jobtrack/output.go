package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jobtrack/jobtrack/internal/job"
	"github.com/jobtrack/jobtrack/internal/registry"
)

func printUpdate(w io.Writer, u registry.Update) {
	switch {
	case u.Export != nil:
		printExport(w, u.Export)
	case u.Import != nil:
		printImport(w, u.Import)
	}
}

func printExport(w io.Writer, e *job.ExportJob) {
	fmt.Fprintf(w, "export %s %s %d%% (%d/%d)", e.ID, e.Status, e.Progress, e.ProcessedRecords, e.TotalRecords)
	switch e.Status {
	case job.StatusCompleted:
		fmt.Fprintf(w, " %s", e.DownloadURL)
	case job.StatusFailed:
		fmt.Fprintf(w, " error: %s", e.ErrorMessage)
	}
	fmt.Fprintln(w)
}

func printImport(w io.Writer, i *job.ImportJob) {
	fmt.Fprintf(w, "import %s %s %d%% (%d/%d) ok=%d errors=%d",
		i.ID, i.Status, i.Progress, i.ProcessedRecords, i.TotalRecords, i.SuccessCount, i.ErrorCount)
	if i.Status == job.StatusFailed {
		fmt.Fprintf(w, " error: %s", i.ErrorMessage)
	}
	fmt.Fprintln(w)
	for _, e := range i.Errors {
		fmt.Fprintf(w, "  row %d %s [%s]: %s\n", e.Row, e.Field, e.Severity, e.Message)
	}
}

func printExportPage(w io.Writer, p *job.Page[job.ExportJob]) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tFORMAT\tSTATUS\tPROGRESS\tCREATED")
	for _, e := range p.Data {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\n", e.ID, entityLabel(e), e.Format, e.Status, e.Progress, e.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
	fmt.Fprintf(w, "page %d/%d, %d total\n", p.Page, max(p.TotalPages, 1), p.Total)
}

func printImportPage(w io.Writer, p *job.Page[job.ImportJob]) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tFILE\tSTATUS\tOK\tERRORS\tCREATED")
	for _, i := range p.Data {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", i.ID, i.EntityType, i.FileName, i.Status, i.SuccessCount, i.ErrorCount, i.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
	fmt.Fprintf(w, "page %d/%d, %d total\n", p.Page, max(p.TotalPages, 1), p.Total)
}

func entityLabel(e job.ExportJob) string {
	if e.EntityType != "" {
		return string(e.EntityType)
	}
	return fmt.Sprint(e.EntityTypes)
}
