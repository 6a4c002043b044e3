package client

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/jobtrack/jobtrack/internal/job"
)

// CreateExport validates p and starts an export job. It returns the job id
// assigned by the backend.
func (c *Client) CreateExport(ctx context.Context, p job.ExportParams) (string, error) {
	const op = "create export"
	if err := p.Validate(); err != nil {
		return "", c.rejected(op, err)
	}
	var out struct {
		ExportJobID string `json:"exportJobId"`
	}
	if err := c.doJSON(ctx, call{op: op, method: http.MethodPost, path: "/export"}, p, &out); err != nil {
		return "", err
	}
	if out.ExportJobID == "" {
		return "", &job.TransportError{Op: op, Message: "response missing exportJobId"}
	}
	return out.ExportJobID, nil
}

// BulkExport starts a single export job covering several entity types.
func (c *Client) BulkExport(ctx context.Context, p job.BulkExportParams) (string, error) {
	const op = "bulk export"
	if err := p.Validate(); err != nil {
		return "", c.rejected(op, err)
	}
	var out struct {
		ExportJobID string `json:"exportJobId"`
	}
	if err := c.doJSON(ctx, call{op: op, method: http.MethodPost, path: "/bulk-export"}, p, &out); err != nil {
		return "", err
	}
	if out.ExportJobID == "" {
		return "", &job.TransportError{Op: op, Message: "response missing exportJobId"}
	}
	return out.ExportJobID, nil
}

// ExportStatus fetches a point-in-time snapshot of an export job.
func (c *Client) ExportStatus(ctx context.Context, id string) (*job.ExportJob, error) {
	const op = "export status"
	if err := requireID("jobId", id); err != nil {
		return nil, c.rejected(op, err)
	}
	var out job.ExportJob
	cl := call{
		op:       op,
		method:   http.MethodGet,
		path:     "/export/" + escape(id) + "/status",
		resource: "export job",
		id:       id,
	}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return nil, err
	}
	out.Kind = job.KindExport
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

// ListExports fetches one page of export history.
func (c *Client) ListExports(ctx context.Context, q job.ListQuery) (*job.Page[job.ExportJob], error) {
	var out job.Page[job.ExportJob]
	cl := call{op: "list exports", method: http.MethodGet, path: "/exports", query: q.Normalize()}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Data {
		out.Data[i].Kind = job.KindExport
	}
	return &out, nil
}

// DeleteExport removes an export job and its result on the backend.
func (c *Client) DeleteExport(ctx context.Context, id string) error {
	const op = "delete export"
	if err := requireID("jobId", id); err != nil {
		return c.rejected(op, err)
	}
	cl := call{
		op:       op,
		method:   http.MethodDelete,
		path:     "/export/" + escape(id),
		resource: "export job",
		id:       id,
	}
	return c.doJSON(ctx, cl, nil, nil)
}

// DownloadExport copies the result file of a completed export into w and
// returns the file name suggested by the backend. It fails with a
// NotReadyError unless the job's current status is completed.
func (c *Client) DownloadExport(ctx context.Context, id string, w io.Writer) (string, error) {
	const op = "download export"
	snap, err := c.ExportStatus(ctx, id)
	if err != nil {
		return "", err
	}
	if snap.Status != job.StatusCompleted {
		return "", c.rejected(op, &job.NotReadyError{JobID: id, Status: snap.Status})
	}

	cl := call{
		op:       op,
		method:   http.MethodGet,
		path:     "/export/" + escape(id) + "/download",
		resource: "export job",
		id:       id,
		notReady: true,
	}
	resp, err := c.send(ctx, cl)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", &job.TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	return attachmentName(resp.Header.Get("Content-Disposition"), fmt.Sprintf("export-%s", id)), nil
}

// attachmentName returns the base name of the filename parameter of a
// Content-Disposition header, or fallback when it is missing or unsafe.
func attachmentName(header, fallback string) string {
	if header == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return fallback
	}
	name := path.Base(params["filename"])
	if name == "" || name == "." || name == "/" || name == ".." {
		return fallback
	}
	return name
}
