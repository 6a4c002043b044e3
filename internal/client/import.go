package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/jobtrack/jobtrack/internal/job"
)

// CreateImport validates p and uploads its file. It returns the job id
// assigned by the backend.
func (c *Client) CreateImport(ctx context.Context, p job.ImportParams) (string, error) {
	const op = "create import"
	if err := p.Validate(); err != nil {
		return "", c.rejected(op, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writeImportPart(mw, p, "file"); err != nil {
		return "", c.rejected(op, &job.TransportError{Op: op, Err: err})
	}
	if p.TemplateID != "" {
		_ = mw.WriteField("templateId", p.TemplateID)
	}
	_ = mw.WriteField("validateOnly", strconv.FormatBool(p.ValidateOnly))
	if err := mw.Close(); err != nil {
		return "", c.rejected(op, &job.TransportError{Op: op, Err: err})
	}

	var out struct {
		ImportJobID string `json:"importJobId"`
	}
	cl := call{op: op, method: http.MethodPost, path: "/import", body: buf.Bytes(), ctype: mw.FormDataContentType()}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return "", err
	}
	if out.ImportJobID == "" {
		return "", &job.TransportError{Op: op, Message: "response missing importJobId"}
	}
	return out.ImportJobID, nil
}

// BulkImport uploads several files in one request and returns one job id per
// file, in request order.
func (c *Client) BulkImport(ctx context.Context, items []job.ImportParams) ([]string, error) {
	const op = "bulk import"
	if err := job.ValidateBulkImport(items); err != nil {
		return nil, c.rejected(op, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range items {
		if err := writeImportPart(mw, p, "files"); err != nil {
			return nil, c.rejected(op, &job.TransportError{Op: op, Err: err})
		}
		_ = mw.WriteField("entityTypes", string(p.EntityType))
		_ = mw.WriteField("templateIds", p.TemplateID)
	}
	if err := mw.Close(); err != nil {
		return nil, c.rejected(op, &job.TransportError{Op: op, Err: err})
	}

	var out struct {
		ImportJobIDs []string `json:"importJobIds"`
	}
	cl := call{op: op, method: http.MethodPost, path: "/bulk-import", body: buf.Bytes(), ctype: mw.FormDataContentType()}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return nil, err
	}
	if len(out.ImportJobIDs) != len(items) {
		return nil, &job.TransportError{
			Op:      op,
			Message: fmt.Sprintf("expected %d importJobIds, got %d", len(items), len(out.ImportJobIDs)),
		}
	}
	return out.ImportJobIDs, nil
}

// writeImportPart writes entityType (single uploads only) and the file part.
func writeImportPart(mw *multipart.Writer, p job.ImportParams, fileField string) error {
	if fileField == "file" {
		if err := mw.WriteField("entityType", string(p.EntityType)); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile(fileField, p.File.Name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, bytes.NewReader(p.File.Content)); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	return nil
}

// ImportStatus fetches a point-in-time snapshot of an import job.
func (c *Client) ImportStatus(ctx context.Context, id string) (*job.ImportJob, error) {
	const op = "import status"
	if err := requireID("jobId", id); err != nil {
		return nil, c.rejected(op, err)
	}
	var out job.ImportJob
	cl := call{
		op:       op,
		method:   http.MethodGet,
		path:     "/import/" + escape(id) + "/status",
		resource: "import job",
		id:       id,
	}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return nil, err
	}
	out.Kind = job.KindImport
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

// ListImports fetches one page of import history.
func (c *Client) ListImports(ctx context.Context, q job.ListQuery) (*job.Page[job.ImportJob], error) {
	var out job.Page[job.ImportJob]
	cl := call{op: "list imports", method: http.MethodGet, path: "/imports", query: q.Normalize()}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Data {
		out.Data[i].Kind = job.KindImport
	}
	return &out, nil
}
