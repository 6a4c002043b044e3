package client

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jobtrack/jobtrack/internal/job"
)

// templateQuery narrows a template listing to one entity type.
type templateQuery struct {
	EntityType job.EntityType `url:"entityType,omitempty"`
}

// ListExportTemplates returns the export templates visible to the caller.
// An empty entityType lists all of them.
func (c *Client) ListExportTemplates(ctx context.Context, entityType job.EntityType) ([]job.ExportTemplate, error) {
	var out []job.ExportTemplate
	cl := call{op: "list export templates", method: http.MethodGet, path: "/templates/export", query: templateQuery{entityType}}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateExportTemplate(ctx context.Context, t job.ExportTemplate) (*job.ExportTemplate, error) {
	const op = "create export template"
	if err := t.Validate(); err != nil {
		return nil, c.rejected(op, err)
	}
	var out job.ExportTemplate
	if err := c.doJSON(ctx, call{op: op, method: http.MethodPost, path: "/templates/export"}, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateExportTemplate(ctx context.Context, id string, t job.ExportTemplate) (*job.ExportTemplate, error) {
	const op = "update export template"
	if err := requireID("templateId", id); err != nil {
		return nil, c.rejected(op, err)
	}
	if err := t.Validate(); err != nil {
		return nil, c.rejected(op, err)
	}
	var out job.ExportTemplate
	cl := call{
		op:       op,
		method:   http.MethodPut,
		path:     "/templates/export/" + escape(id),
		resource: "export template",
		id:       id,
	}
	if err := c.doJSON(ctx, cl, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteExportTemplate(ctx context.Context, id string) error {
	const op = "delete export template"
	if err := requireID("templateId", id); err != nil {
		return c.rejected(op, err)
	}
	cl := call{
		op:       op,
		method:   http.MethodDelete,
		path:     "/templates/export/" + escape(id),
		resource: "export template",
		id:       id,
	}
	return c.doJSON(ctx, cl, nil, nil)
}

// ListImportTemplates returns the import templates visible to the caller.
// An empty entityType lists all of them.
func (c *Client) ListImportTemplates(ctx context.Context, entityType job.EntityType) ([]job.ImportTemplate, error) {
	var out []job.ImportTemplate
	cl := call{op: "list import templates", method: http.MethodGet, path: "/templates/import", query: templateQuery{entityType}}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateImportTemplate(ctx context.Context, t job.ImportTemplate) (*job.ImportTemplate, error) {
	const op = "create import template"
	if err := t.Validate(); err != nil {
		return nil, c.rejected(op, err)
	}
	var out job.ImportTemplate
	if err := c.doJSON(ctx, call{op: op, method: http.MethodPost, path: "/templates/import"}, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateImportTemplate(ctx context.Context, id string, t job.ImportTemplate) (*job.ImportTemplate, error) {
	const op = "update import template"
	if err := requireID("templateId", id); err != nil {
		return nil, c.rejected(op, err)
	}
	if err := t.Validate(); err != nil {
		return nil, c.rejected(op, err)
	}
	var out job.ImportTemplate
	cl := call{
		op:       op,
		method:   http.MethodPut,
		path:     "/templates/import/" + escape(id),
		resource: "import template",
		id:       id,
	}
	if err := c.doJSON(ctx, cl, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteImportTemplate(ctx context.Context, id string) error {
	const op = "delete import template"
	if err := requireID("templateId", id); err != nil {
		return c.rejected(op, err)
	}
	cl := call{
		op:       op,
		method:   http.MethodDelete,
		path:     "/templates/import/" + escape(id),
		resource: "import template",
		id:       id,
	}
	return c.doJSON(ctx, cl, nil, nil)
}

// GenerateImportTemplate writes a blank mapping file for entityType into w and
// returns the suggested file name. It is a plain download, not a tracked job.
func (c *Client) GenerateImportTemplate(ctx context.Context, entityType job.EntityType, w io.Writer) (string, error) {
	const op = "generate import template"
	if !job.IsSupportedEntity(entityType) {
		return "", c.rejected(op, job.NewValidationError("entityType", "is not a supported entity type"))
	}
	resp, err := c.send(ctx, call{
		op:     op,
		method: http.MethodGet,
		path:   "/templates/import/" + escape(string(entityType)) + "/generate",
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", &job.TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	return attachmentName(resp.Header.Get("Content-Disposition"), string(entityType)+"-import-template.csv"), nil
}
