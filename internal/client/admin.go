package client

import (
	"context"
	"net/http"

	"github.com/jobtrack/jobtrack/internal/job"
)

// ExportStats fetches the admin summary of export/import activity.
func (c *Client) ExportStats(ctx context.Context) (*job.ExportStats, error) {
	var out job.ExportStats
	if err := c.doJSON(ctx, call{op: "export stats", method: http.MethodGet, path: "/admin/export-stats"}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type cleanupQuery struct {
	Days int `url:"days"`
}

// Cleanup asks the backend to delete job records and files older than days.
// It returns the number of records removed.
func (c *Client) Cleanup(ctx context.Context, days int) (int, error) {
	const op = "cleanup"
	if days < 1 {
		return 0, c.rejected(op, job.NewValidationError("days", "must be greater than or equal to 1"))
	}
	var out struct {
		DeletedCount int `json:"deletedCount"`
	}
	cl := call{op: op, method: http.MethodDelete, path: "/admin/cleanup", query: cleanupQuery{days}}
	if err := c.doJSON(ctx, cl, nil, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}
