package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agriscience/fieldwatch/internal/model"
)

// Monitoring resource paths. They double as query cache keys.
const (
	PathFields = "/api/monitoring/fields"
	PathAlerts = "/api/monitoring/alerts"
	PathData   = "/api/monitoring/data"
)

// GetFields lists the user's monitored fields.
func (c *Client) GetFields(ctx context.Context) ([]model.CropField, error) {
	var fields []model.CropField
	if err := c.get(ctx, PathFields, nil, &fields); err != nil {
		return nil, fmt.Errorf("get fields: %w", err)
	}
	return fields, nil
}

// GetAlerts lists alerts across all fields.
func (c *Client) GetAlerts(ctx context.Context) ([]model.Alert, error) {
	var alerts []model.Alert
	if err := c.get(ctx, PathAlerts, nil, &alerts); err != nil {
		return nil, fmt.Errorf("get alerts: %w", err)
	}
	return alerts, nil
}

// GetReadings lists sensor readings for one field.
func (c *Client) GetReadings(ctx context.Context, fieldID string) ([]model.Reading, error) {
	query := url.Values{}
	query.Set("fieldId", fieldID)

	var readings []model.Reading
	if err := c.get(ctx, PathData, query, &readings); err != nil {
		return nil, fmt.Errorf("get readings for field %s: %w", fieldID, err)
	}
	return readings, nil
}

// MarkAlertRead flags an alert as read.
func (c *Client) MarkAlertRead(ctx context.Context, alertID string) error {
	path := PathAlerts + "/" + url.PathEscape(alertID) + "/read"
	if err := c.send(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("mark alert %s read: %w", alertID, err)
	}
	return nil
}

// ResolveAlert flags an alert as resolved.
func (c *Client) ResolveAlert(ctx context.Context, alertID string) error {
	path := PathAlerts + "/" + url.PathEscape(alertID) + "/resolve"
	if err := c.send(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	return nil
}
