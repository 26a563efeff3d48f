// README: API client posting driver samples and availability with the driver's bearer token.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ridehail/internal/modules/location"
)

type apiClient struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// Ingest implements location.Ingester over HTTP. The server resolves the
// driver from the token, so smp.DriverID is not sent.
func (c *apiClient) Ingest(ctx context.Context, smp location.Sample) error {
	body := map[string]any{
		"latitude":  smp.Position.Lat,
		"longitude": smp.Position.Lng,
	}
	if smp.RideID != nil {
		body["rideId"] = *smp.RideID
	}
	return c.put(ctx, "/api/driver/location", body)
}

func (c *apiClient) setAvailability(ctx context.Context, online bool) error {
	return c.put(ctx, "/api/driver/availability", map[string]any{"online": online})
}

func (c *apiClient) put(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("PUT %s: %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
