package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type apiClient struct {
	base string
	http *http.Client
}

type apiError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Msg)
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{base: base, http: &http.Client{Timeout: timeout}}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type lease struct {
	ID string `json:"lease_id"`
}

func (c *apiClient) register(ctx context.Context, twin string) error {
	return c.do(ctx, http.MethodPost, "/twins", map[string]any{
		"twin_id":         twin,
		"organization_id": "loadtest",
		"author":          "loadtest",
		"properties":      map[string]any{"loadtest": map[string]any{"counter": 0}},
	}, nil)
}

func (c *apiClient) acquire(ctx context.Context, twin, holder, session, kind string, paths []string) (lease, error) {
	var out lease
	err := c.do(ctx, http.MethodPost, "/twins/"+twin+"/leases", map[string]any{
		"holder_id":  holder,
		"session_id": session,
		"paths":      paths,
		"lock_kind":  kind,
	}, &out)
	return out, err
}

func (c *apiClient) release(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/leases/"+id, nil, nil)
}

func (c *apiClient) submit(ctx context.Context, twin string, op map[string]any) error {
	return c.do(ctx, http.MethodPost, "/twins/"+twin+"/operations", op, nil)
}
