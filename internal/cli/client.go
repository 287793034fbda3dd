package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dokzlo13/dimmerd/internal/api"
	"github.com/dokzlo13/dimmerd/internal/dimmer"
	"github.com/dokzlo13/dimmerd/internal/ledger"
)

// Client talks to a running dimmerd API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the API at base, e.g. http://localhost:8080.
func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(base, "/"), http: httpClient}
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Body api.Error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Body.Code, e.Body.Status, e.Body.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil || apiErr.Body.Message == "" {
			apiErr.Body = api.Error{
				Status:  resp.StatusCode,
				Code:    http.StatusText(resp.StatusCode),
				Message: "unexpected response",
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Start(ctx context.Context, body api.StartBody) (api.OKResponse, error) {
	var out api.OKResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/cycles/start", body, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, lights []string) (api.OKResponse, error) {
	var out api.OKResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/cycles/stop", api.StopBody{Lights: lights}, &out)
	return out, err
}

func (c *Client) StopAll(ctx context.Context) (api.OKResponse, error) {
	var out api.OKResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/cycles/stop_all", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (dimmer.Status, error) {
	var out dimmer.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/cycles", nil, &out)
	return out, err
}

func (c *Client) Check(ctx context.Context, lights []string) (api.CheckResponse, error) {
	q := url.Values{}
	for _, l := range lights {
		q.Add("light", l)
	}
	var out api.CheckResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/cycles/check?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, eventType string, limit int) ([]ledger.Entry, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []ledger.Entry
	err := c.do(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), nil, &out)
	return out, err
}
