// Package client talks to a running quiche server over its REST API and
// channel websocket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/michaelbrown/quiche/internal/storage"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Queue is the server's queue snapshot.
type Queue struct {
	Active []string `json:"active"`
	Queued []string `json:"queued"`
	Text   string   `json:"text"`

	// Position is the 1-based queue position of the requester passed to
	// Queue, or zero when it is not queued.
	Position int `json:"position,omitempty"`
}

// Client is a quiche API client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Queue(ctx context.Context, requesterID string) (*Queue, error) {
	path := "/api/queue"
	if requesterID != "" {
		path += "?requester=" + url.QueryEscape(requesterID)
	}
	var q Queue
	if err := c.do(ctx, http.MethodGet, path, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Terminate ends requesterID's queued or active run and returns the server's
// confirmation.
func (c *Client) Terminate(ctx context.Context, requesterID string) (string, error) {
	var resp map[string]string
	if err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(requesterID), nil, &resp); err != nil {
		return "", err
	}
	return resp["message"], nil
}

// SaveRequirements uploads a dependency manifest for requesterID.
func (c *Client) SaveRequirements(ctx context.Context, requesterID, filename string, r io.Reader) (string, error) {
	path := "/api/requirements/" + url.PathEscape(requesterID) + "?filename=" + url.QueryEscape(filename)
	var resp map[string]string
	if err := c.do(ctx, http.MethodPut, path, r, &resp); err != nil {
		return "", err
	}
	return resp["message"], nil
}

func (c *Client) ListRuns(ctx context.Context, opts storage.RunListOptions) ([]storage.Run, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.RequesterID != "" {
		q.Set("requester", opts.RequesterID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var runs []storage.Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches a run by id or unique id prefix.
func (c *Client) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	var run storage.Run
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RunMarkdown fetches the markdown summary of a run.
func (c *Client) RunMarkdown(ctx context.Context, id string) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id)+"?format=markdown", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return string(data), nil
}

func (c *Client) DeleteRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/runs/"+url.PathEscape(id), nil, nil)
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}
