package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPClient talks JSON over HTTP to the remote backend.
//
// Endpoints consumed, all rooted at BaseURL:
//
//	GET    /tables/{table}/count?tenant=&since=
//	GET    /tables/{table}/rows?tenant=&offset=&limit=&since=
//	PUT    /tables/{table}/rows/{id}
//	DELETE /tables/{table}/rows/{id}
//
// Retries are deliberately not implemented here; transient-failure policy
// belongs to the sync engine and orchestrator.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a remote client. The token, if non-empty, is sent
// as a bearer credential on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CountRows implements Client.CountRows.
func (c *HTTPClient) CountRows(ctx context.Context, table, tenantID string) (int, error) {
	return c.count(ctx, table, tenantID, time.Time{})
}

// CountChangedSince implements Client.CountChangedSince.
func (c *HTTPClient) CountChangedSince(ctx context.Context, table, tenantID string, since time.Time) (int, error) {
	return c.count(ctx, table, tenantID, since)
}

func (c *HTTPClient) count(ctx context.Context, table, tenantID string, since time.Time) (int, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant", tenantID)
	}
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var out struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, fmt.Sprintf("/tables/%s/count", url.PathEscape(table)), q, &out); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return out.Count, nil
}

// FetchAll implements Client.FetchAll.
func (c *HTTPClient) FetchAll(ctx context.Context, table, tenantID string) ([]Row, error) {
	return c.fetch(ctx, table, tenantID, -1, -1, time.Time{})
}

// FetchPage implements Client.FetchPage.
func (c *HTTPClient) FetchPage(ctx context.Context, table, tenantID string, offset, limit int) ([]Row, error) {
	return c.fetch(ctx, table, tenantID, offset, limit, time.Time{})
}

// FetchChangedSince implements Client.FetchChangedSince.
func (c *HTTPClient) FetchChangedSince(ctx context.Context, table, tenantID string, since time.Time) ([]Row, error) {
	return c.fetch(ctx, table, tenantID, -1, -1, since)
}

func (c *HTTPClient) fetch(ctx context.Context, table, tenantID string, offset, limit int, since time.Time) ([]Row, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant", tenantID)
	}
	if offset >= 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit >= 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var out struct {
		Rows []Row `json:"rows"`
	}
	if err := c.get(ctx, fmt.Sprintf("/tables/%s/rows", url.PathEscape(table)), q, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch rows from %s: %w", table, err)
	}
	return out.Rows, nil
}

// Upsert implements Client.Upsert.
func (c *HTTPClient) Upsert(ctx context.Context, table string, row Row) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row %s/%s: %w", table, row.ID, err)
	}

	path := fmt.Sprintf("/tables/%s/rows/%s", url.PathEscape(table), url.PathEscape(row.ID))
	if err := c.do(ctx, http.MethodPut, path, body); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", table, row.ID, err)
	}
	return nil
}

// Delete implements Client.Delete.
func (c *HTTPClient) Delete(ctx context.Context, table, id string) error {
	path := fmt.Sprintf("/tables/%s/rows/%s", url.PathEscape(table), url.PathEscape(id))
	if err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return httpError(resp)
	}
	return nil
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func httpError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("remote returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
