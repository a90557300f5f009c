// Copyright (c) OpenMMLab. All rights reserved.

package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"oamix/pkg/stacktrace"
	"oamix/pkg/storage"
)

const defaultClientTimeout = 2 * time.Minute

// Client talks to the status server of one node.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient accepts "host", "host:port" or a full URL; port is used when
// address carries none.
func NewClient(address, port string) *Client {
	base := address
	if !strings.Contains(base, "://") {
		if _, _, err := net.SplitHostPort(base); err != nil && port != "" {
			base = net.JoinHostPort(base, port)
		}
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: defaultClientTimeout},
	}
}

func (c *Client) GetRun(ctx context.Context) (*RunInfo, error) {
	var run RunInfo
	if err := c.get(ctx, "/api/v1/run", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) GetRecentLogs(ctx context.Context, maxLines int) (*LogsResponse, error) {
	var resp LogsResponse
	q := url.Values{"max_lines": {strconv.Itoa(maxLines)}}
	if err := c.get(ctx, "/api/v1/logs", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetProcessStacks(ctx context.Context, req stacktrace.Request) (*StacksResponse, error) {
	var resp StacksResponse
	q := url.Values{}
	if req.ProcessType != "" {
		q.Set("type", req.ProcessType)
	}
	if req.Rank != "" {
		q.Set("rank", req.Rank)
	}
	if err := c.get(ctx, "/api/v1/stacks", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetEvents(ctx context.Context, filter storage.EventFilter) ([]storage.EventEntry, error) {
	q := url.Values{}
	if filter.Type != "" {
		q.Set("type", filter.Type)
	}
	if filter.Source != "" {
		q.Set("source", filter.Source)
	}
	if filter.RunID != "" {
		q.Set("run_id", filter.RunID)
	}
	if filter.MinSeverity != 0 {
		q.Set("min_severity", strconv.Itoa(int(filter.MinSeverity)))
	}
	if filter.Unprocessed {
		q.Set("unprocessed", "true")
	}
	if filter.Peek {
		q.Set("peek", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var resp EventsResponse
	if err := c.get(ctx, "/api/v1/events", q, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
