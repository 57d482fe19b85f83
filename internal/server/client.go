package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
)

// Client talks to a remote status server.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient parses base, e.g. "http://lab-pc:8080". A bare host:port is
// taken as http.
func NewClient(base string) (*Client, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", base)
	}
	return &Client{base: u, http: &http.Client{Timeout: 5 * time.Second}}, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

// Status fetches the current snapshot.
func (c *Client) Status(ctx context.Context) (status.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/status"), nil)
	if err != nil {
		return status.Snapshot{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return status.Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status.Snapshot{}, fmt.Errorf("status: %s", resp.Status)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return status.Snapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return st.Snapshot(), nil
}

// RequestStop asks the remote sweep to stop.
func (c *Client) RequestStop(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/stop"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("stop: %s", resp.Status)
	}
	return nil
}

// Stream calls fn for every snapshot pushed over /ws/status until ctx ends
// or the connection drops.
func (c *Client) Stream(ctx context.Context, fn func(status.Snapshot)) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/status"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial status stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var st Status
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(st.Snapshot())
	}
}
