package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DefaultSocketPath is the admin socket location gssauthd listens on and
// gssauthctl dials unless overridden.
const DefaultSocketPath = "/var/run/gssauth/admin.sock"

// Client talks to a Server over its Unix domain socket.
type Client struct {
	http       *http.Client
	socketPath string
}

// NewClient returns a Client dialing socketPath for every request.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// ListContexts fetches the credential cache snapshot.
func (c *Client) ListContexts(ctx context.Context) ([]ContextInfo, error) {
	var out []ContextInfo
	if err := c.getJSON(ctx, "/contexts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FlushContext flushes the cached credential for uid, or every credential
// if uid is nil.
func (c *Client) FlushContext(ctx context.Context, uid *uint32) error {
	url := "http://unix/contexts/flush"
	if uid != nil {
		url = fmt.Sprintf("%s?uid=%d", url, *uid)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("adminapi: flush request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adminapi: flush returned status %d", resp.StatusCode)
	}
	return nil
}

// PipeStatus fetches the current pipe version latch state.
func (c *Client) PipeStatus(ctx context.Context) (*PipeStatus, error) {
	var out PipeStatus
	if err := c.getJSON(ctx, "/pipe", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("adminapi: request %s: %w (is the gssauth process running with --admin-socket %s?)", path, err, c.socketPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adminapi: %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
