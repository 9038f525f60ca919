package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CenterClient talks to the central fleet API on behalf of one node. It is
// both the Transmitter and the Completer for burst reconciliation.
type CenterClient struct {
	baseURL string
	nodeID  string
	client  *http.Client
}

func NewCenterClient(baseURL, nodeID string, timeout time.Duration) *CenterClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CenterClient{
		baseURL: baseURL,
		nodeID:  nodeID,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *CenterClient) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

// Register announces the node to the center; the center auto-creates the
// node row on first contact.
func (c *CenterClient) Register(ctx context.Context) error {
	resp, err := c.postJSON(ctx, "/api/nodes/register", map[string]string{"node_id": c.nodeID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *CenterClient) Heartbeat(ctx context.Context) error {
	resp, err := c.postJSON(ctx, "/api/nodes/"+c.nodeID+"/heartbeat", struct{}{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Transmit delivers one detection payload. Network errors and 5xx come back
// as plain (transient) errors; a 4xx other than 408/429 means the center
// rejected the payload and retrying is pointless.
func (c *CenterClient) Transmit(ctx context.Context, payload json.RawMessage) error {
	resp, err := c.postJSON(ctx, "/api/detections", map[string]any{
		"node_id": c.nodeID,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("transmit: status %d", resp.StatusCode)
	case resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &PermanentError{Err: fmt.Errorf("transmit: status %d: %s", resp.StatusCode, body)}
	default:
		return fmt.Errorf("transmit: status %d", resp.StatusCode)
	}
}

// Complete reports the transmitted count, letting the coordinator close the
// episode and flip the node back to normal.
func (c *CenterClient) Complete(ctx context.Context, transmittedCount int) error {
	resp, err := c.postJSON(ctx, "/api/nodes/"+c.nodeID+"/blackout/complete", map[string]int{
		"transmitted_count": transmittedCount,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("complete: unexpected status %d", resp.StatusCode)
	}
	return nil
}
