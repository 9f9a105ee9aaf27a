package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable marks transient failures of the face service: network
// errors, timeouts and 5xx responses. Callers may retry; a non-match is
// never reported through this error.
var ErrUnavailable = errors.New("face service unavailable")

// Result contains a 1:1 verification outcome.
type Result struct {
	Matched    bool
	Similarity float64
	Threshold  float64
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second // face processing can take time
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Verify compares a submitted sample against the stored reference
// identified by referenceKey. A false result with nil error is a normal
// non-match.
func (c *Client) Verify(ctx context.Context, referenceKey string, sample []byte) (bool, error) {
	if c.Skip {
		return true, nil
	}
	if referenceKey == "" {
		return false, fmt.Errorf("reference key required")
	}
	res, err := c.post(ctx, map[string]string{
		"user_id":   referenceKey,
		"image_b64": base64.StdEncoding.EncodeToString(sample),
	})
	if err != nil {
		return false, err
	}
	return res.Matched, nil
}

// VerifyURL compares a stored evidence image URL against the reference.
// Used by the background audit of synced claims.
func (c *Client) VerifyURL(ctx context.Context, referenceKey, imageURL string) (*Result, error) {
	if c.Skip {
		return &Result{Matched: true, Similarity: 0.92, Threshold: 0.45}, nil
	}
	if referenceKey == "" || imageURL == "" {
		return nil, fmt.Errorf("reference key and image url required")
	}
	return c.post(ctx, map[string]string{
		"user_id":   referenceKey,
		"image_url": imageURL,
	})
}

func (c *Client) post(ctx context.Context, payload map[string]string) (*Result, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("face service error %s: %w", resp.Status, ErrUnavailable)
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service rejected request %s: %s", resp.Status, string(raw))
	}

	var out struct {
		Verified   bool    `json:"verified"`
		Similarity float64 `json:"similarity"`
		Threshold  float64 `json:"threshold"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &Result{Matched: out.Verified, Similarity: out.Similarity, Threshold: out.Threshold}, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
