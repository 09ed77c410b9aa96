package msgsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"walkie/coord/internal/driver"
)

// HTTPClient implements driver.MessageService against the chat backend's
// REST surface.
type HTTPClient struct {
	http   *http.Client
	apiKey string
	base   string
}

func NewHTTPClient(base, apiKey string) *HTTPClient {
	return &HTTPClient{
		http:   &http.Client{},
		apiKey: apiKey,
		base:   base,
	}
}

// ResolveAudioRef returns driver.ErrNotReady while the backend is still
// processing the upload, so the playback engine can retry.
func (c *HTTPClient) ResolveAudioRef(ctx context.Context, messageID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/messages/%s/audio", c.base, messageID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusAccepted {
		return "", driver.ErrNotReady
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("resolve audio ref: %s: %s", resp.Status, string(b))
	}
	var parsed struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.Ref == "" {
		return "", driver.ErrNotReady
	}
	return parsed.Ref, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, messageID string) error {
	return c.post(ctx, fmt.Sprintf("%s/messages/%s/read", c.base, messageID))
}

func (c *HTTPClient) MarkViewed(ctx context.Context, messageID string) error {
	return c.post(ctx, fmt.Sprintf("%s/messages/%s/viewed", c.base, messageID))
}

func (c *HTTPClient) post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s: %s: %s", url, resp.Status, string(b))
	}
	return nil
}
