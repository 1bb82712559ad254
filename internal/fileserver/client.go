package fileserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// HTTPArtifactClient implements contracts.Uploader and contracts.Downloader
// by reading/writing local files and PUTting/GETting their bytes against
// the C8Y HTTP Proxy's mount (so uploads ride the same bearer-token
// injection and circuit breaker as every other upstream call).
type HTTPArtifactClient struct {
	proxyBaseURL string
	client       *http.Client
}

// NewHTTPArtifactClient builds a client that resolves upload destinations
// against proxyBaseURL, e.g. "http://localhost:8001/c8y".
func NewHTTPArtifactClient(proxyBaseURL string) *HTTPArtifactClient {
	return &HTTPArtifactClient{
		proxyBaseURL: proxyBaseURL,
		client:       &http.Client{Timeout: 2 * time.Minute},
	}
}

// Upload reads localPath and PUTs its bytes to proxyBaseURL+destination,
// returning the full URL the cloud record can reference.
func (c *HTTPArtifactClient) Upload(ctx context.Context, localPath, destination string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", localPath, err)
	}
	url := c.proxyBaseURL + destination
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return "", err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.ContentLength = int64(len(data))
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload artifact to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload artifact to %s: unexpected status %d", url, resp.StatusCode)
	}
	return url, nil
}

// Download GETs url and writes its body to localPath.
func (c *HTTPArtifactClient) Download(ctx context.Context, url, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download artifact from %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("download artifact from %s: unexpected status %d", url, resp.StatusCode)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}
	return nil
}
