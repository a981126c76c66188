// Package enrich resolves device ids to human-readable aircraft identity via
// the devices database HTTP API. Strictly best-effort: callers keep the
// original record whenever resolution fails.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Identity is the resolved aircraft identity for a device.
type Identity struct {
	Registration string `json:"registration"`
	Model        string `json:"model"`
	Source       string `json:"source"`
}

// Resolver resolves a device id to an aircraft identity.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) (Identity, error)
}

// HTTPResolver queries the devices database endpoint:
// GET {base}/devices/{deviceID} -> {"registration": ..., "model": ..., "source": ...}
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, deviceID string) (Identity, error) {
	endpoint := fmt.Sprintf("%s/devices/%s", r.baseURL, url.PathEscape(deviceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build device lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("device lookup %s: %w", deviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("device lookup %s: status %d", deviceID, resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return Identity{}, fmt.Errorf("decode device lookup %s: %w", deviceID, err)
	}
	return identity, nil
}
