package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	http_api "resource-locks/internal/api/http"
	"resource-locks/internal/domain"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Scopes served under /admin/.
const (
	ScopeLocal   = "local"
	ScopeCluster = "cluster"
)

// AdminClient calls the admin endpoints of one node.
type AdminClient struct {
	base   string
	client *http.Client
}

var _ domain.LockAdmin = (*AdminClient)(nil)

// NewAdminClient targets baseURL, which may be a bare host:port. A nil
// client gets a traced client with a 15s timeout.
func NewAdminClient(baseURL, scope string, client *http.Client) *AdminClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if client == nil {
		client = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &AdminClient{
		base:   strings.TrimSuffix(baseURL, "/") + "/admin/" + scope,
		client: client,
	}
}

func (c *AdminClient) get(ctx context.Context, op string, query url.Values) ([]string, error) {
	u := c.base + "/" + op
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	var out http_api.ValuesResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Values == nil {
		out.Values = []string{}
	}
	return out.Values, nil
}

func (c *AdminClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e http_api.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s returned %s: %s", req.Method, req.URL.Path, resp.Status, e.Error)
		}
		return fmt.Errorf("%s %s returned %s", req.Method, req.URL.Path, resp.Status)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *AdminClient) ListResourceNames(ctx context.Context) ([]string, error) {
	return c.get(ctx, "resources", nil)
}

func (c *AdminClient) FindOwningCallers(ctx context.Context, resource string) ([]string, error) {
	return c.get(ctx, "owners", url.Values{"resource": {resource}})
}

func (c *AdminClient) FindWaitingCallers(ctx context.Context, resource string) ([]string, error) {
	return c.get(ctx, "waiters", url.Values{"resource": {resource}})
}

func (c *AdminClient) FindOwnedResources(ctx context.Context, caller string) ([]string, error) {
	return c.get(ctx, "owned", url.Values{"caller": {caller}})
}

func (c *AdminClient) FindWaitedResources(ctx context.Context, caller string) ([]string, error) {
	return c.get(ctx, "waited", url.Values{"caller": {caller}})
}

func (c *AdminClient) ReleaseResource(ctx context.Context, resource string) error {
	if resource == "" {
		return errors.New("resource required")
	}
	payload, err := json.Marshal(http_api.ReleaseRequest{Resource: resource})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/release", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}
