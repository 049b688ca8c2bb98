package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gridctl/fleetbuild/pkg/delta"
)

// DeltaRequester asks the delta service to produce one delta image.
type DeltaRequester interface {
	Request(ctx context.Context, job delta.Job, token string) (string, error)
}

// DeltaService is the HTTP client for the remote delta service.
type DeltaService struct {
	baseURL string
	http    *http.Client
}

var _ DeltaRequester = (*DeltaService)(nil)

// NewDeltaService creates a client for the service at baseURL, e.g.
// https://delta.example.io. A nil hc uses a default client.
func NewDeltaService(baseURL string, hc *http.Client) *DeltaService {
	if hc == nil {
		hc = &http.Client{}
	}
	return &DeltaService{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Request blocks until the delta from job.Src to job.Dest exists and returns
// its name.
func (d *DeltaService) Request(ctx context.Context, job delta.Job, token string) (string, error) {
	q := url.Values{
		"src":  {job.Src},
		"dest": {job.Dest},
		"wait": {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/v3/delta?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting delta: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("reading delta response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("delta service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var body struct {
		Success *bool  `json:"success"`
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("decoding delta response: %w", err)
	}
	if body.Success != nil && !*body.Success {
		return "", fmt.Errorf("delta service failed: %s", body.Message)
	}
	if body.Name == "" {
		return "", fmt.Errorf("delta service returned no name")
	}
	return body.Name, nil
}
