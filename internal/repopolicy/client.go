// Package repopolicy implements the optional repo-policy-compliance
// one-time-token client consumed by cloud-init rendering when a runner's
// repository requires a compliance check before it can pick up jobs. A
// small raw-HTTP client: constructor, single POST, status-code mapping.
package repopolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/thpham/fleetd/internal/models"
)

// Client requests one-time tokens from the repo-policy-compliance service,
// one per runner, embedded into that runner's pre-job script.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client authenticating with the service-level token
// configured under serviceConfig.repoPolicyCompliance.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type oneTimeTokenRequest struct {
	InstanceID string `json:"instance_id"`
}

type oneTimeTokenResponse struct {
	Token string `json:"token"`
}

// GetOneTimeToken requests a fresh one-time token scoped to id, to be
// embedded in that runner's pre-job script so it can report job-outcome
// compliance back to the service.
func (c *Client) GetOneTimeToken(ctx context.Context, id models.InstanceID) (string, error) {
	body, err := json.Marshal(oneTimeTokenRequest{InstanceID: id.Name()})
	if err != nil {
		return "", fmt.Errorf("marshaling one-time-token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/one-time-token", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("building one-time-token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting one-time token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("repo-policy-compliance: unexpected status %d for instance %s", resp.StatusCode, id.Name())
	}

	var out oneTimeTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding one-time-token response: %w", err)
	}
	return out.Token, nil
}
