// Package jobmanager implements the generic job-manager platform backend as
// a small raw HTTP client: JSON request/response bodies and status-code to
// error-taxonomy mapping, with no generated SDK involved.
package jobmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/platform"
)

// Provider implements platform.Provider against a generic job-manager REST
// API.
type Provider struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logrus.Logger
}

// New builds a Provider targeting baseURL, authenticating with token via an
// Authorization header.
func New(baseURL, token string, log *logrus.Logger) *Provider {
	return &Provider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

func (p *Provider) Name() string { return "job-manager" }

type errorResponse struct {
	Message string `json:"message"`
}

func (p *Provider) do(ctx context.Context, method, path string, body interface{}, out interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return resp, fmt.Errorf("%w: %s %s", platform.ErrNotFound, method, path)
	}
	if resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.Unmarshal(respBody, &errResp)
		return resp, fmt.Errorf("job-manager API error (%d): %s", resp.StatusCode, errResp.Message)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp, fmt.Errorf("decoding response body: %w", err)
		}
	}
	return resp, nil
}

type registerRunnerRequest struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

type registerRunnerResponse struct {
	RunnerID   string `json:"runner_id"`
	BootScript string `json:"boot_script"`
}

func (p *Provider) GetRunnerContext(ctx context.Context, metadata models.RunnerMetadata, id models.InstanceID, labels []string) (models.RunnerContext, models.RunnerInstance, error) {
	var resp registerRunnerResponse
	if _, err := p.do(ctx, http.MethodPost, "/api/v1/runners", registerRunnerRequest{Name: id.Name(), Labels: labels}, &resp); err != nil {
		return models.RunnerContext{}, models.RunnerInstance{}, fmt.Errorf("registering runner: %w", err)
	}

	metadata.RunnerID = resp.RunnerID
	instance := models.RunnerInstance{
		Name:          id.Name(),
		InstanceID:    id,
		Metadata:      metadata,
		PlatformState: models.PlatformStateUnknown,
	}
	return models.RunnerContext{ShellRunScript: resp.BootScript}, instance, nil
}

type runnerHealthResponse struct {
	Online    bool `json:"online"`
	Busy      bool `json:"busy"`
	Deletable bool `json:"deletable"`
	Known     bool `json:"known"`
}

func (p *Provider) GetRunnerHealth(ctx context.Context, identity models.RunnerIdentity) (models.PlatformRunnerHealth, error) {
	var resp runnerHealthResponse
	path := fmt.Sprintf("/api/v1/runners/%s/health", url.PathEscape(identity.Metadata.RunnerID))
	if _, err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return models.PlatformRunnerHealth{}, err
	}
	return models.PlatformRunnerHealth{
		Identity:         identity,
		Online:           resp.Online,
		Busy:             resp.Busy,
		Deletable:        resp.Deletable,
		RunnerInPlatform: resp.Known,
	}, nil
}

// GetRunnersHealth issues one health request per identity (the job-manager
// API has no documented batch-health endpoint) and partitions the results
// into requested and failed buckets. NonRequested is always empty: runners
// the job manager knows about but the caller did not ask for are not
// reported.
func (p *Provider) GetRunnersHealth(ctx context.Context, identities []models.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	var resp platform.RunnersHealthResponse
	for _, id := range identities {
		health, err := p.GetRunnerHealth(ctx, id)
		if err != nil {
			resp.FailedRequested = append(resp.FailedRequested, id)
			continue
		}
		resp.Requested = append(resp.Requested, health)
	}
	return resp, nil
}

func (p *Provider) DeleteRunner(ctx context.Context, identity models.RunnerIdentity) error {
	path := fmt.Sprintf("/api/v1/runners/%s", url.PathEscape(identity.Metadata.RunnerID))
	_, err := p.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting runner %s: %w", identity.InstanceID.Name(), err)
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), platform.ErrNotFound.Error())
}

type jobStatusResponse struct {
	PickedUp bool `json:"picked_up"`
}

func (p *Provider) CheckJobBeenPickedUp(ctx context.Context, metadata models.RunnerMetadata, jobURL string) (bool, error) {
	u, err := url.Parse(jobURL)
	if err != nil || u.Path == "" {
		return false, fmt.Errorf("%w: %s", platform.ErrJobURLFormat, jobURL)
	}

	var resp jobStatusResponse
	path := "/api/v1/jobs/status?url=" + url.QueryEscape(jobURL)
	if _, err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.PickedUp, nil
}

type jobInfoResponse struct {
	JobID      string `json:"job_id"`
	RunnerName string `json:"runner_name"`
}

func (p *Provider) GetJobInfo(ctx context.Context, metadata models.RunnerMetadata, repo, workflowRunID string, id models.InstanceID) (platform.JobInfo, error) {
	var resp jobInfoResponse
	path := fmt.Sprintf("/api/v1/jobs?repo=%s&run=%s", url.QueryEscape(repo), url.QueryEscape(workflowRunID))
	if _, err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return platform.JobInfo{}, err
	}
	return platform.JobInfo{
		Repository:    repo,
		WorkflowRunID: workflowRunID,
		JobID:         resp.JobID,
		RunnerName:    resp.RunnerName,
	}, nil
}
