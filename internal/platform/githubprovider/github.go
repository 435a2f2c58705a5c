// Package githubprovider implements the GitHub Actions platform backend via
// google/go-github.
package githubprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v55/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/platform"
)

// Provider implements platform.Provider against the GitHub Actions API.
type Provider struct {
	client *github.Client
	// path is either "org/group" (organization runners) or "owner/repo"
	// (repository runners).
	path string
	org  bool
	log  *logrus.Logger
}

// New builds a Provider authenticated with token, targeting path (either
// "org/group" or "owner/repo" form, distinguished by the presence of one
// "/" separating an org from a sub-scope vs. a repo owner from a repo name,
// so callers set isOrg explicitly to avoid ambiguity).
func New(ctx context.Context, token, path string, isOrg bool, log *logrus.Logger) *Provider {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &Provider{client: github.NewClient(tc), path: path, org: isOrg, log: log}
}

func (p *Provider) Name() string { return "github" }

func (p *Provider) splitOwnerRepo() (owner, repo string, ok bool) {
	parts := strings.SplitN(p.path, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// GetRunnerContext registers a new runner with GitHub, returning a boot
// script embedding the registration token.
func (p *Provider) GetRunnerContext(ctx context.Context, metadata models.RunnerMetadata, id models.InstanceID, labels []string) (models.RunnerContext, models.RunnerInstance, error) {
	var token *github.RegistrationToken
	var err error

	if p.org {
		token, _, err = p.client.Actions.CreateOrganizationRegistrationToken(ctx, p.path)
	} else {
		owner, repo, ok := p.splitOwnerRepo()
		if !ok {
			return models.RunnerContext{}, models.RunnerInstance{}, fmt.Errorf("github path %q is not owner/repo form", p.path)
		}
		token, _, err = p.client.Actions.CreateRegistrationToken(ctx, owner, repo)
	}
	if err != nil {
		return models.RunnerContext{}, models.RunnerInstance{}, fmt.Errorf("creating github registration token: %w", err)
	}

	script := fmt.Sprintf(
		"./config.sh --url %s --token %s --name %s --labels %s --unattended --ephemeral\n./run.sh\n",
		p.runnerScopeURL(), token.GetToken(), id.Name(), strings.Join(labels, ","),
	)

	instance := models.RunnerInstance{
		Name:          id.Name(),
		InstanceID:    id,
		Metadata:      metadata,
		PlatformState: models.PlatformStateUnknown,
	}

	return models.RunnerContext{ShellRunScript: script}, instance, nil
}

func (p *Provider) runnerScopeURL() string {
	if p.org {
		return "https://github.com/" + p.path
	}
	return "https://github.com/" + p.path
}

// GetRunnerHealth fetches the health of a single runner.
func (p *Provider) GetRunnerHealth(ctx context.Context, identity models.RunnerIdentity) (models.PlatformRunnerHealth, error) {
	runners, err := p.listRunners(ctx)
	if err != nil {
		return models.PlatformRunnerHealth{}, err
	}
	for _, r := range runners {
		if r.GetName() == identity.InstanceID.Name() {
			return healthFromRunner(identity, r), nil
		}
	}
	return models.PlatformRunnerHealth{}, fmt.Errorf("%w: runner %s", platform.ErrNotFound, identity.InstanceID.Name())
}

// GetRunnersHealth fetches health for the requested identities and reports
// any platform-known runners the caller did not ask about as strays.
func (p *Provider) GetRunnersHealth(ctx context.Context, identities []models.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	runners, err := p.listRunners(ctx)
	if err != nil {
		return platform.RunnersHealthResponse{}, err
	}

	requestedNames := make(map[string]models.RunnerIdentity, len(identities))
	for _, id := range identities {
		requestedNames[id.InstanceID.Name()] = id
	}

	byName := make(map[string]*github.Runner, len(runners))
	for i := range runners {
		byName[runners[i].GetName()] = runners[i]
	}

	var resp platform.RunnersHealthResponse
	for name, id := range requestedNames {
		r, ok := byName[name]
		if !ok {
			resp.FailedRequested = append(resp.FailedRequested, id)
			continue
		}
		resp.Requested = append(resp.Requested, healthFromRunner(id, r))
	}

	for name, r := range byName {
		if _, requested := requestedNames[name]; requested {
			continue
		}
		stray := models.RunnerIdentity{
			InstanceID: models.InstanceID{Suffix: name},
			Metadata:   models.RunnerMetadata{PlatformName: p.Name()},
		}
		resp.NonRequested = append(resp.NonRequested, healthFromRunner(stray, r))
	}

	return resp, nil
}

func (p *Provider) listRunners(ctx context.Context) ([]*github.Runner, error) {
	var all []*github.Runner
	opts := &github.ListOptions{PerPage: 100}
	for {
		var list *github.Runners
		var resp *github.Response
		var err error
		if p.org {
			list, resp, err = p.client.Actions.ListOrganizationRunners(ctx, p.path, opts)
		} else {
			owner, repo, ok := p.splitOwnerRepo()
			if !ok {
				return nil, fmt.Errorf("github path %q is not owner/repo form", p.path)
			}
			list, resp, err = p.client.Actions.ListRunners(ctx, owner, repo, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("listing github runners: %w", err)
		}
		all = append(all, list.Runners...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// healthFromRunner derives PlatformRunnerHealth. Online and Busy stay
// independent: a runner can report offline-but-busy during a transient
// teardown window, and models.PlatformStateFromHealth (not this
// constructor) is what collapses that into one tri-state.
func healthFromRunner(identity models.RunnerIdentity, r *github.Runner) models.PlatformRunnerHealth {
	online := r.GetStatus() == "online"
	busy := r.GetBusy()
	return models.PlatformRunnerHealth{
		Identity:         identity,
		Online:           online,
		Busy:             busy,
		Deletable:        !online && !busy,
		RunnerInPlatform: true,
	}
}

// DeleteRunner removes a runner from GitHub. Idempotent: a 404 is treated
// as success.
func (p *Provider) DeleteRunner(ctx context.Context, identity models.RunnerIdentity) error {
	runners, err := p.listRunners(ctx)
	if err != nil {
		return err
	}
	var runnerID int64
	found := false
	for _, r := range runners {
		if r.GetName() == identity.InstanceID.Name() {
			runnerID = r.GetID()
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	var resp *github.Response
	if p.org {
		resp, err = p.client.Actions.RemoveOrganizationRunner(ctx, p.path, runnerID)
	} else {
		owner, repo, ok := p.splitOwnerRepo()
		if !ok {
			return fmt.Errorf("github path %q is not owner/repo form", p.path)
		}
		resp, err = p.client.Actions.RemoveRunner(ctx, owner, repo, runnerID)
	}
	if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting github runner %s: %w", identity.InstanceID.Name(), err)
	}
	return nil
}

// CheckJobBeenPickedUp parses jobURL (an Actions job URL) and checks
// whether any runner has picked it up.
func (p *Provider) CheckJobBeenPickedUp(ctx context.Context, metadata models.RunnerMetadata, jobURL string) (bool, error) {
	owner, repo, runID, ok := parseJobURL(jobURL)
	if !ok {
		return false, fmt.Errorf("%w: %s", platform.ErrJobURLFormat, jobURL)
	}

	jobs, _, err := p.client.Actions.ListWorkflowJobs(ctx, owner, repo, runID, nil)
	if err != nil {
		return false, fmt.Errorf("listing workflow jobs: %w", err)
	}
	if jobs == nil || len(jobs.Jobs) == 0 {
		return false, fmt.Errorf("%w: job %s", platform.ErrNotFound, jobURL)
	}
	for _, j := range jobs.Jobs {
		if j.GetRunnerName() != "" {
			return true, nil
		}
	}
	return false, nil
}

// GetJobInfo looks up job metadata for a workflow run.
func (p *Provider) GetJobInfo(ctx context.Context, metadata models.RunnerMetadata, repo, workflowRunID string, id models.InstanceID) (platform.JobInfo, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return platform.JobInfo{}, fmt.Errorf("repository %q is not owner/repo form", repo)
	}
	runID, err := strconv.ParseInt(workflowRunID, 10, 64)
	if err != nil {
		return platform.JobInfo{}, fmt.Errorf("parsing workflow run id: %w", err)
	}

	jobs, _, err := p.client.Actions.ListWorkflowJobs(ctx, parts[0], parts[1], runID, nil)
	if err != nil {
		return platform.JobInfo{}, fmt.Errorf("listing workflow jobs: %w", err)
	}
	for _, j := range jobs.Jobs {
		if j.GetRunnerName() == id.Name() {
			return platform.JobInfo{
				Repository:    repo,
				WorkflowRunID: workflowRunID,
				JobID:         strconv.FormatInt(j.GetID(), 10),
				RunnerName:    j.GetRunnerName(),
			}, nil
		}
	}
	return platform.JobInfo{}, fmt.Errorf("%w: no job assigned to runner %s", platform.ErrNotFound, id.Name())
}

// parseJobURL extracts owner/repo/run-id from a GitHub Actions run URL of
// the form https://github.com/{owner}/{repo}/actions/runs/{id} or the API
// form https://api.github.com/repos/{owner}/{repo}/actions/runs/{id}.
func parseJobURL(jobURL string) (owner, repo string, runID int64, ok bool) {
	u, err := url.Parse(jobURL)
	if err != nil {
		return "", "", 0, false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "runs" && i+1 < len(segments) {
			id, err := strconv.ParseInt(segments[i+1], 10, 64)
			if err != nil {
				continue
			}
			// Walk backwards to find owner/repo before "actions/runs/{id}".
			if i >= 3 && segments[i-1] == "actions" {
				return segments[i-3], segments[i-2], id, true
			}
			if i >= 2 {
				return segments[0], segments[1], id, true
			}
		}
	}
	return "", "", 0, false
}
