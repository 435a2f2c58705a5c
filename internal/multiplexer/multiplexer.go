// Package multiplexer federates several platform backends behind one
// platform.Provider-shaped interface, dispatching by RunnerMetadata's
// platform name.
package multiplexer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/platform"
)

// Multiplexer routes platform calls by metadata.PlatformName to the
// matching backend.
type Multiplexer struct {
	backends map[string]platform.Provider
}

// New builds a Multiplexer over the given backends, keyed by each backend's
// own Name().
func New(backends ...platform.Provider) *Multiplexer {
	m := &Multiplexer{backends: make(map[string]platform.Provider, len(backends))}
	for _, b := range backends {
		m.backends[b.Name()] = b
	}
	return m
}

func (m *Multiplexer) backendFor(name string) (platform.Provider, error) {
	b, ok := m.backends[name]
	if !ok {
		return nil, fmt.Errorf("no platform backend registered for %q", name)
	}
	return b, nil
}

func (m *Multiplexer) GetRunnerContext(ctx context.Context, metadata models.RunnerMetadata, id models.InstanceID, labels []string) (models.RunnerContext, models.RunnerInstance, error) {
	b, err := m.backendFor(metadata.PlatformName)
	if err != nil {
		return models.RunnerContext{}, models.RunnerInstance{}, err
	}
	return b.GetRunnerContext(ctx, metadata, id, labels)
}

func (m *Multiplexer) GetRunnerHealth(ctx context.Context, identity models.RunnerIdentity) (models.PlatformRunnerHealth, error) {
	b, err := m.backendFor(identity.Metadata.PlatformName)
	if err != nil {
		return models.PlatformRunnerHealth{}, err
	}
	return b.GetRunnerHealth(ctx, identity)
}

// GetRunnersHealth splits the requested set by backend and issues one call
// per registered backend concurrently (even a backend with an empty
// subset is called, so it can report non_requested_runners strays).
func (m *Multiplexer) GetRunnersHealth(ctx context.Context, identities []models.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	byBackend := make(map[string][]models.RunnerIdentity, len(m.backends))
	for name := range m.backends {
		byBackend[name] = nil
	}
	for _, id := range identities {
		byBackend[id.Metadata.PlatformName] = append(byBackend[id.Metadata.PlatformName], id)
	}

	type result struct {
		resp platform.RunnersHealthResponse
	}
	results := make([]result, 0, len(byBackend))
	names := make([]string, 0, len(byBackend))
	for name := range byBackend {
		names = append(names, name)
		results = append(results, result{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		subset := byBackend[name]
		backend, ok := m.backends[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			resp, err := backend.GetRunnersHealth(gctx, subset)
			if err != nil {
				return fmt.Errorf("backend %s: %w", name, err)
			}
			results[i].resp = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return platform.RunnersHealthResponse{}, err
	}

	var merged platform.RunnersHealthResponse
	for _, r := range results {
		merged.Requested = append(merged.Requested, r.resp.Requested...)
		merged.FailedRequested = append(merged.FailedRequested, r.resp.FailedRequested...)
		merged.NonRequested = append(merged.NonRequested, r.resp.NonRequested...)
	}
	return merged, nil
}

func (m *Multiplexer) DeleteRunner(ctx context.Context, identity models.RunnerIdentity) error {
	b, err := m.backendFor(identity.Metadata.PlatformName)
	if err != nil {
		return err
	}
	return b.DeleteRunner(ctx, identity)
}

func (m *Multiplexer) CheckJobBeenPickedUp(ctx context.Context, metadata models.RunnerMetadata, jobURL string) (bool, error) {
	b, err := m.backendFor(metadata.PlatformName)
	if err != nil {
		return false, err
	}
	return b.CheckJobBeenPickedUp(ctx, metadata, jobURL)
}

func (m *Multiplexer) GetJobInfo(ctx context.Context, metadata models.RunnerMetadata, repo, workflowRunID string, id models.InstanceID) (platform.JobInfo, error) {
	b, err := m.backendFor(metadata.PlatformName)
	if err != nil {
		return platform.JobInfo{}, err
	}
	return b.GetJobInfo(ctx, metadata, repo, workflowRunID, id)
}
