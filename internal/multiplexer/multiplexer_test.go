package multiplexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/platform"
)

type fakeBackend struct {
	name   string
	health platform.RunnersHealthResponse
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) GetRunnerContext(ctx context.Context, metadata models.RunnerMetadata, id models.InstanceID, labels []string) (models.RunnerContext, models.RunnerInstance, error) {
	return models.RunnerContext{}, models.RunnerInstance{}, nil
}

func (b *fakeBackend) GetRunnerHealth(ctx context.Context, identity models.RunnerIdentity) (models.PlatformRunnerHealth, error) {
	return models.PlatformRunnerHealth{}, nil
}

func (b *fakeBackend) GetRunnersHealth(ctx context.Context, identities []models.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	return b.health, nil
}

func (b *fakeBackend) DeleteRunner(ctx context.Context, identity models.RunnerIdentity) error {
	return nil
}

func (b *fakeBackend) CheckJobBeenPickedUp(ctx context.Context, metadata models.RunnerMetadata, jobURL string) (bool, error) {
	return metadata.PlatformName == b.name, nil
}

func (b *fakeBackend) GetJobInfo(ctx context.Context, metadata models.RunnerMetadata, repo, workflowRunID string, id models.InstanceID) (platform.JobInfo, error) {
	return platform.JobInfo{}, nil
}

func TestMultiplexerRoutesByPlatformName(t *testing.T) {
	gh := &fakeBackend{name: "github"}
	jm := &fakeBackend{name: "job-manager"}
	m := New(gh, jm)

	ok, err := m.CheckJobBeenPickedUp(context.Background(), models.RunnerMetadata{PlatformName: "job-manager"}, "https://jobs.example.com/1")
	require.NoError(t, err)
	assert.True(t, ok, "expected the job-manager backend to be routed to")
}

func TestMultiplexerUnknownPlatformErrors(t *testing.T) {
	m := New(&fakeBackend{name: "github"})

	_, err := m.GetRunnerHealth(context.Background(), models.RunnerIdentity{Metadata: models.RunnerMetadata{PlatformName: "gitlab"}})
	assert.Error(t, err)
}

func TestGetRunnersHealthCallsEveryBackendEvenWithEmptySubset(t *testing.T) {
	gh := &fakeBackend{name: "github", health: platform.RunnersHealthResponse{
		NonRequested: []models.PlatformRunnerHealth{{}},
	}}
	jm := &fakeBackend{name: "job-manager"}
	m := New(gh, jm)

	resp, err := m.GetRunnersHealth(context.Background(), []models.RunnerIdentity{
		{Metadata: models.RunnerMetadata{PlatformName: "github"}},
	})
	require.NoError(t, err)
	assert.Len(t, resp.NonRequested, 1)
}
