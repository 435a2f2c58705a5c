// Package platform defines the uniform platform-provider contract every
// backend (GitHub, job-manager) implements.
package platform

import (
	"context"
	"errors"

	"github.com/thpham/fleetd/internal/models"
)

// ErrNotFound is returned when the platform does not know about a runner or
// job.
var ErrNotFound = errors.New("platform: not found")

// ErrJobURLFormat is returned when a job URL does not satisfy a backend's
// format rules.
var ErrJobURLFormat = errors.New("platform: unrecognized job url format")

// RunnersHealthResponse partitions a requested identity set by outcome.
type RunnersHealthResponse struct {
	Requested       []models.PlatformRunnerHealth
	FailedRequested []models.RunnerIdentity
	NonRequested    []models.PlatformRunnerHealth
}

// JobInfo is the platform's view of a workflow job.
type JobInfo struct {
	Repository    string
	WorkflowRunID string
	JobID         string
	RunnerName    string
}

// Provider is the uniform capability contract a platform backend
// implements. No inheritance between backends; concrete backends each
// implement this interface directly.
type Provider interface {
	// Name identifies this backend for multiplexer routing.
	Name() string

	GetRunnerContext(ctx context.Context, metadata models.RunnerMetadata, id models.InstanceID, labels []string) (models.RunnerContext, models.RunnerInstance, error)
	GetRunnerHealth(ctx context.Context, identity models.RunnerIdentity) (models.PlatformRunnerHealth, error)
	GetRunnersHealth(ctx context.Context, identities []models.RunnerIdentity) (RunnersHealthResponse, error)
	DeleteRunner(ctx context.Context, identity models.RunnerIdentity) error
	CheckJobBeenPickedUp(ctx context.Context, metadata models.RunnerMetadata, jobURL string) (bool, error)
	GetJobInfo(ctx context.Context, metadata models.RunnerMetadata, repo, workflowRunID string, id models.InstanceID) (JobInfo, error)
}
