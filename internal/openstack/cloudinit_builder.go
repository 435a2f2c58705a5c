package openstack

import (
	"context"
	"fmt"

	"github.com/thpham/fleetd/internal/config"
	"github.com/thpham/fleetd/internal/models"
)

// TokenIssuer is the subset of the repo-policy-compliance client the
// CloudInitBuilder needs.
type TokenIssuer interface {
	GetOneTimeToken(ctx context.Context, id models.InstanceID) (string, error)
}

// CloudInitBuilder renders the full cloud-init userdata for a runner,
// combining the platform's boot script with the service-wide proxy/
// aproxy/ssh-debug settings and (when configured) a fresh repo-policy
// one-time token.
type CloudInitBuilder struct {
	svc        config.ServiceConfig
	repoPolicy TokenIssuer
}

// NewCloudInitBuilder builds a CloudInitBuilder. repoPolicy may be nil
// when serviceConfig.repoPolicyCompliance is not configured.
func NewCloudInitBuilder(svc config.ServiceConfig, repoPolicy TokenIssuer) *CloudInitBuilder {
	return &CloudInitBuilder{svc: svc, repoPolicy: repoPolicy}
}

// GenerateCloudInit renders the cloud-init document for id, satisfying
// runnermanager.CloudInitRenderer.
func (b *CloudInitBuilder) GenerateCloudInit(ctx context.Context, id models.InstanceID, runScript string) (string, error) {
	var token string
	if b.svc.RepoPolicyCompliance != nil && b.repoPolicy != nil {
		var err error
		token, err = b.repoPolicy.GetOneTimeToken(ctx, id)
		if err != nil {
			return "", fmt.Errorf("fetching repo-policy one-time token: %w", err)
		}
	}
	return GenerateCloudInit(b.svc, runScript, token)
}
