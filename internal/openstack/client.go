// Package openstack implements the Cloud Provider component: VM, keypair
// and security-group lifecycle on one OpenStack project, plus SSH-based
// metric file retrieval, all driven through gophercloud.
package openstack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"

	"github.com/thpham/fleetd/internal/config"
)

// maxTestedComputeMicroversion is the ceiling the cloud layer negotiates
// down to even if the cloud advertises something newer.
const maxTestedComputeMicroversion = "2.90"

// createServerTimeout bounds how long LaunchInstance waits for a server to
// reach ACTIVE before treating the attempt as failed.
const createServerTimeout = 5 * time.Minute

// Manager owns VM, keypair and security-group lifecycle for one OpenStack
// project, scoped to a VM name prefix.
type Manager struct {
	cfg        config.OpenStackConfiguration
	systemUser string
	keyDir     string

	log *logrus.Logger

	mu       sync.Mutex
	compute  *gophercloud.ServiceClient
	network  *gophercloud.ServiceClient

	// keypairSeen tracks when this process created each keypair, used by
	// Cleanup's age gate.
	keypairMu   sync.Mutex
	keypairSeen map[string]time.Time
}

// NewManager builds a Manager and establishes the authenticated OpenStack
// session. Transient keystone/SDK HTTP failures during connection
// acquisition are retried with a fixed small retry count and backoff.
func NewManager(cfg config.OpenStackConfiguration, systemUser, keyDir string, log *logrus.Logger) (*Manager, error) {
	m := &Manager{
		cfg:         cfg,
		systemUser:  systemUser,
		keyDir:      keyDir,
		log:         log,
		keypairSeen: make(map[string]time.Time),
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return m.connect()
		},
		Attempts: 3,
		Delay:    2 * time.Second,
		// Linear backoff: 2s after the first failure, 4s after the second.
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return time.Duration(attempt) * 2 * time.Second
		},
		Clock:       clock.WallClock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to establish openstack session: %w", err)
	}

	if err := m.EnsureSecurityGroup(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure security group: %w", err)
	}

	return m, nil
}

func (m *Manager) connect() error {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: m.cfg.Credentials.AuthURL,
		Username:         m.cfg.Credentials.Username,
		Password:         m.cfg.Credentials.Password,
		TenantName:       m.cfg.Credentials.ProjectName,
		DomainName:       m.cfg.Credentials.UserDomainName,
	}

	provider, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return fmt.Errorf("authenticating to openstack: %w", err)
	}

	endpointOpts := gophercloud.EndpointOpts{Region: m.cfg.Credentials.RegionName}

	compute, err := openstack.NewComputeV2(provider, endpointOpts)
	if err != nil {
		return fmt.Errorf("building compute client: %w", err)
	}
	compute.Microversion = negotiateMicroversion(compute.Microversion)

	network, err := openstack.NewNetworkV2(provider, endpointOpts)
	if err != nil {
		return fmt.Errorf("building network client: %w", err)
	}

	m.mu.Lock()
	m.compute = compute
	m.network = network
	m.mu.Unlock()
	return nil
}

// negotiateMicroversion caps the advertised microversion at
// maxTestedComputeMicroversion, comparing major.minor numerically rather
// than lexicographically.
func negotiateMicroversion(advertised string) string {
	if advertised == "" {
		return maxTestedComputeMicroversion
	}
	aMaj, aMin, ok1 := parseMicroversion(advertised)
	cMaj, cMin, ok2 := parseMicroversion(maxTestedComputeMicroversion)
	if !ok1 || !ok2 {
		return advertised
	}
	if aMaj > cMaj || (aMaj == cMaj && aMin > cMin) {
		return maxTestedComputeMicroversion
	}
	return advertised
}

func parseMicroversion(v string) (major, minor int, ok bool) {
	n, err := fmt.Sscanf(v, "%d.%d", &major, &minor)
	return major, minor, err == nil && n == 2
}
