// Package config provides configuration loading and validation for fleetd.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level fleetd configuration document.
type Config struct {
	Name         string   `yaml:"name"`
	ExtraLabels  []string `yaml:"extraLabels"`
	LogLevel     string   `yaml:"logLevel"`
	LogFormat    string   `yaml:"logFormat"`
	DataDir      string   `yaml:"dataDir"`

	Server ServerConfig `yaml:"server"`

	GitHubConfig     *GitHubConfig     `yaml:"githubConfig"`
	JobManagerConfig *JobManagerConfig `yaml:"jobManagerConfig"`

	ServiceConfig ServiceConfig `yaml:"serviceConfig"`

	NonReactiveConfiguration NonReactiveConfiguration `yaml:"nonReactiveConfiguration"`
	ReactiveConfiguration    *ReactiveConfiguration    `yaml:"reactiveConfiguration"`

	OpenStackConfiguration OpenStackConfiguration `yaml:"openstackConfiguration"`

	// PlannerConfig is optional; when set, a Pressure Reconciler streams
	// desired-total signals from it for every non-reactive combination
	// instead of relying solely on the Scaler Façade's fixed base quantity.
	PlannerConfig *PlannerConfig `yaml:"plannerConfig"`
}

// PlannerConfig points at the planner service backing the Pressure
// Reconciler's create-loop.
type PlannerConfig struct {
	// BaseURL is the planner's scheme+host (e.g. "https://planner.example"),
	// with no path suffix; the client appends "/api/v1/flavors/...".
	BaseURL           string `yaml:"baseUrl"`
	ReconcileInterval int    `yaml:"reconcileIntervalMinutes"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metricsAddress"`
}

// GitHubConfig configures the GitHub platform backend.
type GitHubConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"tokenFile"`
	// Path is either "org/group" or "owner/repo", disambiguated by Scope.
	Path string `yaml:"path"`
	// Scope is "organization" or "repository" (default).
	Scope string `yaml:"scope"`
}

// IsOrganization reports whether Path names an organization+group rather
// than a single repository.
func (c *GitHubConfig) IsOrganization() bool {
	return strings.EqualFold(c.Scope, "organization")
}

// JobManagerConfig configures the generic job-manager platform backend.
type JobManagerConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Token   string `yaml:"token"`
}

// ProxyConfig carries outbound proxy settings for the manager process and,
// separately, for the spawned runner VMs.
type ProxyConfig struct {
	HTTP    string `yaml:"http"`
	HTTPS   string `yaml:"https"`
	NoProxy string `yaml:"noProxy"`
}

// SSHDebugConnection describes one tmate-style SSH debug endpoint offered to
// a runner at boot.
type SSHDebugConnection struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	RSAFingerprint     string `yaml:"rsaFingerprint"`
	Ed25519Fingerprint string `yaml:"ed25519Fingerprint"`
	UseRunnerHTTPProxy bool   `yaml:"useRunnerHttpProxy"`
	LocalProxyHost     string `yaml:"localProxyHost"`
	LocalProxyPort     int    `yaml:"localProxyPort"`
}

// RepoPolicyComplianceConfig configures the optional repo-policy-compliance
// one-time-token service wired into cloud-init.
type RepoPolicyComplianceConfig struct {
	Token string `yaml:"token"`
	URL   string `yaml:"url"`
}

// ServiceConfig carries ambient, cross-cutting runtime configuration.
type ServiceConfig struct {
	Proxy                  ProxyConfig                 `yaml:"proxy"`
	RunnerProxy            ProxyConfig                 `yaml:"runnerProxy"`
	UseAproxy              bool                        `yaml:"useAproxy"`
	AproxyRedirectPorts    []string                    `yaml:"aproxyRedirectPorts"`
	AproxyExcludeAddresses []string                    `yaml:"aproxyExcludeAddresses"`
	DockerhubMirror        string                      `yaml:"dockerhubMirror"`
	CustomPreJobScript     string                      `yaml:"customPreJobScript"`
	SSHDebugConnections    []SSHDebugConnection        `yaml:"sshDebugConnections"`
	RepoPolicyCompliance   *RepoPolicyComplianceConfig `yaml:"repoPolicyCompliance"`
}

// ImageSpec and FlavorSpec name an OpenStack image/flavor plus the runner
// labels they satisfy.
type ImageSpec struct {
	Name   string   `yaml:"name"`
	Labels []string `yaml:"labels"`
}

type FlavorSpec struct {
	Name   string   `yaml:"name"`
	Labels []string `yaml:"labels"`
}

// Combination pairs one image and flavor with a baseline VM count.
type Combination struct {
	Image               ImageSpec  `yaml:"image"`
	Flavor              FlavorSpec `yaml:"flavor"`
	BaseVirtualMachines int        `yaml:"baseVirtualMachines"`
}

// NonReactiveConfiguration lists the pressure/timer-driven combinations the
// manager keeps alive.
type NonReactiveConfiguration struct {
	Combinations []Combination `yaml:"combinations"`
}

// QueueConfig points at the durable reactive-job queue.
type QueueConfig struct {
	MongoDBURI string `yaml:"mongodbUri"`
	QueueName  string `yaml:"queueName"`
}

// ReactiveConfiguration configures the reactive consumer pool.
type ReactiveConfiguration struct {
	Queue                   QueueConfig  `yaml:"queue"`
	MaxTotalVirtualMachines int          `yaml:"maxTotalVirtualMachines"`
	Images                  []ImageSpec  `yaml:"images"`
	Flavors                 []FlavorSpec `yaml:"flavors"`
}

// OpenStackCredentials are the Keystone v3 password-auth credentials.
type OpenStackCredentials struct {
	AuthURL           string `yaml:"authUrl"`
	ProjectName       string `yaml:"projectName"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	UserDomainName    string `yaml:"userDomainName"`
	ProjectDomainName string `yaml:"projectDomainName"`
	RegionName        string `yaml:"regionName"`
}

// OpenStackConfiguration configures the cloud provider.
type OpenStackConfiguration struct {
	VMPrefix    string               `yaml:"vmPrefix"`
	Network     string               `yaml:"network"`
	Credentials OpenStackCredentials `yaml:"credentials"`
}

// Load reads configuration from a YAML file, expanding environment
// variables, applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if cfg.GitHubConfig != nil && cfg.GitHubConfig.TokenFile != "" && cfg.GitHubConfig.Token == "" {
		token, err := os.ReadFile(cfg.GitHubConfig.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read github token file: %w", err)
		}
		cfg.GitHubConfig.Token = strings.TrimSpace(string(token))
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0:8084"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = "127.0.0.1:8085"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/fleetd"
	}
	if c.ReactiveConfiguration != nil && c.ReactiveConfiguration.Queue.QueueName == "" {
		c.ReactiveConfiguration.Queue.QueueName = "reactive-jobs"
	}
	if c.GitHubConfig != nil && c.GitHubConfig.Scope == "" {
		c.GitHubConfig.Scope = "repository"
	}
	if c.PlannerConfig != nil && c.PlannerConfig.ReconcileInterval == 0 {
		c.PlannerConfig.ReconcileInterval = 5
	}
}

// validate checks that the configuration is internally consistent: e.g.
// use_aproxy implying a non-empty runner proxy is enforced here, as a
// validation rule, rather than as a buried runtime check downstream.
func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.OpenStackConfiguration.Credentials.AuthURL == "" {
		return fmt.Errorf("openstackConfiguration.credentials.authUrl is required")
	}
	if c.OpenStackConfiguration.VMPrefix == "" {
		return fmt.Errorf("openstackConfiguration.vmPrefix is required")
	}

	if c.ServiceConfig.UseAproxy && c.ServiceConfig.RunnerProxy.HTTP == "" {
		return fmt.Errorf("serviceConfig.useAproxy requires serviceConfig.runnerProxy.http to be set")
	}
	for i, conn := range c.ServiceConfig.SSHDebugConnections {
		if conn.Port < 1 || conn.Port > 65535 {
			return fmt.Errorf("serviceConfig.sshDebugConnections[%d].port must be in 1-65535", i)
		}
	}

	if len(c.NonReactiveConfiguration.Combinations) == 0 && c.ReactiveConfiguration == nil {
		return fmt.Errorf("at least one of nonReactiveConfiguration.combinations or reactiveConfiguration must be set")
	}
	if c.GitHubConfig == nil && c.JobManagerConfig == nil {
		return fmt.Errorf("at least one of githubConfig or jobManagerConfig must be set")
	}
	if c.JobManagerConfig != nil && c.JobManagerConfig.BaseURL == "" {
		return fmt.Errorf("jobManagerConfig.baseUrl is required")
	}
	for i, combo := range c.NonReactiveConfiguration.Combinations {
		if combo.Image.Name == "" {
			return fmt.Errorf("nonReactiveConfiguration.combinations[%d].image.name is required", i)
		}
		if combo.Flavor.Name == "" {
			return fmt.Errorf("nonReactiveConfiguration.combinations[%d].flavor.name is required", i)
		}
		if combo.BaseVirtualMachines < 0 {
			return fmt.Errorf("nonReactiveConfiguration.combinations[%d].baseVirtualMachines cannot be negative", i)
		}
	}

	if c.ReactiveConfiguration != nil {
		if c.ReactiveConfiguration.Queue.MongoDBURI == "" {
			return fmt.Errorf("reactiveConfiguration.queue.mongodbUri is required")
		}
		if c.ReactiveConfiguration.MaxTotalVirtualMachines < 0 {
			return fmt.Errorf("reactiveConfiguration.maxTotalVirtualMachines cannot be negative")
		}
	}

	return nil
}

// GetGitHubToken returns the configured GitHub token, if any.
func (c *Config) GetGitHubToken() string {
	if c.GitHubConfig == nil {
		return ""
	}
	return c.GitHubConfig.Token
}

// SupportedLabels returns the union of extra labels and every image/flavor
// label across both reactive and non-reactive configuration, used by the
// reactive consumer to validate incoming job labels.
func (c *Config) SupportedLabels() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(labels []string) {
		for _, l := range labels {
			key := strings.ToLower(l)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, l)
		}
	}
	add(c.ExtraLabels)
	for _, combo := range c.NonReactiveConfiguration.Combinations {
		add(combo.Image.Labels)
		add(combo.Flavor.Labels)
	}
	if c.ReactiveConfiguration != nil {
		for _, img := range c.ReactiveConfiguration.Images {
			add(img.Labels)
		}
		for _, fl := range c.ReactiveConfiguration.Flavors {
			add(fl.Labels)
		}
	}
	return out
}
