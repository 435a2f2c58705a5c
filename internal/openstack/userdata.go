package openstack

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"text/template"

	"github.com/thpham/fleetd/internal/config"
)

// userdataTemplate composes the cloud-init script a runner VM executes at
// boot. Rendering is stdlib text/template (justified in DESIGN.md: no pack
// dependency offers Jinja2-equivalent templating, and userdata is shell, not
// HTML, so html/template's autoescaping would actively corrupt it).
var userdataTemplate = template.Must(template.New("userdata").Parse(`#!/bin/bash
set -eux

{{if .UseAproxy}}
# aproxy transparent proxy redirect
{{range .AproxyRedirectPorts}}iptables -t nat -A OUTPUT -p tcp --dport {{.}} -j REDIRECT --to-ports 8443
{{end}}
{{end}}

{{if .DockerhubMirror}}
echo '{"registry-mirrors": ["{{.DockerhubMirror}}"]}' > /etc/docker/daemon.json
{{end}}

{{if .SSHDebugInfo}}
# tmate ssh debug connection
export SSH_DEBUG_HOST="{{.SSHDebugInfo}}"
{{end}}

cat <<'PREJOB' > /home/ubuntu/actions-runner/pre-job.sh
{{.PreJobContents}}
PREJOB
chmod +x /home/ubuntu/actions-runner/pre-job.sh

{{.RunScript}}
`))

type userdataParams struct {
	UseAproxy           bool
	AproxyRedirectPorts []string
	DockerhubMirror     string
	SSHDebugInfo        string
	PreJobContents      string
	RunScript           string
}

// preJobTemplate renders the pre-job shell snippet: metrics exchange path
// plus an optional repo-policy-compliance check.
var preJobTemplate = template.Must(template.New("prejob").Parse(`METRICS_EXCHANGE_PATH="{{.MetricsExchangePath}}"
{{if .DoRepoPolicyCheck}}
REPO_POLICY_BASE_URL="{{.RepoPolicyBaseURL}}"
REPO_POLICY_ONE_TIME_TOKEN="{{.RepoPolicyOneTimeToken}}"
{{end}}
{{if .CustomPreJobScript}}
{{.CustomPreJobScript}}
{{end}}
`))

type preJobParams struct {
	MetricsExchangePath    string
	DoRepoPolicyCheck      bool
	RepoPolicyBaseURL      string
	RepoPolicyOneTimeToken string
	CustomPreJobScript     string
}

// metricsExchangePath is where the runner writes its metric files, pulled
// back by the cloud provider's SSH-based metric retrieval.
const metricsExchangePath = "/home/ubuntu/.fleetd-metrics"

// GenerateCloudInit renders the cloud-init userdata for a runner VM,
// embedding the platform's registration/boot script (runScript) and the
// service-wide proxy/aproxy/ssh-debug/repo-policy settings.
func GenerateCloudInit(svc config.ServiceConfig, runScript string, repoPolicyOneTimeToken string) (string, error) {
	var sshDebug string
	if len(svc.SSHDebugConnections) > 0 {
		sshDebug = pickSSHDebugConnection(svc.SSHDebugConnections)
	}

	useAproxy := svc.UseAproxy
	if svc.RunnerProxy.HTTP == "" || len(svc.AproxyRedirectPorts) == 0 {
		useAproxy = false
	}

	preJob := preJobParams{
		MetricsExchangePath: metricsExchangePath,
		CustomPreJobScript:  svc.CustomPreJobScript,
	}
	if svc.RepoPolicyCompliance != nil {
		preJob.DoRepoPolicyCheck = true
		preJob.RepoPolicyBaseURL = svc.RepoPolicyCompliance.URL
		preJob.RepoPolicyOneTimeToken = repoPolicyOneTimeToken
	}

	var preJobBuf bytes.Buffer
	if err := preJobTemplate.Execute(&preJobBuf, preJob); err != nil {
		return "", fmt.Errorf("rendering pre-job script: %w", err)
	}

	params := userdataParams{
		UseAproxy:           useAproxy,
		AproxyRedirectPorts: svc.AproxyRedirectPorts,
		DockerhubMirror:     svc.DockerhubMirror,
		SSHDebugInfo:        sshDebug,
		PreJobContents:      preJobBuf.String(),
		RunScript:           runScript,
	}

	var buf bytes.Buffer
	if err := userdataTemplate.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("rendering cloud-init userdata: %w", err)
	}
	return buf.String(), nil
}

// pickSSHDebugConnection selects one configured debug connection at random.
func pickSSHDebugConnection(conns []config.SSHDebugConnection) string {
	if len(conns) == 1 {
		return formatSSHDebugConnection(conns[0])
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(conns))))
	if err != nil {
		return formatSSHDebugConnection(conns[0])
	}
	return formatSSHDebugConnection(conns[n.Int64()])
}

func formatSSHDebugConnection(c config.SSHDebugConnection) string {
	return strings.TrimSpace(fmt.Sprintf("%s:%d", c.Host, c.Port))
}
