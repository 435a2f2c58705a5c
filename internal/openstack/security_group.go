package openstack

import (
	"context"
	"fmt"

	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/groups"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/pagination"
)

// securityGroupName is the project-scoped security group the fleet shares.
const securityGroupName = "github-runner-v1"

// desiredRule is a minimal, comparable projection of a security group rule.
type desiredRule struct {
	direction    string
	etherType    string
	protocol     string
	portRangeMin int
	portRangeMax int
}

// defaultSecurityRules lists the rules every fleet VM needs: ICMP ingress,
// SSH ingress, tmate egress, plus one ingress rule per configured extra
// port.
func defaultSecurityRules(extraIngressTCPPorts []int) []desiredRule {
	out := []desiredRule{
		{direction: "ingress", etherType: "IPv4", protocol: "icmp"},
		{direction: "ingress", etherType: "IPv4", protocol: "tcp", portRangeMin: 22, portRangeMax: 22},
		{direction: "egress", etherType: "IPv4", protocol: "tcp", portRangeMin: 10022, portRangeMax: 10022},
	}
	for _, p := range extraIngressTCPPorts {
		out = append(out, desiredRule{direction: "ingress", etherType: "IPv4", protocol: "tcp", portRangeMin: p, portRangeMax: p})
	}
	return out
}

// ruleMatches reports whether an existing rule satisfies a desired rule:
// protocol, direction, ethertype, and (if applicable) both port-range
// endpoints must be equal.
func ruleMatches(existing rules.SecGroupRule, want desiredRule) bool {
	if existing.Direction != want.direction {
		return false
	}
	if existing.EtherType != want.etherType {
		return false
	}
	if existing.Protocol != want.protocol {
		return false
	}
	if want.protocol == "tcp" {
		if existing.PortRangeMin != want.portRangeMin || existing.PortRangeMax != want.portRangeMax {
			return false
		}
	}
	return true
}

// EnsureSecurityGroup ensures the shared security group and its required
// rules exist, creating only what is missing. Idempotent: a second call in
// a row makes no change.
func (m *Manager) EnsureSecurityGroup(ctx context.Context) error {
	return m.ensureSecurityGroupWithExtraPorts(ctx, nil)
}

func (m *Manager) ensureSecurityGroupWithExtraPorts(ctx context.Context, extraIngressTCPPorts []int) error {
	groupID, err := m.findOrCreateSecurityGroup(ctx)
	if err != nil {
		return err
	}

	existing, err := m.listSecurityGroupRules(ctx, groupID)
	if err != nil {
		return fmt.Errorf("listing security group rules: %w", err)
	}

	for _, want := range defaultSecurityRules(extraIngressTCPPorts) {
		matched := false
		for _, have := range existing {
			if ruleMatches(have, want) {
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		opts := rules.CreateOpts{
			Direction:      rules.RuleDirection(want.direction),
			EtherType:      rules.RuleEtherType(want.etherType),
			SecGroupID:     groupID,
			PortRangeMin:   want.portRangeMin,
			PortRangeMax:   want.portRangeMax,
			Protocol:       rules.RuleProtocol(want.protocol),
		}
		if want.portRangeMin == 0 && want.portRangeMax == 0 {
			opts.PortRangeMin = 0
			opts.PortRangeMax = 0
		}
		if _, err := rules.Create(m.network, opts).Extract(); err != nil {
			return fmt.Errorf("creating security group rule %+v: %w", want, err)
		}
	}

	return nil
}

func (m *Manager) findOrCreateSecurityGroup(ctx context.Context) (string, error) {
	var found string
	pager := groups.List(m.network, groups.ListOpts{Name: securityGroupName})
	err := pager.EachPage(func(page pagination.Page) (bool, error) {
		list, err := groups.ExtractGroups(page)
		if err != nil {
			return false, err
		}
		for _, g := range list {
			if g.Name == securityGroupName {
				found = g.ID
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("listing security groups: %w", err)
	}
	if found != "" {
		return found, nil
	}

	created, err := groups.Create(m.network, groups.CreateOpts{
		Name:        securityGroupName,
		Description: "fleetd shared security group",
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("creating security group: %w", err)
	}
	return created.ID, nil
}

func (m *Manager) listSecurityGroupRules(ctx context.Context, groupID string) ([]rules.SecGroupRule, error) {
	var out []rules.SecGroupRule
	pager := rules.List(m.network, rules.ListOpts{SecGroupID: groupID})
	err := pager.EachPage(func(page pagination.Page) (bool, error) {
		list, err := rules.ExtractRules(page)
		if err != nil {
			return false, err
		}
		out = append(out, list...)
		return true, nil
	})
	return out, err
}
