package preflight

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// ReportMarker prefixes the line on which the check playbook emits its
// machine-readable report.
const ReportMarker = "PREFLIGHT_JSON "

// Parse extracts the structured report a check playbook printed into the
// job output. The last marker line wins.
func Parse(output string) (*Report, error) {
	var payload string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if idx := strings.Index(line, ReportMarker); idx >= 0 {
			payload = line[idx+len(ReportMarker):]
		}
	}
	if payload == "" {
		return nil, fmt.Errorf("no preflight report found in output")
	}

	var report Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("failed to decode preflight report: %w", err)
	}
	return &report, nil
}

// Collect runs the controller-side checks that need no remote execution:
// topology shape, join-port reachability, and version-skew against the
// requested target. Remote facts come from the check playbook and are
// merged by the caller.
func Collect(cluster *types.Cluster, nodes []*types.Node, prober guard.Prober, targetVersion string) *Report {
	live := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != types.NodeStatusRemoved {
			live = append(live, n)
		}
	}

	report := NewReport(cluster.ID, cluster.Name, cluster.Version, targetVersion, len(live))

	report.Add(checkControlPlaneShape(live))
	report.Add(checkNodeHealth(live))
	if prober != nil && cluster.APIAddr != "" {
		report.Add(checkJoinEndpoint(cluster, prober))
	}
	if targetVersion != "" {
		report.Add(checkVersionSkew(cluster.Version, targetVersion))
	}

	report.Finalize()
	return report
}

func checkControlPlaneShape(nodes []*types.Node) CheckResult {
	var servers int
	for _, n := range nodes {
		if n.Role.IsServer() {
			servers++
		}
	}

	result := CheckResult{
		CheckID:  "control_plane_shape",
		Category: "rke2",
		Severity: SeverityOK,
		Message:  fmt.Sprintf("%d control-plane node(s)", servers),
		RawData:  map[string]any{"server_count": servers},
	}
	switch {
	case servers == 0:
		result.Severity = SeverityCritical
		result.Message = "No control-plane nodes in topology"
	case servers%2 == 0:
		result.Severity = SeverityWarn
		result.Message = fmt.Sprintf("%d control-plane nodes (even number) weakens etcd failure tolerance", servers)
	}
	return result
}

func checkNodeHealth(nodes []*types.Node) CheckResult {
	var failed []string
	for _, n := range nodes {
		if n.Status == types.NodeStatusFailed {
			failed = append(failed, n.Hostname)
		}
	}

	if len(failed) > 0 {
		return CheckResult{
			CheckID:  "node_health",
			Category: "rke2",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%d node(s) in failed state: %s", len(failed), strings.Join(failed, ", ")),
			RawData:  map[string]any{"failed_nodes": failed},
		}
	}
	return CheckResult{
		CheckID:  "node_health",
		Category: "rke2",
		Severity: SeverityOK,
		Message:  fmt.Sprintf("All %d node(s) healthy in topology", len(nodes)),
	}
}

func checkJoinEndpoint(cluster *types.Cluster, prober guard.Prober) CheckResult {
	addr := fmt.Sprintf("%s:%d", cluster.APIAddr, guard.JoinPort)
	if err := prober.Probe(addr); err != nil {
		return CheckResult{
			CheckID:  "join_endpoint",
			Category: "network",
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("Join endpoint %s not reachable from controller: %v", addr, err),
		}
	}
	return CheckResult{
		CheckID:  "join_endpoint",
		Category: "network",
		Severity: SeverityOK,
		Message:  fmt.Sprintf("Join endpoint %s reachable", addr),
	}
}

// checkVersionSkew flags upgrades that jump more than one Kubernetes minor,
// which RKE2 does not support in a single step.
func checkVersionSkew(current, target string) CheckResult {
	curMinor, err1 := minorOf(current)
	tgtMinor, err2 := minorOf(target)

	result := CheckResult{
		CheckID:  "version_skew",
		Category: "rke2",
		RawData:  map[string]any{"current": current, "target": target},
	}
	switch {
	case err1 != nil || err2 != nil:
		result.Severity = SeverityWarn
		result.Message = fmt.Sprintf("Could not compare versions %q -> %q", current, target)
	case tgtMinor < curMinor:
		result.Severity = SeverityCritical
		result.Message = fmt.Sprintf("Target %s is older than current %s; downgrades are not supported", target, current)
	case tgtMinor-curMinor > 1:
		result.Severity = SeverityCritical
		result.Message = fmt.Sprintf("Upgrade %s -> %s skips %d minor version(s); upgrade one minor at a time", current, target, tgtMinor-curMinor-1)
	default:
		result.Severity = SeverityOK
		result.Message = fmt.Sprintf("Upgrade path %s -> %s is a supported step", current, target)
	}
	return result
}

// minorOf extracts the Kubernetes minor from an RKE2 version string such as
// "v1.28.5+rke2r1".
func minorOf(version string) (int, error) {
	v := strings.TrimPrefix(version, "v")
	if idx := strings.IndexAny(v, "+-"); idx >= 0 {
		v = v[:idx]
	}
	parts := strings.Split(v, ".")
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed version: %q", version)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed version: %q", version)
	}
	return minor, nil
}
