package guard

import (
	"fmt"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// Result is a guardrail verdict. A rejection carries the precise reason;
// an accepted operation may still carry a non-fatal warning.
type Result struct {
	OK      bool
	Reason  string
	Warning string
}

func accept() Result {
	return Result{OK: true}
}

func reject(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// CheckBootstrapPrerequisite (G1) guards scale-add operations: joining
// nodes need a live initial master to join through. The join port is
// probed best-effort; an unreachable port rejects unless the caller opts
// out (the API surface never does).
func CheckBootstrapPrerequisite(cluster *types.Cluster, nodes []*types.Node, prober Prober, skipProbe bool) Result {
	var initial *types.Node
	for _, n := range nodes {
		if n.Role == types.NodeRoleInitialMaster && n.Status != types.NodeStatusRemoved {
			initial = n
			break
		}
	}

	if initial == nil {
		return reject("No initial master found. Cannot add joining masters or workers until initial master is created.")
	}
	if initial.Status != types.NodeStatusActive {
		return reject("Initial master '%s' is not active (status: %s). Cannot add nodes until initial master is fully operational.", initial.Hostname, initial.Status)
	}

	if skipProbe || cluster.APIAddr == "" || prober == nil {
		return accept()
	}
	if err := prober.Probe(fmt.Sprintf("%s:%d", cluster.APIAddr, JoinPort)); err != nil {
		return reject("Initial master join endpoint %s:%d is not reachable: %v", cluster.APIAddr, JoinPort, err)
	}
	return accept()
}

// CheckSafeRemoval (G2) guards scale-remove operations. The remaining
// active control-plane set must stay non-empty and preserve consensus
// majority of the pre-removal count; removing any control-plane node
// requires explicit confirmation. An even remaining count is allowed but
// flagged with a warning.
func CheckSafeRemoval(nodes []*types.Node, removals []*types.Node, confirmed bool) Result {
	var servers int
	for _, n := range nodes {
		if n.Role.IsServer() && n.Status != types.NodeStatusRemoved {
			servers++
		}
	}

	var removingServers int
	for _, n := range removals {
		if n.Role.IsServer() {
			removingServers++
		}
	}

	if removingServers == 0 {
		return accept()
	}

	if !confirmed {
		return reject("Removing control-plane nodes requires explicit confirmation. Add 'confirm_master_removal=true' to your request.")
	}

	remaining := servers - removingServers
	if remaining < 1 {
		return reject("Cannot remove all control-plane nodes. At least 1 required.")
	}

	quorum := servers/2 + 1
	if servers > 1 && remaining < quorum {
		return reject("Removing %d server(s) would break etcd quorum. Need at least %d servers.", removingServers, quorum)
	}

	result := accept()
	if remaining%2 == 0 {
		result.Warning = fmt.Sprintf("Removal leaves %d control-plane nodes (even number), which weakens etcd failure tolerance. Consider an odd count.", remaining)
	}
	return result
}

// SplitRoles (G3) partitions a scale-add request into its control-plane
// and worker parts. When both are present the orchestrator runs only the
// control-plane job and reports the workers as pending.
func SplitRoles(additions []*types.Node) (servers, workers []*types.Node) {
	for _, n := range additions {
		if n.Role.IsServer() {
			servers = append(servers, n)
		} else {
			workers = append(workers, n)
		}
	}
	return servers, workers
}

// CheckNodeIdentity (G4) rejects additions that collide with any
// non-removed node already in the cluster, or with each other, on hostname
// or on any address.
func CheckNodeIdentity(existing []*types.Node, additions []*types.Node) Result {
	hostnames := make(map[string]bool)
	ips := make(map[string]bool)

	record := func(n *types.Node) {
		hostnames[n.Hostname] = true
		if n.InternalIP != "" {
			ips[n.InternalIP] = true
		}
		if n.ExternalIP != "" {
			ips[n.ExternalIP] = true
		}
	}

	for _, n := range existing {
		if n.Status != types.NodeStatusRemoved {
			record(n)
		}
	}

	for _, n := range additions {
		if hostnames[n.Hostname] {
			return reject("Node with hostname '%s' already exists in cluster", n.Hostname)
		}
		for _, ip := range []string{n.InternalIP, n.ExternalIP} {
			if ip != "" && ips[ip] {
				return reject("Node with IP '%s' already exists in cluster", ip)
			}
		}
		record(n)
	}

	return accept()
}
