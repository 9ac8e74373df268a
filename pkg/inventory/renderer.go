package inventory

import (
	"fmt"
	"strings"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// Render produces the INI inventory document for one stage. The node list
// is the candidate set; stage filtering is strict and removed nodes never
// appear. For the explicit-list stages (scale_add, remove) the caller
// passes exactly the nodes the operation targets.
func Render(cluster *types.Cluster, cred *types.Credential, stage types.Stage, nodes []*types.Node) (string, error) {
	user := "root"
	if cred != nil {
		user = cred.Username
	}

	live := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != types.NodeStatusRemoved {
			live = append(live, n)
		}
	}

	switch stage {
	case types.StageInitialMaster:
		target := filterRole(live, types.NodeRoleInitialMaster)
		if len(target) != 1 {
			return "", fmt.Errorf("stage %s requires exactly one initial master, found %d", stage, len(target))
		}
		return renderGroup("initial_master", target, user, "server", "initial_master"), nil

	case types.StageJoiningMasters:
		return renderGroup("joining_masters", filterRole(live, types.NodeRoleMaster), user, "server", "joining_master"), nil

	case types.StageWorkers:
		return renderGroup("workers", filterRole(live, types.NodeRoleWorker), user, "agent", "worker"), nil

	case types.StageAll, types.StageUninstall:
		return renderAll(live, user), nil

	case types.StageScaleAdd:
		return renderScaleAdd(live, user), nil

	case types.StageRemove:
		return renderRemove(live, user), nil
	}

	return "", fmt.Errorf("unknown stage: %s", stage)
}

func filterRole(nodes []*types.Node, role types.NodeRole) []*types.Node {
	var out []*types.Node
	for _, n := range nodes {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

func hostLine(n *types.Node, user, rke2Type, roleVar string) string {
	return fmt.Sprintf("%s ansible_host=%s ansible_user=%s rke2_type=%s node_role=%s",
		n.Hostname, n.ConnectIP(), user, rke2Type, roleVar)
}

func renderGroup(group string, nodes []*types.Node, user, rke2Type, roleVar string) string {
	lines := []string{"[" + group + "]"}
	for _, n := range nodes {
		lines = append(lines, hostLine(n, user, rke2Type, roleVar))
	}
	return strings.Join(lines, "\n") + "\n"
}

// renderAll emits the traditional masters/workers grouping used by the
// full-cluster playbooks.
func renderAll(nodes []*types.Node, user string) string {
	var lines []string

	lines = append(lines, "[masters]")
	for _, n := range nodes {
		if !n.Role.IsServer() {
			continue
		}
		roleVar := "joining_master"
		if n.Role == types.NodeRoleInitialMaster {
			roleVar = "initial_master"
		}
		lines = append(lines, hostLine(n, user, "server", roleVar))
	}

	lines = append(lines, "", "[workers]")
	for _, n := range nodes {
		if n.Role == types.NodeRoleWorker {
			lines = append(lines, hostLine(n, user, "agent", "worker"))
		}
	}

	lines = append(lines, "", "[k8s_cluster:children]", "masters", "workers")
	return strings.Join(lines, "\n") + "\n"
}

// renderScaleAdd classifies the explicit node list into new servers and new
// agents. Every server added to an existing cluster joins it; none is ever
// rendered as the initial master.
func renderScaleAdd(nodes []*types.Node, user string) string {
	var lines []string
	var servers, agents []*types.Node

	lines = append(lines, "[new_nodes]")
	for _, n := range nodes {
		if n.Role.IsServer() {
			servers = append(servers, n)
			lines = append(lines, hostLine(n, user, "server", "joining_master"))
		} else {
			agents = append(agents, n)
			lines = append(lines, hostLine(n, user, "agent", "worker"))
		}
	}

	lines = append(lines, "", "[new_servers]")
	for _, n := range servers {
		lines = append(lines, n.Hostname)
	}

	lines = append(lines, "", "[new_agents]")
	for _, n := range agents {
		lines = append(lines, n.Hostname)
	}

	return strings.Join(lines, "\n") + "\n"
}

func renderRemove(nodes []*types.Node, user string) string {
	var lines []string

	lines = append(lines, "[removed_servers]")
	for _, n := range nodes {
		if n.Role.IsServer() {
			lines = append(lines, hostLine(n, user, "server", "removed"))
		}
	}

	lines = append(lines, "", "[removed_agents]")
	for _, n := range nodes {
		if n.Role == types.NodeRoleWorker {
			lines = append(lines, hostLine(n, user, "agent", "removed"))
		}
	}

	return strings.Join(lines, "\n") + "\n"
}
