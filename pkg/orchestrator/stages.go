package orchestrator

import (
	"fmt"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// Playbook file names, relative to the playbook directory.
const (
	playbookInstall   = "install_rke2.yml"
	playbookAddNode   = "add_node.yml"
	playbookRemove    = "remove_node.yml"
	playbookUninstall = "uninstall_rke2.yml"
)

// stage is one computed phase of an operation.
type stage struct {
	Tag      types.Stage
	Playbook string

	// Participants have their status transitioned around the playbook run.
	Participants []*types.Node

	// InventoryNodes is the candidate set handed to the renderer; for
	// explicit-list stages it equals Participants.
	InventoryNodes []*types.Node

	EnterStatus types.NodeStatus
	ExitStatus  types.NodeStatus
}

// stagesFor computes the strict stage sequence for an operation. Ordering
// matters: the initial master must be up before anything joins it.
func (o *Orchestrator) stagesFor(op Operation) ([]stage, error) {
	nodes, err := o.store.ListNodes(op.Cluster.ID)
	if err != nil {
		return nil, err
	}

	live := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != types.NodeStatusRemoved {
			live = append(live, n)
		}
	}

	switch op.Job.Kind {
	case types.JobKindInstall:
		return installStages(live)

	case types.JobKindScaleAddMasters, types.JobKindScaleAddWorkers:
		if len(op.Targets) == 0 {
			return nil, fmt.Errorf("scale-add requires target nodes")
		}
		return []stage{{
			Tag:            types.StageScaleAdd,
			Playbook:       playbookAddNode,
			Participants:   op.Targets,
			InventoryNodes: op.Targets,
			EnterStatus:    types.NodeStatusInstalling,
			ExitStatus:     types.NodeStatusActive,
		}}, nil

	case types.JobKindScaleRemove:
		if len(op.Targets) == 0 {
			return nil, fmt.Errorf("scale-remove requires target nodes")
		}
		return []stage{{
			Tag:            types.StageRemove,
			Playbook:       playbookRemove,
			Participants:   op.Targets,
			InventoryNodes: op.Targets,
			EnterStatus:    types.NodeStatusDraining,
			ExitStatus:     types.NodeStatusRemoved,
		}}, nil

	case types.JobKindUninstall:
		return []stage{{
			Tag:            types.StageUninstall,
			Playbook:       playbookUninstall,
			Participants:   live,
			InventoryNodes: live,
			EnterStatus:    types.NodeStatusDraining,
			ExitStatus:     types.NodeStatusRemoved,
		}}, nil
	}

	return nil, fmt.Errorf("unknown job kind: %s", op.Job.Kind)
}

// installStages orders a fresh install: bootstrap the initial master, then
// join the remaining control plane, then the workers. Stages with no
// members are skipped.
func installStages(live []*types.Node) ([]stage, error) {
	var initial, joining, workers []*types.Node
	for _, n := range live {
		switch n.Role {
		case types.NodeRoleInitialMaster:
			initial = append(initial, n)
		case types.NodeRoleMaster:
			joining = append(joining, n)
		case types.NodeRoleWorker:
			workers = append(workers, n)
		}
	}

	if len(initial) != 1 {
		return nil, fmt.Errorf("install requires exactly one initial master, found %d", len(initial))
	}

	stages := []stage{{
		Tag:            types.StageInitialMaster,
		Playbook:       playbookInstall,
		Participants:   initial,
		InventoryNodes: live,
		EnterStatus:    types.NodeStatusInstalling,
		ExitStatus:     types.NodeStatusActive,
	}}

	if len(joining) > 0 {
		stages = append(stages, stage{
			Tag:            types.StageJoiningMasters,
			Playbook:       playbookInstall,
			Participants:   joining,
			InventoryNodes: live,
			EnterStatus:    types.NodeStatusInstalling,
			ExitStatus:     types.NodeStatusActive,
		})
	}

	if len(workers) > 0 {
		stages = append(stages, stage{
			Tag:            types.StageWorkers,
			Playbook:       playbookInstall,
			Participants:   workers,
			InventoryNodes: live,
			EnterStatus:    types.NodeStatusInstalling,
			ExitStatus:     types.NodeStatusActive,
		})
	}

	return stages, nil
}

// refreshInstallStage recomputes the cluster's coarse installation stage
// from node statuses after a successful operation.
func (o *Orchestrator) refreshInstallStage(clusterID int64) {
	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return
	}
	nodes, err := o.store.ListNodes(clusterID)
	if err != nil {
		return
	}

	var masters, workers, activeMasters, activeWorkers int
	for _, n := range nodes {
		if n.Status == types.NodeStatusRemoved {
			continue
		}
		if n.Role.IsServer() {
			masters++
			if n.Status == types.NodeStatusActive {
				activeMasters++
			}
		} else {
			workers++
			if n.Status == types.NodeStatusActive {
				activeWorkers++
			}
		}
	}

	switch {
	case activeMasters == 0:
		cluster.InstallStage = "pending"
	case workers == 0:
		cluster.InstallStage = "control_plane_ready"
	case activeWorkers == 0:
		cluster.InstallStage = "workers_installing"
	case activeMasters == masters && activeWorkers == workers:
		cluster.InstallStage = "active"
	default:
		cluster.InstallStage = "workers_ready"
	}

	o.store.UpdateCluster(cluster)
}
