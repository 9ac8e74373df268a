package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// NodeStatus is one node as reported by the cluster itself.
type NodeStatus struct {
	Name       string `json:"name"`
	Roles      string `json:"roles"`
	Status     string `json:"status"`
	Version    string `json:"version"`
	InternalIP string `json:"internal_ip"`
	OSImage    string `json:"os_image"`
}

// ClusterStatus is the structured document the UI consumes. It is collected
// out of band and never used by the orchestrator's correctness path.
type ClusterStatus struct {
	ClusterID       int64        `json:"cluster_id"`
	ClusterName     string       `json:"cluster_name"`
	Nodes           []NodeStatus `json:"nodes"`
	CollectedAt     time.Time    `json:"collected_at"`
	DurationSeconds float64      `json:"collection_duration_seconds"`
}

// StatusProber collects a cluster's live status.
type StatusProber interface {
	Status(ctx context.Context, cluster *types.Cluster) (*ClusterStatus, error)
}

// KubectlProber collects status by running kubectl against the cluster's
// stored kubeconfig.
type KubectlProber struct {
	// WorkDir is where the transient kubeconfig is written.
	WorkDir string

	// Timeout bounds one collection (default: 30 seconds).
	Timeout time.Duration
}

// Status runs kubectl get nodes and reshapes the result.
func (p *KubectlProber) Status(ctx context.Context, cluster *types.Cluster) (*ClusterStatus, error) {
	if cluster.Kubeconfig == "" {
		return nil, fmt.Errorf("cluster %d has no kubeconfig", cluster.ID)
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	kubeconfigPath := filepath.Join(p.WorkDir, fmt.Sprintf("status-%s.kubeconfig", uuid.NewString()[:8]))
	if err := os.WriteFile(kubeconfigPath, []byte(cluster.Kubeconfig), 0600); err != nil {
		return nil, fmt.Errorf("failed to write kubeconfig: %w", err)
	}
	defer os.Remove(kubeconfigPath)

	start := time.Now()
	out, err := exec.CommandContext(ctx, "kubectl", "--kubeconfig", kubeconfigPath, "get", "nodes", "-o", "json").Output()
	if err != nil {
		return nil, fmt.Errorf("kubectl get nodes failed: %w", err)
	}

	nodes, err := parseNodeList(out)
	if err != nil {
		return nil, err
	}

	return &ClusterStatus{
		ClusterID:       cluster.ID,
		ClusterName:     cluster.Name,
		Nodes:           nodes,
		CollectedAt:     start.UTC(),
		DurationSeconds: time.Since(start).Seconds(),
	}, nil
}

// nodeList mirrors the fields of kubectl's node list output we consume.
type nodeList struct {
	Items []struct {
		Metadata struct {
			Name   string            `json:"name"`
			Labels map[string]string `json:"labels"`
		} `json:"metadata"`
		Status struct {
			Conditions []struct {
				Type   string `json:"type"`
				Status string `json:"status"`
			} `json:"conditions"`
			Addresses []struct {
				Type    string `json:"type"`
				Address string `json:"address"`
			} `json:"addresses"`
			NodeInfo struct {
				KubeletVersion string `json:"kubeletVersion"`
				OSImage        string `json:"osImage"`
			} `json:"nodeInfo"`
		} `json:"status"`
	} `json:"items"`
}

func parseNodeList(data []byte) ([]NodeStatus, error) {
	var list nodeList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode node list: %w", err)
	}

	nodes := make([]NodeStatus, 0, len(list.Items))
	for _, item := range list.Items {
		node := NodeStatus{
			Name:    item.Metadata.Name,
			Status:  "NotReady",
			Version: item.Status.NodeInfo.KubeletVersion,
			OSImage: item.Status.NodeInfo.OSImage,
			Roles:   rolesFromLabels(item.Metadata.Labels),
		}
		for _, cond := range item.Status.Conditions {
			if cond.Type == "Ready" && cond.Status == "True" {
				node.Status = "Ready"
			}
		}
		for _, addr := range item.Status.Addresses {
			if addr.Type == "InternalIP" {
				node.InternalIP = addr.Address
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func rolesFromLabels(labels map[string]string) string {
	var roles []string
	for label := range labels {
		if rest, ok := strings.CutPrefix(label, "node-role.kubernetes.io/"); ok {
			roles = append(roles, rest)
		}
	}
	if len(roles) == 0 {
		return "agent"
	}
	return strings.Join(roles, ",")
}
