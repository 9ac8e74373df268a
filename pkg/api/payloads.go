package api

import (
	"fmt"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// NodeInput is one node in a cluster-create request.
type NodeInput struct {
	Hostname    string            `json:"hostname" binding:"required"`
	InternalIP  string            `json:"internal_ip" binding:"required"`
	ExternalIP  string            `json:"external_ip"`
	UseExternal bool              `json:"use_external"`
	Role        string            `json:"role" binding:"required"`
	Vars        map[string]string `json:"node_vars"`
}

// ClusterCreateNew creates a fresh cluster the controller will install.
type ClusterCreateNew struct {
	Name         string                  `json:"name" binding:"required"`
	Version      string                  `json:"rke2_version" binding:"required"`
	CNI          string                  `json:"cni"`
	DataDir      string                  `json:"rke2_data_dir"`
	APIAddr      string                  `json:"rke2_api_ip"`
	Token        string                  `json:"rke2_token"`
	ExtraSANs    []string                `json:"rke2_additional_sans"`
	CredentialID int64                   `json:"credential_id"`
	Registry     *types.RegistrySettings `json:"registry"`
	Images       *types.ImageOverrides   `json:"images"`
	CustomConfig string                  `json:"custom_config"`
	Vars         map[string]string       `json:"cluster_vars"`
	Nodes        []NodeInput             `json:"nodes"`
}

// ClusterCreateRegistered registers an existing cluster via kubeconfig.
type ClusterCreateRegistered struct {
	Name       string `json:"name" binding:"required"`
	Version    string `json:"rke2_version"`
	Kubeconfig string `json:"kubeconfig" binding:"required"`
}

// ClusterUpdate carries the updatable subset of cluster fields. Pointers
// distinguish absent from empty.
type ClusterUpdate struct {
	Name      *string   `json:"name"`
	Version   *string   `json:"rke2_version"`
	CNI       *string   `json:"cni"`
	DataDir   *string   `json:"rke2_data_dir"`
	APIAddr   *string   `json:"rke2_api_ip"`
	Token     *string   `json:"rke2_token"`
	ExtraSANs *[]string `json:"rke2_additional_sans"`
}

// ScaleNode is one node in a scale-add request. Role uses the execution
// tool's vocabulary: server or agent.
type ScaleNode struct {
	Hostname    string `json:"hostname" binding:"required"`
	IP          string `json:"ip" binding:"required"`
	ExternalIP  string `json:"external_ip"`
	UseExternal bool   `json:"use_external"`
	Role        string `json:"role" binding:"required"`
}

// roleOf maps the wire role to the topology role. Servers added to an
// existing cluster always join; none becomes the initial master.
func (n ScaleNode) roleOf() (types.NodeRole, error) {
	switch n.Role {
	case "server":
		return types.NodeRoleMaster, nil
	case "agent":
		return types.NodeRoleWorker, nil
	}
	return "", fmt.Errorf("role must be 'server' or 'agent'")
}

// ScaleAddRequest adds nodes to a cluster.
type ScaleAddRequest struct {
	Nodes []ScaleNode `json:"nodes" binding:"required"`
}

// ScaleRemoveRequest removes nodes, referenced by hostname.
type ScaleRemoveRequest struct {
	Nodes []string `json:"nodes" binding:"required"`
}

// KubeconfigUpload uploads a kubeconfig document.
type KubeconfigUpload struct {
	Content string `json:"content" binding:"required"`
}

// CredentialCreate stores a new SSH credential.
type CredentialCreate struct {
	Name     string `json:"name" binding:"required"`
	Username string `json:"username" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

// AccessCheckRequest validates a credential against candidate hosts.
type AccessCheckRequest struct {
	CredentialID int64        `json:"credential_id" binding:"required"`
	Hosts        []AccessHost `json:"hosts" binding:"required"`
}

// AccessHost is one candidate host.
type AccessHost struct {
	Hostname string `json:"hostname" binding:"required"`
	IP       string `json:"ip" binding:"required"`
}

// JobResponse is the descriptor returned by job-creating endpoints.
type JobResponse struct {
	JobID          int64  `json:"job_id"`
	Message        string `json:"message"`
	Status         string `json:"status"`
	Sequenced      bool   `json:"sequenced,omitempty"`
	WorkersPending int    `json:"workers_pending,omitempty"`
	Warning        string `json:"warning,omitempty"`
}
