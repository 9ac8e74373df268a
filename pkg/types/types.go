package types

import (
	"fmt"
	"time"
)

// ClusterKind distinguishes clusters we install from clusters we only observe.
type ClusterKind string

const (
	// ClusterKindFresh is a cluster this controller installs and owns.
	ClusterKindFresh ClusterKind = "fresh"

	// ClusterKindRegistered is an existing cluster registered via kubeconfig.
	ClusterKindRegistered ClusterKind = "registered"
)

// ParseClusterKind validates an incoming cluster kind string.
func ParseClusterKind(s string) (ClusterKind, error) {
	switch ClusterKind(s) {
	case ClusterKindFresh, ClusterKindRegistered:
		return ClusterKind(s), nil
	}
	return "", fmt.Errorf("unknown cluster kind: %q", s)
}

// NodeRole defines the role of a node within the cluster topology.
type NodeRole string

const (
	// NodeRoleInitialMaster is the single control-plane node that bootstraps
	// the embedded etcd. Its config never references a join endpoint.
	NodeRoleInitialMaster NodeRole = "initial_master"

	// NodeRoleMaster is any additional control-plane node; it always joins
	// through the initial master's endpoint.
	NodeRoleMaster NodeRole = "master"

	// NodeRoleWorker is an agent-only node.
	NodeRoleWorker NodeRole = "worker"
)

// ParseNodeRole validates an incoming node role string.
func ParseNodeRole(s string) (NodeRole, error) {
	switch NodeRole(s) {
	case NodeRoleInitialMaster, NodeRoleMaster, NodeRoleWorker:
		return NodeRole(s), nil
	}
	return "", fmt.Errorf("unknown node role: %q", s)
}

// IsServer reports whether the role is a control-plane role.
func (r NodeRole) IsServer() bool {
	return r == NodeRoleInitialMaster || r == NodeRoleMaster
}

// NodeStatus represents the lifecycle state of a node.
type NodeStatus string

const (
	NodeStatusPending    NodeStatus = "pending"
	NodeStatusInstalling NodeStatus = "installing"
	NodeStatusActive     NodeStatus = "active"
	NodeStatusFailed     NodeStatus = "failed"
	NodeStatusDraining   NodeStatus = "draining"
	NodeStatusRemoved    NodeStatus = "removed"
)

// JobKind identifies the user intent a job executes.
type JobKind string

const (
	JobKindInstall         JobKind = "install"
	JobKindUninstall       JobKind = "uninstall"
	JobKindScaleAddMasters JobKind = "scale_add_masters"
	JobKindScaleAddWorkers JobKind = "scale_add_workers"
	JobKindScaleRemove     JobKind = "scale_remove"
	JobKindPreflightCheck  JobKind = "preflight_check"
	JobKindUpgradeCheck    JobKind = "upgrade_check"
)

// JobStatus represents the execution state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusCancelled
}

// CredentialKind distinguishes SSH private keys from passwords.
type CredentialKind string

const (
	CredentialKindKey      CredentialKind = "key"
	CredentialKindPassword CredentialKind = "password"
)

// ParseCredentialKind validates an incoming credential kind string.
func ParseCredentialKind(s string) (CredentialKind, error) {
	switch CredentialKind(s) {
	case CredentialKindKey, CredentialKindPassword:
		return CredentialKind(s), nil
	}
	return "", fmt.Errorf("unknown credential kind: %q", s)
}

// LockStatus is the state of a cluster's operation lock.
type LockStatus string

const (
	LockIdle    LockStatus = "idle"
	LockRunning LockStatus = "running"
)

// LockRecord is the per-cluster exclusive operation lock. CurrentJob is a
// weak reference by id, cleared on release.
type LockRecord struct {
	Status     LockStatus `json:"status"`
	CurrentJob int64      `json:"current_job,omitempty"`
	Operation  string     `json:"operation_name,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// Stage is a contiguous phase of an operation run against a filtered subset
// of nodes by a single playbook invocation.
type Stage string

const (
	StageInitialMaster  Stage = "initial_master"
	StageJoiningMasters Stage = "joining_masters"
	StageWorkers        Stage = "workers"
	StageAll            Stage = "all"
	StageScaleAdd       Stage = "scale_add"
	StageRemove         Stage = "remove"
	StageUninstall      Stage = "uninstall"
	StagePreflight      Stage = "preflight"
)

// RegistrySettings carries the optional private registry configuration.
type RegistrySettings struct {
	CustomRegistry bool     `json:"custom_registry"`
	CustomMirror   bool     `json:"custom_mirror"`
	Addresses      []string `json:"addresses,omitempty"`
	User           string   `json:"user,omitempty"`
	Password       string   `json:"password,omitempty"`
}

// ImageOverrides carries optional per-component image overrides, used for
// airgap installs against a private registry.
type ImageOverrides struct {
	KubeAPIServer         string `json:"kube_apiserver_image,omitempty"`
	KubeControllerManager string `json:"kube_controller_manager_image,omitempty"`
	KubeProxy             string `json:"kube_proxy_image,omitempty"`
	KubeScheduler         string `json:"kube_scheduler_image,omitempty"`
	Pause                 string `json:"pause_image,omitempty"`
	Runtime               string `json:"runtime_image,omitempty"`
	Etcd                  string `json:"etcd_image,omitempty"`
}

// Cluster is the authoritative record of one RKE2 cluster.
type Cluster struct {
	ID   int64       `json:"id"`
	Name string      `json:"name"`
	Kind ClusterKind `json:"kind"`

	Version string `json:"rke2_version"`
	DataDir string `json:"rke2_data_dir"`
	APIAddr string `json:"rke2_api_ip"` // HA VIP or first master IP
	Token   string `json:"rke2_token"`
	CNI     string `json:"cni"`

	ExtraSANs    []string          `json:"rke2_additional_sans,omitempty"`
	Registry     *RegistrySettings `json:"registry,omitempty"`
	Images       *ImageOverrides   `json:"images,omitempty"`
	CustomConfig string            `json:"custom_config,omitempty"` // raw YAML overrides
	Vars         map[string]string `json:"cluster_vars,omitempty"`

	CredentialID int64  `json:"credential_id,omitempty"`
	Kubeconfig   string `json:"kubeconfig,omitempty"`

	// InstallStage is recorded opportunistically as operations progress so
	// an observer can see phase without reading job logs.
	InstallStage string `json:"installation_stage,omitempty"`

	Lock LockRecord `json:"lock"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is one host in a cluster.
type Node struct {
	ID        int64  `json:"id"`
	ClusterID int64  `json:"cluster_id"`
	Hostname  string `json:"hostname"`

	InternalIP  string `json:"internal_ip"`
	ExternalIP  string `json:"external_ip,omitempty"`
	UseExternal bool   `json:"use_external"`

	Role   NodeRole   `json:"role"`
	Status NodeStatus `json:"status"`

	Vars map[string]string `json:"node_vars,omitempty"`

	InstallStartedAt *time.Time `json:"installation_started_at,omitempty"`
	InstallEndedAt   *time.Time `json:"installation_completed_at,omitempty"`
	LastError        string     `json:"installation_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectIP returns the address the execution tool should connect to.
func (n *Node) ConnectIP() string {
	if n.UseExternal && n.ExternalIP != "" {
		return n.ExternalIP
	}
	return n.InternalIP
}

// Job is the persistent record of one user intent's execution.
type Job struct {
	ID        int64     `json:"id"`
	ClusterID int64     `json:"cluster_id"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`

	PlaybookPath  string `json:"playbook_path,omitempty"`
	InventoryPath string `json:"inventory_path,omitempty"`
	Output        string `json:"output,omitempty"`

	// Readiness is the structured result of a preflight/upgrade check.
	Readiness []byte `json:"readiness_json,omitempty"`

	AnalyzerSummary string `json:"analyzer_summary,omitempty"`
	AnalyzerModel   string `json:"analyzer_model,omitempty"`
	AnalyzerTokens  int    `json:"analyzer_token_count,omitempty"`

	TargetVersion string `json:"target_version,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Credential is an SSH credential. The secret is stored encrypted with
// AES-256-GCM and is never exposed through the API.
type Credential struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	Username string         `json:"username"`
	Kind     CredentialKind `json:"kind"`

	EncryptedSecret []byte `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
