package preflight

import "time"

// Severity levels for individual check results.
const (
	SeverityOK       = "OK"
	SeverityWarn     = "WARN"
	SeverityCritical = "CRITICAL"
)

// CheckResult is one individual check outcome.
type CheckResult struct {
	CheckID  string         `json:"check_id"`
	Category string         `json:"category"` // os|rke2|kubernetes|network|storage
	Severity string         `json:"severity"` // OK|WARN|CRITICAL
	Message  string         `json:"message"`
	RawData  map[string]any `json:"raw_data,omitempty"`
	NodeName string         `json:"node_name,omitempty"`
}

// NodeInfo is per-node collected state.
type NodeInfo struct {
	Name           string         `json:"name"`
	Role           string         `json:"role"`
	IP             string         `json:"ip"`
	OSVersion      string         `json:"os_version"`
	KernelVersion  string         `json:"kernel_version"`
	DiskUsage      map[string]any `json:"disk_usage,omitempty"`
	SwapEnabled    bool           `json:"swap_enabled"`
	Memory         map[string]any `json:"memory,omitempty"`
	NTPStatus      string         `json:"ntp_status"`
	FirewallStatus string         `json:"firewall_status"`
	PortsReachable map[int]bool   `json:"ports_reachable,omitempty"`
	ServiceStatus  string         `json:"rke2_service_status"`
}

// EtcdHealth is the consensus store's health view.
type EtcdHealth struct {
	EndpointHealth    map[string]string `json:"endpoint_health"`
	LeaderPresent     bool              `json:"leader_present"`
	DBSizeMB          float64           `json:"db_size_mb"`
	DefragRecommended bool              `json:"defrag_recommended"`
	MemberCount       int               `json:"member_count"`
}

// CertificateInfo describes one TLS certificate's expiry state.
type CertificateInfo struct {
	Path            string `json:"path"`
	Subject         string `json:"subject"`
	ExpiryDate      string `json:"expiry_date"`
	DaysUntilExpiry int    `json:"days_until_expiry"`
	Expired         bool   `json:"expired"`
}

// KubernetesHealth is the workload layer's health view.
type KubernetesHealth struct {
	NodeReadyCount    int            `json:"node_ready_count"`
	NodeNotReadyCount int            `json:"node_not_ready_count"`
	CordonedNodes     []string       `json:"cordoned_nodes,omitempty"`
	PodRestarts       map[string]int `json:"kube_system_pod_restarts,omitempty"`
	CrashLoopPods     []string       `json:"crash_loop_pods,omitempty"`
	DeprecatedAPIs    []string       `json:"deprecated_apis,omitempty"`
}

// Metadata identifies the cluster a report was collected from.
type Metadata struct {
	ClusterID         int64  `json:"cluster_id"`
	ClusterName       string `json:"cluster_name"`
	RKE2Version       string `json:"rke2_version"`
	KubernetesVersion string `json:"kubernetes_version,omitempty"`
	NodeCount         int    `json:"node_count"`
	CollectedAt       string `json:"collected_at"`
	TargetVersion     string `json:"target_version,omitempty"`
}

// Report is the complete machine-readable preflight document. It is stored
// on the job and is the analyzer's input.
type Report struct {
	Metadata     Metadata          `json:"cluster_metadata"`
	Nodes        []NodeInfo        `json:"nodes,omitempty"`
	Checks       []CheckResult     `json:"checks"`
	Etcd         *EtcdHealth       `json:"etcd,omitempty"`
	Certificates []CertificateInfo `json:"certificates,omitempty"`
	Kubernetes   *KubernetesHealth `json:"kubernetes,omitempty"`
	Ready        bool              `json:"ready"`
}

// NewReport creates an empty report stamped with collection time.
func NewReport(clusterID int64, clusterName, version, targetVersion string, nodeCount int) *Report {
	return &Report{
		Metadata: Metadata{
			ClusterID:     clusterID,
			ClusterName:   clusterName,
			RKE2Version:   version,
			NodeCount:     nodeCount,
			CollectedAt:   time.Now().UTC().Format(time.RFC3339),
			TargetVersion: targetVersion,
		},
	}
}

// Add appends a check result and folds its severity into readiness.
func (r *Report) Add(result CheckResult) {
	r.Checks = append(r.Checks, result)
}

// Finalize computes the overall readiness: ready means no CRITICAL checks.
func (r *Report) Finalize() {
	r.Ready = true
	for _, c := range r.Checks {
		if c.Severity == SeverityCritical {
			r.Ready = false
			return
		}
	}
}
