package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/guard"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/orchestrator"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/security"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		abortValidation(c, fmt.Sprintf("invalid %s: %q", name, c.Param(name)))
		return 0, false
	}
	return id, true
}

func (s *Server) listClusters(c *gin.Context) {
	clusters, err := s.store.ListClusters()
	if err != nil {
		abortError(c, err)
		return
	}
	if clusters == nil {
		clusters = []*types.Cluster{}
	}
	c.JSON(http.StatusOK, clusters)
}

func (s *Server) getCluster(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	nodes, err := s.store.ListNodes(id)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cluster": cluster, "nodes": nodes})
}

func (s *Server) createCluster(c *gin.Context) {
	var req ClusterCreateNew
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, err.Error())
		return
	}

	var initialMasters int
	for _, n := range req.Nodes {
		role, err := types.ParseNodeRole(n.Role)
		if err != nil {
			abortValidation(c, err.Error())
			return
		}
		if role == types.NodeRoleInitialMaster {
			initialMasters++
		}
	}
	if len(req.Nodes) > 0 && initialMasters != 1 {
		abortValidation(c, fmt.Sprintf("cluster requires exactly one initial_master node, got %d", initialMasters))
		return
	}

	cluster := &types.Cluster{
		Name:         req.Name,
		Kind:         types.ClusterKindFresh,
		Version:      req.Version,
		CNI:          req.CNI,
		DataDir:      req.DataDir,
		APIAddr:      req.APIAddr,
		Token:        req.Token,
		ExtraSANs:    req.ExtraSANs,
		CredentialID: req.CredentialID,
		Registry:     req.Registry,
		Images:       req.Images,
		CustomConfig: req.CustomConfig,
		Vars:         req.Vars,
	}
	if cluster.CNI == "" {
		cluster.CNI = "canal"
	}
	if cluster.DataDir == "" {
		cluster.DataDir = "/var/lib/rancher/rke2"
	}
	if cluster.APIAddr == "" {
		// Default to the initial master's address when no VIP is given.
		for _, n := range req.Nodes {
			if n.Role == string(types.NodeRoleInitialMaster) {
				cluster.APIAddr = n.InternalIP
			}
		}
	}
	if cluster.Token == "" {
		// Joins are authenticated by the shared token; never leave it empty.
		token, err := security.NewClusterToken()
		if err != nil {
			abortError(c, err)
			return
		}
		cluster.Token = token
	}

	if err := s.store.CreateCluster(cluster); err != nil {
		abortValidation(c, err.Error())
		return
	}

	for _, n := range req.Nodes {
		role, _ := types.ParseNodeRole(n.Role)
		node := &types.Node{
			ClusterID:   cluster.ID,
			Hostname:    n.Hostname,
			InternalIP:  n.InternalIP,
			ExternalIP:  n.ExternalIP,
			UseExternal: n.UseExternal,
			Role:        role,
			Status:      types.NodeStatusPending,
			Vars:        n.Vars,
		}
		if err := s.store.CreateNode(node); err != nil {
			// Roll the half-created cluster back so a retry is clean.
			s.store.DeleteCluster(cluster.ID)
			abortValidation(c, err.Error())
			return
		}
	}

	c.JSON(http.StatusOK, cluster)
}

func (s *Server) registerCluster(c *gin.Context) {
	var req ClusterCreateRegistered
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, err.Error())
		return
	}

	cluster := &types.Cluster{
		Name:       req.Name,
		Kind:       types.ClusterKindRegistered,
		Version:    req.Version,
		Kubeconfig: req.Kubeconfig,
	}
	if err := s.store.CreateCluster(cluster); err != nil {
		abortValidation(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (s *Server) updateCluster(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req ClusterUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, err.Error())
		return
	}

	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}

	if req.Name != nil {
		cluster.Name = *req.Name
	}
	if req.Version != nil {
		cluster.Version = *req.Version
	}
	if req.CNI != nil {
		cluster.CNI = *req.CNI
	}
	if req.DataDir != nil {
		cluster.DataDir = *req.DataDir
	}
	if req.APIAddr != nil {
		cluster.APIAddr = *req.APIAddr
	}
	if req.Token != nil {
		cluster.Token = *req.Token
	}
	if req.ExtraSANs != nil {
		cluster.ExtraSANs = *req.ExtraSANs
	}

	if err := s.store.UpdateCluster(cluster); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (s *Server) deleteCluster(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	if cluster.Lock.Status == types.LockRunning {
		abortError(c, &storage.LockConflictError{Operation: cluster.Lock.Operation, JobID: cluster.Lock.CurrentJob})
		return
	}
	if err := s.store.DeleteCluster(id); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cluster deleted"})
}

// scaleAdd adds nodes to a running cluster. Guardrails run in order G4,
// G3, G1 before any mutation; the lock is only taken once they all pass.
func (s *Server) scaleAdd(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req ScaleAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, err.Error())
		return
	}
	if len(req.Nodes) == 0 {
		abortValidation(c, "No nodes provided")
		return
	}

	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	if cluster.Kind != types.ClusterKindFresh {
		abortValidation(c, "Can only scale 'fresh' type clusters")
		return
	}

	additions := make([]*types.Node, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		role, err := n.roleOf()
		if err != nil {
			abortValidation(c, err.Error())
			return
		}
		additions = append(additions, &types.Node{
			ClusterID:   cluster.ID,
			Hostname:    n.Hostname,
			InternalIP:  n.IP,
			ExternalIP:  n.ExternalIP,
			UseExternal: n.UseExternal,
			Role:        role,
			Status:      types.NodeStatusPending,
		})
	}

	existing, err := s.store.ListNodes(cluster.ID)
	if err != nil {
		abortError(c, err)
		return
	}

	// G4: no duplicate identity.
	if res := guard.CheckNodeIdentity(existing, additions); !res.OK {
		rejectGuardrail(c, "G4", res.Reason)
		return
	}

	// G3: mixed requests run the control-plane part first.
	servers, workers := guard.SplitRoles(additions)
	targets := additions
	kind := types.JobKindScaleAddWorkers
	operation := "scale_add_workers"
	var workersPending int
	if len(servers) > 0 {
		kind = types.JobKindScaleAddMasters
		operation = "scale_add_masters"
		if len(workers) > 0 {
			targets = servers
			workersPending = len(workers)
		}
	}

	// G1: joining nodes need a live initial master.
	if res := guard.CheckBootstrapPrerequisite(cluster, existing, s.prober, false); !res.OK {
		rejectGuardrail(c, "G1", res.Reason)
		return
	}

	job := &types.Job{ClusterID: cluster.ID, Kind: kind, Status: types.JobStatusPending}
	if err := s.store.CreateJob(job); err != nil {
		abortError(c, err)
		return
	}

	if err := s.store.AcquireLock(cluster.ID, job.ID, operation); err != nil {
		s.store.DeleteJob(job.ID)
		abortError(c, err)
		return
	}

	created := make([]*types.Node, 0, len(targets))
	for _, node := range targets {
		if err := s.store.CreateNode(node); err != nil {
			s.store.ReleaseLock(cluster.ID)
			s.store.DeleteJob(job.ID)
			abortValidation(c, err.Error())
			return
		}
		created = append(created, node)
	}

	s.orch.Execute(orchestrator.Operation{Job: job, Cluster: cluster, Targets: created})

	resp := JobResponse{
		JobID:   job.ID,
		Message: fmt.Sprintf("Adding %d node(s)", len(created)),
		Status:  string(types.JobStatusPending),
	}
	if workersPending > 0 {
		resp.Sequenced = true
		resp.WorkersPending = workersPending
		resp.Message = fmt.Sprintf("Adding %d master(s) first; %d worker(s) pending a follow-up request", len(created), workersPending)
	}
	c.JSON(http.StatusOK, resp)
}

// scaleRemove removes nodes. G2 runs before any mutation.
func (s *Server) scaleRemove(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req ScaleRemoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, err.Error())
		return
	}
	if len(req.Nodes) == 0 {
		abortValidation(c, "No nodes provided")
		return
	}
	confirm := c.Query("confirm_master_removal") == "true"

	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	if cluster.Kind != types.ClusterKindFresh {
		abortValidation(c, "Can only scale 'fresh' type clusters")
		return
	}

	existing, err := s.store.ListNodes(cluster.ID)
	if err != nil {
		abortError(c, err)
		return
	}

	byHostname := make(map[string]*types.Node, len(existing))
	for _, n := range existing {
		if n.Status != types.NodeStatusRemoved {
			byHostname[n.Hostname] = n
		}
	}

	targets := make([]*types.Node, 0, len(req.Nodes))
	for _, hostname := range req.Nodes {
		node, ok := byHostname[hostname]
		if !ok {
			abortValidation(c, fmt.Sprintf("unknown node: %q", hostname))
			return
		}
		targets = append(targets, node)
	}

	res := guard.CheckSafeRemoval(existing, targets, confirm)
	if !res.OK {
		rejectGuardrail(c, "G2", res.Reason)
		return
	}

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindScaleRemove, Status: types.JobStatusPending}
	if err := s.store.CreateJob(job); err != nil {
		abortError(c, err)
		return
	}
	if err := s.store.AcquireLock(cluster.ID, job.ID, "scale_remove"); err != nil {
		s.store.DeleteJob(job.ID)
		abortError(c, err)
		return
	}

	s.orch.Execute(orchestrator.Operation{Job: job, Cluster: cluster, Targets: targets})

	c.JSON(http.StatusOK, JobResponse{
		JobID:   job.ID,
		Message: fmt.Sprintf("Removing %d node(s)", len(targets)),
		Status:  string(types.JobStatusPending),
		Warning: res.Warning,
	})
}

// preflightCheck runs a read-only readiness job. No lock is taken.
func (s *Server) preflightCheck(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}

	analyze := c.Query("analyze") == "true"
	targetVersion := c.Query("target_version")

	kind := types.JobKindPreflightCheck
	if targetVersion != "" {
		kind = types.JobKindUpgradeCheck
	}

	job := &types.Job{
		ClusterID:     cluster.ID,
		Kind:          kind,
		Status:        types.JobStatusPending,
		TargetVersion: targetVersion,
	}
	if err := s.store.CreateJob(job); err != nil {
		abortError(c, err)
		return
	}

	s.orch.ExecuteCheck(orchestrator.CheckRequest{
		Job:           job,
		Cluster:       cluster,
		Analyze:       analyze,
		TargetVersion: targetVersion,
	})

	c.JSON(http.StatusOK, JobResponse{
		JobID:   job.ID,
		Message: "Readiness check started",
		Status:  string(types.JobStatusPending),
	})
}

func (s *Server) fetchKubeconfig(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	if cluster.Kind != types.ClusterKindFresh {
		abortValidation(c, "Can only fetch kubeconfig for 'fresh' type clusters")
		return
	}
	if s.fetcher == nil {
		abortValidation(c, "Kubeconfig fetch is not configured")
		return
	}
	if cluster.CredentialID == 0 {
		abortValidation(c, "Cluster has no credential")
		return
	}

	cred, err := s.store.GetCredential(cluster.CredentialID)
	if err != nil {
		abortError(c, err)
		return
	}
	nodes, err := s.store.ListNodes(cluster.ID)
	if err != nil {
		abortError(c, err)
		return
	}

	kubeconfig, err := s.fetcher.Fetch(cluster, nodes, cred)
	if err != nil {
		abortError(c, err)
		return
	}

	cluster.Kubeconfig = kubeconfig
	if err := s.store.UpdateCluster(cluster); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Kubeconfig fetched successfully"})
}

func (s *Server) uploadKubeconfig(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req KubeconfigUpload
	if err := c.ShouldBindJSON(&req); err != nil {
		abortValidation(c, err.Error())
		return
	}

	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	cluster.Kubeconfig = req.Content
	if err := s.store.UpdateCluster(cluster); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Kubeconfig uploaded successfully"})
}

func (s *Server) clusterStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		abortError(c, err)
		return
	}
	if s.status == nil {
		abortValidation(c, "Cluster status probe is not configured")
		return
	}

	status, err := s.status.Status(c.Request.Context(), cluster)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
