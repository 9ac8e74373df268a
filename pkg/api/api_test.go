package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/orchestrator"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/runner"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/stream"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// okLauncher answers every spawn with a short successful run.
type okLauncher struct {
	mu     sync.Mutex
	spawns int
}

func (l *okLauncher) Spawn(playbookPath, inventoryPath, extrasPath, privateKeyPath string) (runner.Process, error) {
	l.mu.Lock()
	l.spawns++
	l.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		io.WriteString(pw, "ok: [all]\n")
		pw.Close()
	}()
	return okProcess{pr}, nil
}

type okProcess struct{ out io.ReadCloser }

func (p okProcess) Output() io.ReadCloser  { return p.out }
func (p okProcess) Wait() (int, error)     { return 0, nil }
func (p okProcess) Signal(os.Signal) error { return nil }

type testAPI struct {
	store  *storage.BoltStore
	orch   *orchestrator.Orchestrator
	server *Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := stream.NewHub()
	jobRunner := runner.New(store, hub, nil, &okLauncher{})
	orch := orchestrator.New(orchestrator.Config{
		Store:       store,
		Hub:         hub,
		Runner:      jobRunner,
		PlaybookDir: "/playbooks",
		WorkDir:     t.TempDir(),
	})

	server := NewServer(Deps{Store: store, Orch: orch, Hub: hub})
	return &testAPI{store: store, orch: orch, server: server}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)
	return w
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	d, _ := body["detail"].(string)
	return d
}

func (a *testAPI) seedCluster(t *testing.T, name string, nodes ...*types.Node) *types.Cluster {
	t.Helper()
	cluster := &types.Cluster{
		Name:    name,
		Kind:    types.ClusterKindFresh,
		Version: "v1.28.5+rke2r1",
		DataDir: "/var/lib/rancher/rke2",
		APIAddr: "10.0.0.1",
		Token:   "token",
		CNI:     "canal",
	}
	require.NoError(t, a.store.CreateCluster(cluster))
	for _, n := range nodes {
		n.ClusterID = cluster.ID
		require.NoError(t, a.store.CreateNode(n))
	}
	return cluster
}

func activeMasters(n int) []*types.Node {
	nodes := make([]*types.Node, n)
	for i := range nodes {
		role := types.NodeRoleMaster
		if i == 0 {
			role = types.NodeRoleInitialMaster
		}
		nodes[i] = &types.Node{
			Hostname:   fmt.Sprintf("m%d", i+1),
			InternalIP: fmt.Sprintf("10.0.0.%d", i+1),
			Role:       role,
			Status:     types.NodeStatusActive,
		}
	}
	return nodes
}

func TestCreateAndGetCluster(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/clusters/new", ClusterCreateNew{
		Name:    "prod",
		Version: "v1.28.5+rke2r1",
		Nodes: []NodeInput{
			{Hostname: "m1", InternalIP: "10.0.0.1", Role: "initial_master"},
			{Hostname: "w1", InternalIP: "10.0.0.2", Role: "worker"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cluster types.Cluster
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cluster))
	assert.Equal(t, "canal", cluster.CNI)        // defaulted
	assert.Equal(t, "10.0.0.1", cluster.APIAddr) // initial master's address
	assert.Len(t, cluster.Token, 64)             // generated when omitted
	assert.Equal(t, types.ClusterKindFresh, cluster.Kind)

	w = a.do(t, http.MethodGet, fmt.Sprintf("/clusters/%d", cluster.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"m1"`)
	assert.Contains(t, w.Body.String(), `"w1"`)
}

func TestCreateClusterKeepsExplicitToken(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/clusters/new", ClusterCreateNew{
		Name:    "prod",
		Version: "v1.28.5+rke2r1",
		Token:   "operator-chosen-token",
		Nodes:   []NodeInput{{Hostname: "m1", InternalIP: "10.0.0.1", Role: "initial_master"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cluster types.Cluster
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cluster))
	assert.Equal(t, "operator-chosen-token", cluster.Token)
}

func TestCreateClusterValidation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body ClusterCreateNew
		want string
	}{
		{
			name: "unknown role rejected at boundary",
			body: ClusterCreateNew{Name: "c1", Version: "v1", Nodes: []NodeInput{{Hostname: "x", InternalIP: "10.0.0.1", Role: "primary"}}},
			want: "unknown node role",
		},
		{
			name: "two initial masters",
			body: ClusterCreateNew{Name: "c2", Version: "v1", Nodes: []NodeInput{
				{Hostname: "a", InternalIP: "10.0.0.1", Role: "initial_master"},
				{Hostname: "b", InternalIP: "10.0.0.2", Role: "initial_master"},
			}},
			want: "exactly one initial_master",
		},
		{
			name: "no initial master",
			body: ClusterCreateNew{Name: "c3", Version: "v1", Nodes: []NodeInput{{Hostname: "a", InternalIP: "10.0.0.1", Role: "worker"}}},
			want: "exactly one initial_master",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/clusters/new", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, detail(t, w), tt.want)
		})
	}
}

func TestGetClusterNotFound(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/clusters/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// S2: a second mutating request against a busy cluster is rejected with
// 409 and the exact busy detail, and creates nothing.
func TestConcurrentRequestConflict(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod", activeMasters(1)...)

	running := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall, Status: types.JobStatusRunning}
	require.NoError(t, a.store.CreateJob(running))
	require.NoError(t, a.store.AcquireLock(cluster.ID, running.ID, "install"))

	w := a.do(t, http.MethodPost, fmt.Sprintf("/clusters/%d/scale/add", cluster.ID), ScaleAddRequest{
		Nodes: []ScaleNode{{Hostname: "w3", IP: "10.0.0.30", Role: "agent"}},
	})

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t,
		fmt.Sprintf("Cluster is busy with operation 'install' (job %d). Please wait for it to complete.", running.ID),
		detail(t, w))

	// No new job, no new node.
	jobs, err := a.store.ListJobsByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	nodes, err := a.store.ListNodes(cluster.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

// S3: removing two of three masters is rejected by G2 with no mutation.
func TestUnsafeRemovalRejected(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod", activeMasters(3)...)

	w := a.do(t, http.MethodPost,
		fmt.Sprintf("/clusters/%d/scale/remove?confirm_master_removal=true", cluster.ID),
		ScaleRemoveRequest{Nodes: []string{"m1", "m2"}})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, detail(t, w), "quorum")

	got, err := a.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, got.Lock.Status)
	jobs, err := a.store.ListJobsByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRemovalRequiresConfirmation(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod", activeMasters(5)...)

	w := a.do(t, http.MethodPost,
		fmt.Sprintf("/clusters/%d/scale/remove", cluster.ID),
		ScaleRemoveRequest{Nodes: []string{"m5"}})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, detail(t, w), "confirm_master_removal")
}

// S4: adding a node that duplicates an existing address is rejected by G4
// with no job and the lock still idle.
func TestDuplicateAddRejected(t *testing.T) {
	a := newTestAPI(t)
	nodes := append(activeMasters(1), &types.Node{
		Hostname: "w1", InternalIP: "10.0.0.10", Role: types.NodeRoleWorker, Status: types.NodeStatusActive,
	})
	cluster := a.seedCluster(t, "prod", nodes...)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/clusters/%d/scale/add", cluster.ID), ScaleAddRequest{
		Nodes: []ScaleNode{{Hostname: "w1_new", IP: "10.0.0.10", Role: "agent"}},
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, detail(t, w), "10.0.0.10")

	got, err := a.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, got.Lock.Status)
	jobs, err := a.store.ListJobsByCluster(cluster.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// G3: a mixed add request creates the control-plane job only and reports
// the workers as pending.
func TestMixedAddSplitsRoles(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod", activeMasters(1)...)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/clusters/%d/scale/add", cluster.ID), ScaleAddRequest{
		Nodes: []ScaleNode{
			{Hostname: "m2", IP: "10.0.0.20", Role: "server"},
			{Hostname: "w1", IP: "10.0.0.21", Role: "agent"},
			{Hostname: "w2", IP: "10.0.0.22", Role: "agent"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Sequenced)
	assert.Equal(t, 2, resp.WorkersPending)

	a.orch.Wait()

	// Only the master was created and installed.
	nodes, err := a.store.ListNodes(cluster.ID)
	require.NoError(t, err)
	hostnames := make(map[string]types.NodeStatus)
	for _, n := range nodes {
		hostnames[n.Hostname] = n.Status
	}
	assert.Equal(t, types.NodeStatusActive, hostnames["m2"])
	assert.NotContains(t, hostnames, "w1")
	assert.NotContains(t, hostnames, "w2")

	job, err := a.store.GetJob(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobKindScaleAddMasters, job.Kind)
	assert.Equal(t, types.JobStatusSuccess, job.Status)
}

func TestAddRequiresActiveInitialMaster(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod", &types.Node{
		Hostname: "m1", InternalIP: "10.0.0.1", Role: types.NodeRoleInitialMaster, Status: types.NodeStatusPending,
	})

	w := a.do(t, http.MethodPost, fmt.Sprintf("/clusters/%d/scale/add", cluster.ID), ScaleAddRequest{
		Nodes: []ScaleNode{{Hostname: "w1", IP: "10.0.0.2", Role: "agent"}},
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, detail(t, w), "not active")
}

// S1 through the HTTP surface: install succeeds end to end.
func TestInstallEndToEnd(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod",
		&types.Node{Hostname: "m1", InternalIP: "10.0.0.1", Role: types.NodeRoleInitialMaster, Status: types.NodeStatusPending},
		&types.Node{Hostname: "w1", InternalIP: "10.0.0.2", Role: types.NodeRoleWorker, Status: types.NodeStatusPending},
		&types.Node{Hostname: "w2", InternalIP: "10.0.0.3", Role: types.NodeRoleWorker, Status: types.NodeStatusPending},
	)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/jobs/install/%d", cluster.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	a.orch.Wait()

	job, err := a.store.GetJob(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSuccess, job.Status)

	nodes, err := a.store.ListNodes(cluster.ID)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, types.NodeStatusActive, n.Status, n.Hostname)
	}

	got, err := a.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, got.Lock.Status)
}

func TestUninstallConfirmation(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod", activeMasters(1)...)

	w := a.do(t, http.MethodPost, fmt.Sprintf("/jobs/uninstall/%d?confirmation=wrong", cluster.ID), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, detail(t, w), "exact cluster name")

	w = a.do(t, http.MethodPost, fmt.Sprintf("/jobs/uninstall/%d?confirmation=prod", cluster.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	a.orch.Wait()
}

func TestTerminateNotRunning(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod")
	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall, Status: types.JobStatusPending}
	require.NoError(t, a.store.CreateJob(job))

	w := a.do(t, http.MethodPost, fmt.Sprintf("/jobs/%d/terminate", job.ID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, detail(t, w), "not running")
}

func TestListJobsFilter(t *testing.T) {
	a := newTestAPI(t)
	first := a.seedCluster(t, "prod")
	second := a.seedCluster(t, "staging")

	require.NoError(t, a.store.CreateJob(&types.Job{ClusterID: first.ID, Kind: types.JobKindInstall}))
	require.NoError(t, a.store.CreateJob(&types.Job{ClusterID: second.ID, Kind: types.JobKindInstall}))

	w := a.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []types.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	w = a.do(t, http.MethodGet, fmt.Sprintf("/jobs?cluster_id=%d", first.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var filtered []types.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &filtered))
	assert.Len(t, filtered, 1)
}

// A finished job's stream replays the persisted buffer and ends with the
// terminal event.
func TestStreamReplayFinishedJob(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod")

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, a.store.CreateJob(job))
	require.NoError(t, a.store.AppendJobOutput(job.ID, "line one\nline two\n"))
	require.NoError(t, a.store.FinishJob(job.ID, types.JobStatusSuccess, ""))

	w := a.do(t, http.MethodGet, fmt.Sprintf("/jobs/%d/stream", job.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "data: line one\n")
	assert.Contains(t, body, "data: line two\n")
	assert.Contains(t, body, "event: end\ndata: [Job success]\n")
	assert.Less(t, strings.Index(body, "line one"), strings.Index(body, "line two"))
}

func TestPreflightCheckEndpoint(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod", activeMasters(1)...)

	w := a.do(t, http.MethodPost,
		fmt.Sprintf("/clusters/%d/preflight-check?target_version=v1.29.1%%2Brke2r1", cluster.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	a.orch.Wait()

	job, err := a.store.GetJob(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobKindUpgradeCheck, job.Kind)
	assert.Equal(t, types.JobStatusSuccess, job.Status)
	assert.Contains(t, string(job.Readiness), "version_skew")

	// Read-only: no lock was ever taken.
	got, err := a.store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, got.Lock.Status)
}

func TestCredentialsRequireEncryption(t *testing.T) {
	a := newTestAPI(t) // no secrets manager wired
	w := a.do(t, http.MethodPost, "/credentials", CredentialCreate{
		Name: "ops", Username: "ubuntu", Kind: "key", Secret: "KEY",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, detail(t, w), "ENCRYPTION_KEY")
}

func TestDeleteLockedClusterConflicts(t *testing.T) {
	a := newTestAPI(t)
	cluster := a.seedCluster(t, "prod")
	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall, Status: types.JobStatusRunning}
	require.NoError(t, a.store.CreateJob(job))
	require.NoError(t, a.store.AcquireLock(cluster.ID, job.ID, "install"))

	w := a.do(t, http.MethodDelete, fmt.Sprintf("/clusters/%d", cluster.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
