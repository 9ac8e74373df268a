package storage

import (
	"errors"
	"testing"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCluster(t *testing.T, store *BoltStore, name string) *types.Cluster {
	t.Helper()
	cluster := &types.Cluster{
		Name:    name,
		Kind:    types.ClusterKindFresh,
		Version: "v1.28.5+rke2r1",
		CNI:     "canal",
		DataDir: "/var/lib/rancher/rke2",
	}
	require.NoError(t, store.CreateCluster(cluster))
	return cluster
}

func seedNode(t *testing.T, store *BoltStore, clusterID int64, hostname, ip string, role types.NodeRole, status types.NodeStatus) *types.Node {
	t.Helper()
	node := &types.Node{
		ClusterID:  clusterID,
		Hostname:   hostname,
		InternalIP: ip,
		Role:       role,
		Status:     status,
	}
	require.NoError(t, store.CreateNode(node))
	return node
}

func TestClusterCRUD(t *testing.T) {
	store := newTestStore(t)

	cluster := seedCluster(t, store, "prod")
	assert.NotZero(t, cluster.ID)
	assert.Equal(t, types.LockIdle, cluster.Lock.Status)

	got, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)

	byName, err := store.GetClusterByName("prod")
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, byName.ID)

	got.CNI = "cilium"
	require.NoError(t, store.UpdateCluster(got))
	got, err = store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "cilium", got.CNI)

	_, err = store.GetCluster(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClusterNameUnique(t *testing.T) {
	store := newTestStore(t)
	seedCluster(t, store, "prod")

	err := store.CreateCluster(&types.Cluster{Name: "prod", Kind: types.ClusterKindFresh})
	assert.ErrorContains(t, err, "already exists")
}

func TestNodeIdentityUnique(t *testing.T) {
	store := newTestStore(t)
	cluster := seedCluster(t, store, "prod")
	seedNode(t, store, cluster.ID, "m1", "10.0.0.1", types.NodeRoleInitialMaster, types.NodeStatusActive)

	tests := []struct {
		name string
		node *types.Node
		want string
	}{
		{
			name: "duplicate hostname",
			node: &types.Node{ClusterID: cluster.ID, Hostname: "m1", InternalIP: "10.0.0.9", Role: types.NodeRoleWorker},
			want: "hostname",
		},
		{
			name: "duplicate internal ip",
			node: &types.Node{ClusterID: cluster.ID, Hostname: "w1", InternalIP: "10.0.0.1", Role: types.NodeRoleWorker},
			want: "IP",
		},
		{
			name: "external ip colliding with internal",
			node: &types.Node{ClusterID: cluster.ID, Hostname: "w2", InternalIP: "10.0.0.8", ExternalIP: "10.0.0.1", Role: types.NodeRoleWorker},
			want: "IP",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CreateNode(tt.node)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	// A removed node releases its identity.
	other := seedNode(t, store, cluster.ID, "w9", "10.0.0.9", types.NodeRoleWorker, types.NodeStatusActive)
	other.Status = types.NodeStatusRemoved
	require.NoError(t, store.UpdateNode(other))
	err := store.CreateNode(&types.Node{ClusterID: cluster.ID, Hostname: "w9", InternalIP: "10.0.0.9", Role: types.NodeRoleWorker})
	assert.NoError(t, err)
}

func TestNodeStatusMonotonic(t *testing.T) {
	store := newTestStore(t)
	cluster := seedCluster(t, store, "prod")
	node := seedNode(t, store, cluster.ID, "m1", "10.0.0.1", types.NodeRoleInitialMaster, types.NodeStatusPending)

	node.Status = types.NodeStatusInstalling
	require.NoError(t, store.UpdateNode(node))
	node.Status = types.NodeStatusActive
	require.NoError(t, store.UpdateNode(node))

	node.Status = types.NodeStatusPending
	err := store.UpdateNode(node)
	assert.ErrorContains(t, err, "illegal status transition")
}

func TestDeleteClusterCascades(t *testing.T) {
	store := newTestStore(t)
	cluster := seedCluster(t, store, "prod")
	other := seedCluster(t, store, "staging")

	node := seedNode(t, store, cluster.ID, "m1", "10.0.0.1", types.NodeRoleInitialMaster, types.NodeStatusPending)
	kept := seedNode(t, store, other.ID, "m1", "10.0.0.1", types.NodeRoleInitialMaster, types.NodeStatusPending)

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, store.DeleteCluster(cluster.ID))

	_, err := store.GetNode(node.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetJob(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The other cluster's rows survive.
	_, err = store.GetNode(kept.ID)
	assert.NoError(t, err)
}

func TestJobOutputAppend(t *testing.T) {
	store := newTestStore(t)
	cluster := seedCluster(t, store, "prod")

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, store.AppendJobOutput(job.ID, "line one\n"))
	require.NoError(t, store.AppendJobOutput(job.ID, "line two\n"))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", got.Output)
}

func TestFinishJobReleasesLock(t *testing.T) {
	store := newTestStore(t)
	cluster := seedCluster(t, store, "prod")

	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(job))
	require.NoError(t, store.AcquireLock(cluster.ID, job.ID, "install"))

	require.NoError(t, store.FinishJob(job.ID, types.JobStatusSuccess, "\n[done]\n"))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSuccess, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Contains(t, got.Output, "[done]")

	locked, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, locked.Lock.Status)
	assert.Zero(t, locked.Lock.CurrentJob)

	// Finishing twice is a no-op, not a corruption.
	require.NoError(t, store.FinishJob(job.ID, types.JobStatusFailed, "again"))
	got, err = store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusSuccess, got.Status)
}

func TestFinishJobLeavesForeignLock(t *testing.T) {
	store := newTestStore(t)
	cluster := seedCluster(t, store, "prod")

	first := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(first))
	second := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindPreflightCheck}
	require.NoError(t, store.CreateJob(second))

	require.NoError(t, store.AcquireLock(cluster.ID, first.ID, "install"))

	// A job that does not hold the lock must not release it.
	require.NoError(t, store.FinishJob(second.ID, types.JobStatusSuccess, ""))

	locked, err := store.GetCluster(cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LockRunning, locked.Lock.Status)
	assert.Equal(t, first.ID, locked.Lock.CurrentJob)
}

func TestFinishJobRejectsNonTerminal(t *testing.T) {
	store := newTestStore(t)
	cluster := seedCluster(t, store, "prod")
	job := &types.Job{ClusterID: cluster.ID, Kind: types.JobKindInstall}
	require.NoError(t, store.CreateJob(job))

	err := store.FinishJob(job.ID, types.JobStatusRunning, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
