package storage

import (
	"errors"
	"fmt"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
)

// ErrNotFound is wrapped by all lookup misses.
var ErrNotFound = errors.New("not found")

// LockConflictError is returned by AcquireLock when the cluster is already
// busy with another operation.
type LockConflictError struct {
	Operation string
	JobID     int64
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("Cluster is busy with operation '%s' (job %d). Please wait for it to complete.", e.Operation, e.JobID)
}

// Store defines the interface for topology state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Clusters
	CreateCluster(cluster *types.Cluster) error
	GetCluster(id int64) (*types.Cluster, error)
	GetClusterByName(name string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(cluster *types.Cluster) error
	DeleteCluster(id int64) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id int64) (*types.Node, error)
	ListNodes(clusterID int64) ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id int64) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id int64) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByCluster(clusterID int64) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id int64) error
	AppendJobOutput(id int64, chunk string) error

	// FinishJob marks a job terminal and, when the cluster's lock is held
	// by this job, releases it in the same transaction.
	FinishJob(id int64, status types.JobStatus, trailer string) error

	// Credentials
	CreateCredential(cred *types.Credential) error
	GetCredential(id int64) (*types.Credential, error)
	GetCredentialByName(name string) (*types.Credential, error)
	ListCredentials() ([]*types.Credential, error)
	DeleteCredential(id int64) error

	// Cluster operation lock
	AcquireLock(clusterID, jobID int64, operation string) error
	ReleaseLock(clusterID int64) error

	// ReconcileLocks repairs clusters whose lock survived a process crash.
	// Returns the ids of jobs it marked failed.
	ReconcileLocks() ([]int64, error)

	// Utility
	Close() error
}
