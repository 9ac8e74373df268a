package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// AcquireLock takes the exclusive operation lock for a cluster. Bolt runs a
// single writer at a time, so reading the lock record, verifying it is
// idle, and writing the new record inside one Update is race-free. Fails
// fast with LockConflictError instead of blocking.
func (s *BoltStore) AcquireLock(clusterID, jobID int64, operation string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var cluster types.Cluster
		if err := getCluster(tx, clusterID, &cluster); err != nil {
			return err
		}

		if cluster.Lock.Status == types.LockRunning {
			return &LockConflictError{
				Operation: cluster.Lock.Operation,
				JobID:     cluster.Lock.CurrentJob,
			}
		}

		now := time.Now().UTC()
		cluster.Lock = types.LockRecord{
			Status:     types.LockRunning,
			CurrentJob: jobID,
			Operation:  operation,
			StartedAt:  &now,
		}
		cluster.UpdatedAt = now

		data, err := json.Marshal(&cluster)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClusters).Put(itob(clusterID), data)
	})
}

// ReleaseLock returns a cluster's lock to idle. Idempotent: releasing an
// already idle lock is a no-op.
func (s *BoltStore) ReleaseLock(clusterID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var cluster types.Cluster
		if err := getCluster(tx, clusterID, &cluster); err != nil {
			return err
		}

		if cluster.Lock.Status == types.LockIdle {
			return nil
		}

		cluster.Lock = types.LockRecord{Status: types.LockIdle}
		cluster.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&cluster)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClusters).Put(itob(clusterID), data)
	})
}

// ReconcileLocks runs once at startup. A lock that reads running after a
// restart is orphaned: no operation goroutine survived the process. The
// referenced job is marked failed and the lock released in one transaction
// per cluster.
func (s *BoltStore) ReconcileLocks() ([]int64, error) {
	var repaired []int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketClusters)

		var stuck []types.Cluster
		if err := cb.ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			if cluster.Lock.Status == types.LockRunning {
				stuck = append(stuck, cluster)
			}
			return nil
		}); err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range stuck {
			cluster := &stuck[i]

			var job types.Job
			if err := getJob(tx, cluster.Lock.CurrentJob, &job); err == nil && !job.Status.IsTerminal() {
				job.Status = types.JobStatusFailed
				job.CompletedAt = &now
				job.Output += "\n[Job failed: orphaned by restart]\n"
				if err := putJob(tx, &job); err != nil {
					return err
				}
				repaired = append(repaired, job.ID)
			}

			cluster.Lock = types.LockRecord{Status: types.LockIdle}
			cluster.UpdatedAt = now
			data, err := json.Marshal(cluster)
			if err != nil {
				return err
			}
			if err := cb.Put(itob(cluster.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock reconciliation failed: %w", err)
	}
	return repaired, nil
}
