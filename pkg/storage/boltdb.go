package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketClusters    = []byte("clusters")
	bucketNodes       = []byte("nodes")
	bucketJobs        = []byte("jobs")
	bucketCredentials = []byte("credentials")
)

// BoltStore implements Store using BoltDB. Bolt serializes all writers, so
// every read-check-write performed inside a single db.Update is atomic;
// the lock operations below depend on that.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rke2-automation.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketClusters,
			bucketNodes,
			bucketJobs,
			bucketCredentials,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itob encodes an id as a big-endian key so buckets iterate in id order.
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// Cluster operations

func (s *BoltStore) CreateCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)

		var exists bool
		b.ForEach(func(k, v []byte) error {
			var c types.Cluster
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Name == cluster.Name {
				exists = true
			}
			return nil
		})
		if exists {
			return fmt.Errorf("cluster name already exists: %s", cluster.Name)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		cluster.ID = int64(seq)
		if cluster.Lock.Status == "" {
			cluster.Lock.Status = types.LockIdle
		}
		now := time.Now().UTC()
		cluster.CreatedAt = now
		cluster.UpdatedAt = now

		data, err := json.Marshal(cluster)
		if err != nil {
			return err
		}
		return b.Put(itob(cluster.ID), data)
	})
}

func (s *BoltStore) GetCluster(id int64) (*types.Cluster, error) {
	var cluster types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return getCluster(tx, id, &cluster)
	})
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func getCluster(tx *bolt.Tx, id int64, out *types.Cluster) error {
	data := tx.Bucket(bucketClusters).Get(itob(id))
	if data == nil {
		return fmt.Errorf("cluster %d: %w", id, ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func (s *BoltStore) GetClusterByName(name string) (*types.Cluster, error) {
	var found *types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		return b.ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			if cluster.Name == name {
				found = &cluster
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("cluster %q: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		return b.ForEach(func(k, v []byte) error {
			var cluster types.Cluster
			if err := json.Unmarshal(v, &cluster); err != nil {
				return err
			}
			clusters = append(clusters, &cluster)
			return nil
		})
	})
	return clusters, err
}

func (s *BoltStore) UpdateCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		if b.Get(itob(cluster.ID)) == nil {
			return fmt.Errorf("cluster %d: %w", cluster.ID, ErrNotFound)
		}
		cluster.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(cluster)
		if err != nil {
			return err
		}
		return b.Put(itob(cluster.ID), data)
	})
}

// DeleteCluster removes a cluster and cascades to its nodes and jobs.
func (s *BoltStore) DeleteCluster(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketClusters)
		if cb.Get(itob(id)) == nil {
			return fmt.Errorf("cluster %d: %w", id, ErrNotFound)
		}

		if err := deleteByCluster(tx.Bucket(bucketNodes), id, func(v []byte) (int64, error) {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return 0, err
			}
			if n.ClusterID != id {
				return 0, nil
			}
			return n.ID, nil
		}); err != nil {
			return err
		}

		if err := deleteByCluster(tx.Bucket(bucketJobs), id, func(v []byte) (int64, error) {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return 0, err
			}
			if j.ClusterID != id {
				return 0, nil
			}
			return j.ID, nil
		}); err != nil {
			return err
		}

		return cb.Delete(itob(id))
	})
}

// deleteByCluster removes every entry in b whose extracted id is non-zero.
func deleteByCluster(b *bolt.Bucket, clusterID int64, member func(v []byte) (int64, error)) error {
	var doomed []int64
	err := b.ForEach(func(k, v []byte) error {
		id, err := member(v)
		if err != nil {
			return err
		}
		if id != 0 {
			doomed = append(doomed, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range doomed {
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
	}
	return nil
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketClusters).Get(itob(node.ClusterID)) == nil {
			return fmt.Errorf("cluster %d: %w", node.ClusterID, ErrNotFound)
		}

		b := tx.Bucket(bucketNodes)

		// (cluster_id, hostname) and (cluster_id, any_ip) are unique across
		// non-removed nodes.
		var conflict error
		b.ForEach(func(k, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.ClusterID != node.ClusterID || n.Status == types.NodeStatusRemoved {
				return nil
			}
			if n.Hostname == node.Hostname {
				conflict = fmt.Errorf("node with hostname %q already exists in cluster", node.Hostname)
			}
			for _, ip := range []string{node.InternalIP, node.ExternalIP} {
				if ip == "" {
					continue
				}
				if ip == n.InternalIP || (n.ExternalIP != "" && ip == n.ExternalIP) {
					conflict = fmt.Errorf("node with IP %q already exists in cluster", ip)
				}
			}
			return nil
		})
		if conflict != nil {
			return conflict
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		node.ID = int64(seq)
		if node.Status == "" {
			node.Status = types.NodeStatusPending
		}
		now := time.Now().UTC()
		node.CreatedAt = now
		node.UpdatedAt = now

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(itob(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id int64) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(itob(id))
		if data == nil {
			return fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes(clusterID int64) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.ClusterID == clusterID {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get(itob(node.ID))
		if data == nil {
			return fmt.Errorf("node %d: %w", node.ID, ErrNotFound)
		}

		var prev types.Node
		if err := json.Unmarshal(data, &prev); err != nil {
			return err
		}
		// Node status is monotonic within a row: once past pending, a row
		// never returns to it.
		if node.Status == types.NodeStatusPending && prev.Status != types.NodeStatusPending {
			return fmt.Errorf("node %d: illegal status transition %s -> %s", node.ID, prev.Status, node.Status)
		}

		node.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(itob(node.ID), out)
	})
}

func (s *BoltStore) DeleteNode(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		return b.Delete(itob(id))
	})
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketClusters).Get(itob(job.ClusterID)) == nil {
			return fmt.Errorf("cluster %d: %w", job.ClusterID, ErrNotFound)
		}

		b := tx.Bucket(bucketJobs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		job.ID = int64(seq)
		if job.Status == "" {
			job.Status = types.JobStatusPending
		}
		job.CreatedAt = time.Now().UTC()

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(itob(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id int64) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJob(tx, id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func getJob(tx *bolt.Tx, id int64, out *types.Job) error {
	data := tx.Bucket(bucketJobs).Get(itob(id))
	if data == nil {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func putJob(tx *bolt.Tx, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put(itob(job.ID), data)
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	return s.listJobs(func(*types.Job) bool { return true })
}

func (s *BoltStore) ListJobsByCluster(clusterID int64) ([]*types.Job, error) {
	return s.listJobs(func(j *types.Job) bool { return j.ClusterID == clusterID })
}

func (s *BoltStore) listJobs(keep func(*types.Job) bool) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if keep(&job) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get(itob(job.ID)) == nil {
			return fmt.Errorf("job %d: %w", job.ID, ErrNotFound)
		}
		return putJob(tx, job)
	})
}

func (s *BoltStore) DeleteJob(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		return b.Delete(itob(id))
	})
}

func (s *BoltStore) AppendJobOutput(id int64, chunk string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.Job
		if err := getJob(tx, id, &job); err != nil {
			return err
		}
		job.Output += chunk
		return putJob(tx, &job)
	})
}

// FinishJob marks a job terminal and releases the owning cluster's lock in
// the same transaction when this job holds it. The trailer, if any, is
// appended to the output buffer so operators can see the terminal reason.
func (s *BoltStore) FinishJob(id int64, status types.JobStatus, trailer string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("job %d: %s is not a terminal status", id, status)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.Job
		if err := getJob(tx, id, &job); err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return nil // already finished
		}

		job.Status = status
		now := time.Now().UTC()
		job.CompletedAt = &now
		if trailer != "" {
			job.Output += trailer
		}
		if err := putJob(tx, &job); err != nil {
			return err
		}

		var cluster types.Cluster
		if err := getCluster(tx, job.ClusterID, &cluster); err != nil {
			// Cluster deleted out from under the job; nothing to unlock.
			return nil
		}
		if cluster.Lock.Status == types.LockRunning && cluster.Lock.CurrentJob == job.ID {
			cluster.Lock = types.LockRecord{Status: types.LockIdle}
			cluster.UpdatedAt = now
			data, err := json.Marshal(&cluster)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketClusters).Put(itob(cluster.ID), data)
		}
		return nil
	})
}

// Credential operations

func (s *BoltStore) CreateCredential(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)

		var exists bool
		b.ForEach(func(k, v []byte) error {
			var c types.Credential
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Name == cred.Name {
				exists = true
			}
			return nil
		})
		if exists {
			return fmt.Errorf("credential name already exists: %s", cred.Name)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		cred.ID = int64(seq)
		now := time.Now().UTC()
		cred.CreatedAt = now
		cred.UpdatedAt = now

		data, err := json.Marshal(credentialRecord(cred))
		if err != nil {
			return err
		}
		return b.Put(itob(cred.ID), data)
	})
}

// credentialRecord is the persisted credential shape. types.Credential hides
// the encrypted secret from JSON serialization for API responses, so the
// store wraps it to keep the secret.
type storedCredential struct {
	types.Credential
	EncryptedSecret []byte `json:"encrypted_secret"`
}

func credentialRecord(c *types.Credential) *storedCredential {
	return &storedCredential{Credential: *c, EncryptedSecret: c.EncryptedSecret}
}

func (r *storedCredential) restore() *types.Credential {
	c := r.Credential
	c.EncryptedSecret = r.EncryptedSecret
	return &c
}

func (s *BoltStore) GetCredential(id int64) (*types.Credential, error) {
	var rec storedCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get(itob(id))
		if data == nil {
			return fmt.Errorf("credential %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.restore(), nil
}

func (s *BoltStore) GetCredentialByName(name string) (*types.Credential, error) {
	var found *types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var rec storedCredential
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Name == name {
				found = rec.restore()
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("credential %q: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var rec storedCredential
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			creds = append(creds, rec.restore())
			return nil
		})
	})
	return creds, err
}

func (s *BoltStore) DeleteCredential(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("credential %d: %w", id, ErrNotFound)
		}
		return b.Delete(itob(id))
	})
}
