/*
Package storage persists the cluster topology: clusters, nodes, jobs and
credentials, backed by BoltDB.

The store is the single source of truth. One bucket per entity, values
JSON-encoded, integer ids from the bucket sequence so keys iterate in
creation order.

# Locking

The per-cluster operation lock lives on the cluster record. BoltDB admits
one writer at a time, which makes AcquireLock's read-check-write atomic
without any extra coordination: two concurrent acquisitions serialize, the
second observes running and fails with LockConflictError. FinishJob marks a
job terminal and releases the lock in the same transaction, so there is no
window in which a terminal job still holds its cluster.

ReconcileLocks runs once at startup and rehabilitates clusters whose lock
survived a crash: the orphaned job is marked failed and the lock released.

# Integrity

Cluster deletion cascades to nodes and jobs. Node identity
(cluster, hostname) and (cluster, ip) is unique among non-removed rows,
enforced on create. A node row never returns to pending once it has left it.
*/
package storage
