/*
Package types defines the core data model shared across the controller:
clusters, nodes, jobs, credentials, and the enumerated roles and statuses
they carry.

All enumerations are string-typed with Parse helpers so unknown values coming
in over the API are rejected at the boundary instead of leaking into the
store. Identifiers are integers allocated by the storage layer; references
between entities (cluster -> current job, node -> cluster) are by id, never
by pointer, so the persisted form has no cycles.

The lifecycle invariants the rest of the system enforces are expressed over
these types:

  - Node status progresses pending -> installing -> active|failed during an
    install, and active -> draining -> removed|failed during a removal.
  - A cluster with Lock.Status == running always names a running job in
    Lock.CurrentJob.
  - Exactly one node per cluster holds the initial_master role once any
    node is active.
*/
package types
