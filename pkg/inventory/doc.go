/*
Package inventory renders the documents a playbook run consumes: the
grouped host inventory and the cluster-wide extra-variables file, written
into a short-lived per-job working directory.

Stage filtering is strict. The initial_master stage selects the single
bootstrap node, joining_masters the remaining control-plane nodes, workers
the agents; scale_add takes an explicit node list and classifies it into
new servers and new agents, all of which join the existing cluster.

Two guarantees matter for correctness of the consensus bootstrap: the
initial-master variant never carries the join endpoint, and every joining
variant always does.
*/
package inventory
