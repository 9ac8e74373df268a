/*
Package probe holds the read-only collaborator adapters: the cluster-status
prober that asks a running cluster about itself via kubectl, and the
credential access checker that validates SSH reachability and privileges
before a credential is trusted with an install.

Nothing here sits on the orchestrator's correctness path; results feed the
UI and pre-operation validation only.
*/
package probe
