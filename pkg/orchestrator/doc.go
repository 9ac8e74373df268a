/*
Package orchestrator sequences cluster operations.

A mutating operation arrives validated and holding its cluster's lock. The
orchestrator computes the stage order for the job kind (a fresh install
bootstraps the initial master, then joins the remaining control plane, then
the workers), runs each stage's playbook through the runner, and
transitions participating nodes installing->active, draining->removed, or
->failed with the captured reason. Stages are strictly sequential; a
failure aborts everything after it.

Every exit path, panics included, funnels through storage.FinishJob, which
marks the job terminal and releases the cluster lock in a single
transaction. Cancellation flows through a per-job context: the runner
terminates the subprocess and the job settles as cancelled, with its
participants marked failed.

Preflight and upgrade-readiness checks run on a separate path that takes no
lock and transitions no nodes; they produce the structured readiness report
and, when configured, the analyzer summary.
*/
package orchestrator
