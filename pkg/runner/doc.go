/*
Package runner supervises the playbook subprocess for one job stage.

The runner decrypts the operation's credential into the job working
directory (0600, deleted on every exit path), spawns the playbook with
merged stdout and stderr, and forwards each output line both to the job's
event bus for live subscribers and to the persisted output buffer.
Forwarding is bounded and non-blocking: a slow subscriber is the bus's
problem, never the subprocess's.

Cancellation is cooperative. When the context is cancelled the subprocess
gets a termination signal, a bounded grace period, then a kill; the run
reports ErrCancelled so the orchestrator can mark the job cancelled rather
than failed.
*/
package runner
