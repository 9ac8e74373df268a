/*
Package api is the controller's HTTP surface.

Handlers translate external calls into locked, guarded, orchestrated work:
a mutating request creates its job, runs the relevant guardrails, acquires
the cluster's operation lock, and hands off to the orchestrator. Guardrail
and validation failures answer synchronously with 400, lock conflicts with
409 carrying the holder's operation and job id; execution failures surface
asynchronously on the job record.

GET /jobs/{id}/stream serves the live output as server-sent events: the
subscriber's snapshot first, then live chunks in publish order, then a
terminal event. Finished jobs replay their persisted buffer.
*/
package api
