/*
Package preflight builds the structured readiness report produced by the
read-only preflight and upgrade-check jobs.

Controller-side checks (topology shape, join-port reachability, version
skew) run without touching the remote hosts; the check playbook contributes
remote facts by printing a marker-prefixed JSON document into its output,
which Parse recovers. The combined report is persisted on the job and fed
to the optional analyzer.
*/
package preflight
