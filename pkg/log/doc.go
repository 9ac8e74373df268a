/*
Package log provides structured logging for the controller built on zerolog.

Call Init once at startup, then use the package helpers or the child-logger
constructors (WithComponent, WithClusterID, WithJobID) to attach consistent
fields. Console output is the default; JSON output is available for
machine-ingested deployments.

Credential material must never reach a log line; callers log credential ids
and names only.
*/
package log
