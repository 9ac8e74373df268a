/*
Package analyzer summarizes preflight readiness reports through an
OpenAI-compatible language-model endpoint.

The analyzer is optional and advisory: it never gates an operation, and any
failure is recorded as a warning on the job rather than failing it. The
verdict vocabulary is fixed (GO, CAUTION, NO-GO) and enforced on decode.
*/
package analyzer
