/*
Package config reads the controller's configuration from the environment.

Optional features degrade cleanly: an unset ENCRYPTION_KEY disables
credential storage, an unset ANALYZER_ENDPOINT disables the post-check
analyzer. Neither affects the correctness of cluster operations.
*/
package config
