/*
Package metrics exposes the controller's Prometheus instrumentation.

Collectors are registered with promauto on the default registry and served
from the API's /metrics endpoint.
*/
package metrics
