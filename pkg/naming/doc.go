// Package naming converts service names and artifact paths into names that
// Kubernetes accepts for ConfigMaps, label values and ConfigMap data keys.
package naming
