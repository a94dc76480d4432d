// Package apply writes rendered artifacts to their destination, tracks what
// was last applied and tells services to reload.
//
// Two destinations exist: FileApplier writes files below a root directory
// (the omnibus layout) and ConfigMapApplier keeps one ConfigMap per service
// in a Kubernetes namespace. Reloaders signal a service after any of its
// artifacts changed.
package apply
