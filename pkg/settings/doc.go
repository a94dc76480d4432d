// Package settings is the typed model of an omnibus settings document.
//
// Sources (YAML files, environment overrides) are flattened into dotted
// key/value maps, merged with later sources winning per key, and parsed into a
// Document. Parsing collects every field-level error instead of stopping at
// the first one, and never touches the filesystem or network.
package settings
