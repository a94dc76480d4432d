// Package output formats command results as tables, JSON or YAML.
package output
