// Package render projects a validated settings document into per-service
// configuration artifacts: the reverse proxy TLS blocks, the mail relay block,
// the registry daemon config and one connection descriptor per directory
// server.
//
// Rendering is a pure function of its inputs. Identical documents and
// identically resolved secrets produce byte-identical artifacts, which is what
// change detection relies on. Secret material never appears in an artifact;
// only the reference it was resolved from is shown.
package render
