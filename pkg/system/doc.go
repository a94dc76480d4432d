// Package system holds process-wide helpers shared by every component:
// logger construction, structured log field conventions, request-scoped
// loggers for the HTTP API, and build version information.
package system
