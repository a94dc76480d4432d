// Package apiresponses provides standardized HTTP API response helpers
// shared by the api and ratelimit packages.
package apiresponses
