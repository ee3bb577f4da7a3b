// Package client is a small HTTP client for the controller's operator API.
// The recsync CLI uses it for the session and nodes commands.
package client
