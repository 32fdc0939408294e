// Package app wires the graph loader, execution engine, and HTTP server
// into a runnable application.
package app
