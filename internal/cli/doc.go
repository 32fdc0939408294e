// Package cli parses command-line arguments into an application
// configuration and defines the exit-code contract for the binary.
package cli
