// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

package main

// SemVersion is the service's version string, reported on /version and by
// --version. No release pipeline is wired up yet, so it is a plain
// constant rather than generated.
const SemVersion = "0.1.0"

const (
	// DefaultServicePort specifies the default HTTP/WS snapshot service
	// port number.
	DefaultServicePort = 5005
)

// Global settings, controllable through CLI arguments.
var (
	// Debug ("--debug") enables logging debug messages.
	Debug = false
	// Port ("--port" or just "-p") specifies the TCP port the snapshot
	// HTTP/WS service listens on.
	Port uint16 = DefaultServicePort
	// LogRequests enables logging HTTP/WS requests to the snapshot service.
	LogRequests = false
	// EbpfObjectDir ("--ebpf-dir") overrides EBPF_OBJECT_DIR for this run;
	// empty leaves the environment variable (or its EXE_DIR default) in
	// charge.
	EbpfObjectDir = ""
)
