// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Checks that the process holds CAP_SYS_ADMIN before it attempts to load
// the probe program or open namespace files it does not own. CAP_BPF is
// not checked here (see requiredCapabilities).

package main

import (
	"fmt"

	caps "github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// requiredCapabilities lists what the process must hold effectively before
// bootstrap runs. CAP_BPF, added to the kernel in 5.8, would also be
// required for probe loading; the pinned gocapability release predates
// that constant, so CAP_SYS_ADMIN is checked here and CAP_BPF is left to
// the kernel's own enforcement at probe-load time (surfaced as a
// procsource.Load error).
var requiredCapabilities = []caps.Cap{
	caps.CAP_SYS_ADMIN,
}

// checkCapabilities returns an error naming every required capability that
// is not currently effective for this OS thread. Capabilities are per
// thread, not per process, hence the query via unix.Gettid rather than
// the process pid.
func checkCapabilities() error {
	tid := unix.Gettid()
	mycaps, err := caps.NewPid2(tid)
	if err == nil {
		err = mycaps.Load()
	}
	if err != nil {
		return fmt.Errorf("cannot query OS-thread capability sets: %w", err)
	}
	var missing []string
	for _, c := range requiredCapabilities {
		if !mycaps.Get(caps.EFFECTIVE, c) {
			missing = append(missing, c.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required capabilities: %v (CAP_BPF requires a 5.8+ kernel; CAP_SYS_ADMIN may substitute on older kernels)", missing)
	}
	return nil
}
