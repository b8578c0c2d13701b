// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// netnstracker maintains a continuously-updated inventory of the Linux
// network namespaces on this host: which namespaces exist, what kernel ids
// and bind-mount paths they carry, and which processes inhabit each. It
// fuses three asynchronous kernel event streams (process lifecycle via an
// eBPF probe, namespace-id assignment via routing netlink, and mount-table
// changes) into one inventory, exposed over HTTP as a one-shot snapshot and
// a streaming websocket.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/integrii/flaggy"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/siemens/netnstracker/internal/bootstrap"
	"github.com/siemens/netnstracker/internal/broadcast"
	"github.com/siemens/netnstracker/internal/mountdiff"
	"github.com/siemens/netnstracker/internal/netnsmodel"
	"github.com/siemens/netnstracker/internal/nsidsource"
	"github.com/siemens/netnstracker/internal/procsource"
	"github.com/siemens/netnstracker/internal/tracker"
	"github.com/siemens/netnstracker/internal/wsapi"
)

// mountRescanInterval is how often the mount-event differ rescans
// /proc/self/mountinfo looking for changes. A dedicated mount-monitor
// could instead wake on inotify/fanotify readability of the mountinfo
// file; fixed-interval polling is the simpler mechanism used here.
const mountRescanInterval = 2 * time.Second

// runMountDiffer polls the mount table on a fixed interval and republishes
// reconciled changes onto topic.
func runMountDiffer(ctx context.Context, topic *broadcast.Topic[mountdiff.Change], log *log.Entry) error {
	defer topic.Close()
	d := mountdiff.New()
	ticker := time.NewTicker(mountRescanInterval)
	defer ticker.Stop()
	for {
		changes, err := d.Reconcile()
		if err != nil {
			return fmt.Errorf("mountdiff: %w", err)
		}
		for _, c := range changes {
			topic.Publish(c)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func main() {
	// Keeps this goroutine's OS thread stable for the lifetime of the
	// process: the startup capability check reads per-thread capability
	// state, which must stay attributed to one fixed OS thread.
	runtime.LockOSThread()

	log.SetFormatter(&log.TextFormatter{
		ForceColors:   true,
		FullTimestamp: true,
	})

	log.Infof("netnstracker version %s", SemVersion)

	flaggy.SetName("netnstracker")
	flaggy.SetDescription("live Linux network namespace inventory service")
	flaggy.SetVersion(SemVersion)

	flaggy.Bool(&Debug, "", "debug", "log debugging messages")
	flaggy.Bool(&LogRequests, "", "log-requests", "log HTTP/WS requests")
	flaggy.UInt16(&Port, "p", "port",
		fmt.Sprintf("port to expose the snapshot service on (default: %d)", Port))
	flaggy.String(&EbpfObjectDir, "", "ebpf-dir",
		"override EBPF_OBJECT_DIR for locating the probe object")

	flaggy.Parse()

	if Debug {
		log.SetLevel(log.DebugLevel)
		log.Debug("debugging messages enabled")
	}
	if EbpfObjectDir != "" {
		os.Setenv("EBPF_OBJECT_DIR", EbpfObjectDir)
	}

	if err := checkCapabilities(); err != nil {
		log.Fatalf("startup capability check failed: %s", err.Error())
	}

	procEntry := log.WithField("service", "netnstracker")

	probe, err := procsource.Load(procEntry)
	if err != nil {
		log.Fatalf("cannot load process-event probe: %s", err.Error())
	}
	defer probe.Close()

	nsids, err := nsidsource.New(procEntry)
	if err != nil {
		log.Fatalf("cannot open namespace-id event source: %s", err.Error())
	}
	defer nsids.Close()

	mountTopic := broadcast.NewTopic[mountdiff.Change]()

	inv := netnsmodel.New()
	if err := bootstrap.Scan(inv, procEntry); err != nil {
		log.Fatalf("bootstrap scan failed: %s", err.Error())
	}
	log.Infof("bootstrap scan seeded %d namespaces", inv.Len())

	requests := make(chan tracker.StateRequest)
	trk := tracker.New(probe.Topic, nsids.Topic, mountTopic, requests, procEntry)
	trk.Seed(inv)

	server := wsapi.New(requests, trk.Responses, SemVersion, LogRequests, procEntry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return probe.Run(gctx) })
	group.Go(func() error { return nsids.Run(gctx) })
	group.Go(func() error { return runMountDiffer(gctx, mountTopic, procEntry) })
	group.Go(func() error {
		err := trk.Run(gctx)
		if tracker.IsShutdown(err) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		httpServer := &http.Server{
			Addr:    fmt.Sprintf("[::]:%d", Port),
			Handler: server.Handler(),
		}
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		log.Infof("starting snapshot service on port %d...", Port)
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil {
		log.Errorf("netnstracker shut down with error: %s", err.Error())
		os.Exit(1)
	}
}
