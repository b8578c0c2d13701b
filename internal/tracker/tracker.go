// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package tracker implements the single event-fusion loop that folds
// process events, namespace-id events, mount-diff events and state
// requests into the namespace inventory.
package tracker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/siemens/netnstracker/internal/broadcast"
	"github.com/siemens/netnstracker/internal/mountdiff"
	"github.com/siemens/netnstracker/internal/netnsmodel"
	"github.com/siemens/netnstracker/internal/nsidsource"
	"github.com/siemens/netnstracker/internal/procsource"
)

// StateRequest is a request to project and broadcast the current
// inventory.
type StateRequest struct{}

// Tracker owns the inventory and the bookkeeping needed to apply mount
// events: a uuid-to-path binding tracking which inventory path each
// mountpoint uuid currently contributed.
type Tracker struct {
	inv        *netnsmodel.Inventory
	mountPaths map[uuid.UUID]string

	procSub  *broadcast.Subscription[procsource.Event]
	nsidSub  *broadcast.Subscription[nsidsource.Event]
	mountSub *broadcast.Subscription[mountdiff.Change]
	requests <-chan StateRequest

	Responses *broadcast.Topic[[]netnsmodel.View]

	log *logrus.Entry
}

// New builds a Tracker subscribed to the three event topics and a state
// request channel. The caller owns the lifetime of the topics and the
// requests channel; Run exits once ctx is cancelled, a source topic closes,
// or a state request arrives while Responses has no subscriber.
func New(
	procTopic *broadcast.Topic[procsource.Event],
	nsidTopic *broadcast.Topic[nsidsource.Event],
	mountTopic *broadcast.Topic[mountdiff.Change],
	requests <-chan StateRequest,
	log *logrus.Entry,
) *Tracker {
	return &Tracker{
		inv:        netnsmodel.New(),
		mountPaths: map[uuid.UUID]string{},
		procSub:    procTopic.Subscribe(),
		nsidSub:    nsidTopic.Subscribe(),
		mountSub:   mountTopic.Subscribe(),
		requests:   requests,
		Responses:  broadcast.NewTopic[[]netnsmodel.View](),
		log:        log.WithField("component", "tracker"),
	}
}

// Seed lets the bootstrap scanner hand the tracker its pre-populated
// inventory, so startup and steady-state share the same data structure and
// invariants.
func (tr *Tracker) Seed(inv *netnsmodel.Inventory) {
	tr.inv = inv
}

// Run is the cooperative single-threaded fusion loop: each iteration
// handles exactly one event from whichever source is ready, via Go's
// select statement, which already picks pseudo-randomly among ready cases
// and so cannot starve a source that is making progress.
func (tr *Tracker) Run(ctx context.Context) error {
	defer tr.procSub.Close()
	defer tr.nsidSub.Close()
	defer tr.mountSub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case raw, ok := <-tr.procSub.C():
			if !ok {
				return nil
			}
			if tr.handleProcessEvent(raw.(broadcast.Envelope[procsource.Event]).Value) {
				tr.publishSnapshot()
			}

		case raw, ok := <-tr.nsidSub.C():
			if !ok {
				return nil
			}
			if tr.handleNsIDEvent(raw.(broadcast.Envelope[nsidsource.Event]).Value) {
				tr.publishSnapshot()
			}

		case raw, ok := <-tr.mountSub.C():
			if !ok {
				return nil
			}
			if tr.handleMountEvent(raw.(broadcast.Envelope[mountdiff.Change]).Value) {
				tr.publishSnapshot()
			}

		case _, ok := <-tr.requests:
			if !ok {
				return nil
			}
			if err := tr.handleStateRequest(); err != nil {
				return err
			}
		}
	}
}

// handleProcessEvent applies ev to the inventory, reporting whether it
// changed anything.
func (tr *Tracker) handleProcessEvent(ev procsource.Event) bool {
	switch ev.Kind {
	case procsource.Fork, procsource.Clone, procsource.Unshare, procsource.Setns:
		ref := fmt.Sprintf("/proc/%d/ns/net", ev.Pid)
		inode, ok := statInode(ref)
		if !ok {
			tr.log.WithField("pid", ev.Pid).Debug("process vanished before ns/net stat")
			return false
		}
		tr.inv.SetPid(ev.Pid, inode)
		return true
	case procsource.Exit:
		tr.inv.RemovePid(ev.Pid)
		return true
	case procsource.Exec:
		// No namespace effect.
		return false
	default:
		return false
	}
}

// handleNsIDEvent applies ev to the inventory, reporting whether it changed
// anything.
func (tr *Tracker) handleNsIDEvent(ev nsidsource.Event) bool {
	if ev.ID < 0 {
		return false
	}
	if ev.Added {
		inode, found := tr.resolveInodeForID(ev.ID)
		if !found {
			tr.log.WithField("id", ev.ID).Debug("id assignment did not resolve to a known namespace")
			return false
		}
		if !tr.inv.SetID(inode, ev.ID) {
			tr.log.WithFields(logrus.Fields{"inode": inode, "id": ev.ID}).Warn("id already claimed by another row")
			return false
		}
		return true
	}
	if ns, ok := tr.inv.NamespaceByID(ev.ID); ok {
		tr.inv.RemoveNamespace(ns.Inode)
		return true
	}
	return false
}

// handleMountEvent applies ch to the inventory, reporting whether it changed
// anything.
func (tr *Tracker) handleMountEvent(ch mountdiff.Change) bool {
	switch ch.Kind {
	case mountdiff.Added:
		if ch.Entry.FSType != "nsfs" {
			return false
		}
		inode, ok := statInode(ch.Entry.Path)
		if !ok {
			tr.log.WithField("path", ch.Entry.Path).Debug("mount vanished before stat")
			return false
		}
		tr.inv.AddPath(inode, ch.Entry.Path)
		tr.mountPaths[ch.UUID] = ch.Entry.Path
		return true

	case mountdiff.Modified:
		if ch.Entry.FSType != "nsfs" {
			return false
		}
		if oldPath, bound := tr.mountPaths[ch.UUID]; bound {
			tr.inv.RemovePath(oldPath)
		}
		inode, ok := statInode(ch.Entry.Path)
		if !ok {
			delete(tr.mountPaths, ch.UUID)
			return true
		}
		tr.inv.AddPath(inode, ch.Entry.Path)
		tr.mountPaths[ch.UUID] = ch.Entry.Path
		return true

	case mountdiff.Removed:
		oldPath, bound := tr.mountPaths[ch.UUID]
		if !bound {
			return false
		}
		delete(tr.mountPaths, ch.UUID)
		tr.inv.RemovePath(oldPath)
		return true

	default:
		return false
	}
}

// publishSnapshot projects the current inventory and broadcasts it to
// anyone subscribed to Responses, independent of the explicit
// request/response path handleStateRequest serves. A streaming websocket
// client sees every mutation this way, not just ones coincident with
// another client's snapshot request.
func (tr *Tracker) publishSnapshot() {
	if tr.Responses.SubscriberCount() == 0 {
		return
	}
	tr.Responses.Publish(netnsmodel.Snapshot(tr.inv))
}

// errNoSubscribers is returned by handleStateRequest, and therefore by Run,
// when the last state-response subscriber has gone away: the tracker
// terminates cleanly at that point rather than publish into the void
// forever.
var errNoSubscribers = fmt.Errorf("tracker: no state-response subscribers remain")

func (tr *Tracker) handleStateRequest() error {
	if tr.Responses.SubscriberCount() == 0 {
		return errNoSubscribers
	}
	views := netnsmodel.Snapshot(tr.inv)
	tr.Responses.Publish(views)
	return nil
}

// IsShutdown reports whether err is the sentinel Run returns for the
// no-subscribers termination condition, as opposed to an actual failure.
func IsShutdown(err error) bool {
	return err == errNoSubscribers
}
