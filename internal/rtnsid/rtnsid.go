// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package rtnsid speaks just enough routing netlink to resolve and watch the
// kernel's small integer ids for network namespaces (RTM_GETNSID and the
// RTNLGRP_NSID multicast group). It is a thin wrapper around
// github.com/vishvananda/netlink's nl subpackage, the same library the
// rest of the tree uses for link/route introspection.
package rtnsid

import (
	"fmt"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// Kernel rtnetlink message types and attribute types for namespace id
// exchange (include/uapi/linux/rtnetlink.h). golang.org/x/sys/unix does not
// export these on every architecture/version, so they are pinned here.
const (
	rtmNewNsID = 88
	rtmGetNsID = 90

	netnsaNsID = 1
	netnsaFD   = 3
)

// GetNsID performs a single RTM_GETNSID request for the namespace referenced
// by fd, returning its kernel-assigned id. A reply of -1 means the kernel has
// not (yet) assigned one.
func GetNsID(fd int) (int32, error) {
	req := nl.NewNetlinkRequest(rtmGetNsID, unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	msg := nl.NewIfInfomsg(unix.AF_UNSPEC)
	req.AddData(msg)
	req.AddData(nl.NewRtAttr(netnsaFD, nl.Uint32Attr(uint32(fd))))

	replies, err := req.Execute(unix.NETLINK_ROUTE, rtmNewNsID)
	if err != nil {
		return 0, fmt.Errorf("rtnsid: GETNSID: %w", err)
	}
	for _, reply := range replies {
		id, ok, err := parseNsIDAttrs(reply)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("rtnsid: GETNSID: no NETNSA_NSID attribute in reply")
}

// parseNsIDAttrs scans a netlink message payload (past the ifinfomsg header)
// for a NETNSA_NSID attribute.
func parseNsIDAttrs(msg []byte) (int32, bool, error) {
	if len(msg) < nl.SizeofIfInfomsg {
		return 0, false, fmt.Errorf("rtnsid: short GETNSID reply (%d bytes)", len(msg))
	}
	attrs, err := nl.ParseRouteAttr(msg[nl.SizeofIfInfomsg:])
	if err != nil {
		return 0, false, fmt.Errorf("rtnsid: parsing GETNSID reply: %w", err)
	}
	for _, attr := range attrs {
		if attr.Attr.Type == netnsaNsID && len(attr.Value) >= 4 {
			return int32(nl.NativeEndian().Uint32(attr.Value)), true, nil
		}
	}
	return 0, false, nil
}

// Watcher subscribes to the RTNLGRP_NSID multicast group, delivering a raw
// id-add or id-remove notification for every namespace id change on the
// host.
type Watcher struct {
	sock *nl.NetlinkSocket
}

// NewWatcher opens a routing-netlink socket subscribed to namespace-id
// change notifications, in the caller's current network namespace.
func NewWatcher() (*Watcher, error) {
	sock, err := nl.Subscribe(unix.NETLINK_ROUTE, rtnlgrpNsID)
	if err != nil {
		return nil, fmt.Errorf("rtnsid: subscribing to RTNLGRP_NSID: %w", err)
	}
	return &Watcher{sock: sock}, nil
}

// rtnlgrpNsID is RTNLGRP_NSID from include/uapi/linux/rtnetlink.h.
const rtnlgrpNsID = 28

// Event is one namespace-id change as reported by the kernel.
type Event struct {
	// Added is true for RTM_NEWNSID, false for RTM_DELNSID.
	Added bool
	ID    int32
}

// Recv blocks for the next namespace-id event. It returns an error if the
// underlying socket fails; callers should treat that as fatal for this
// event source.
func (w *Watcher) Recv() (Event, error) {
	msgs, _, err := w.sock.Receive()
	if err != nil {
		return Event{}, fmt.Errorf("rtnsid: receiving from RTNLGRP_NSID: %w", err)
	}
	for _, m := range msgs {
		switch m.Header.Type {
		case rtmNewNsID:
			id, ok, perr := parseNsIDAttrs(m.Data)
			if perr == nil && ok {
				return Event{Added: true, ID: id}, nil
			}
		case rtmDelNsID:
			id, ok, perr := parseNsIDAttrs(m.Data)
			if perr == nil && ok {
				return Event{Added: false, ID: id}, nil
			}
		}
	}
	// Nothing decodable in this batch; caller loops and calls Recv again.
	return Event{}, errNoEvent
}

const rtmDelNsID = 89

var errNoEvent = fmt.Errorf("rtnsid: no namespace-id event in this batch")

// IsNoEvent reports whether err is the sentinel Recv returns when a batch of
// netlink messages carried nothing decodable as a namespace-id change; the
// caller should simply call Recv again.
func IsNoEvent(err error) bool {
	return err == errNoEvent
}

// Close releases the underlying netlink socket.
func (w *Watcher) Close() error {
	w.sock.Close()
	return nil
}
