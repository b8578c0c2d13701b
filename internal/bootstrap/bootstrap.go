// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package bootstrap performs the initial full enumeration: every running
// process's network namespace, every nsfs bind mount, and an id resolution
// pass over the resulting rows, before the tracker begins processing live
// events.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	mntinfo "github.com/thediveo/go-mntinfo"

	"github.com/siemens/netnstracker/internal/netnsmodel"
	"github.com/siemens/netnstracker/internal/rtnsid"
)

// Scan populates inv from /proc, the mount table and routing-netlink id
// resolution. Per-entry stat/open failures and per-row netlink failures are
// logged and skipped; only an unreadable /proc directory or mount table
// aborts the scan. A netlink failure never aborts it.
func Scan(inv *netnsmodel.Inventory, log *logrus.Entry) error {
	if err := scanProcesses(inv, log); err != nil {
		return fmt.Errorf("bootstrap: scanning /proc: %w", err)
	}
	if err := scanMounts(inv, log); err != nil {
		return fmt.Errorf("bootstrap: scanning mount table: %w", err)
	}
	if err := resolveIDs(inv, log); err != nil {
		return fmt.Errorf("bootstrap: resolving namespace ids: %w", err)
	}
	return nil
}

func scanProcesses(inv *netnsmodel.Inventory, log *logrus.Entry) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		pid, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil || !entry.IsDir() {
			continue
		}
		ref := fmt.Sprintf("/proc/%d/ns/net", pid)
		inode, ok := statInode(ref)
		if !ok {
			log.WithField("pid", pid).Debug("bootstrap: process vanished before ns/net stat")
			continue
		}
		inv.SetPid(uint32(pid), inode)
	}
	return nil
}

func scanMounts(inv *netnsmodel.Inventory, log *logrus.Entry) error {
	mounts, err := mntinfo.Mounts(-1)
	if err != nil {
		return err
	}
	for _, m := range mounts {
		if m.FsType != "nsfs" {
			continue
		}
		inode, ok := statInode(m.MountPoint)
		if !ok {
			log.WithField("path", m.MountPoint).Debug("bootstrap: mount vanished before stat")
			continue
		}
		inv.AddPath(inode, m.MountPoint)
	}
	return nil
}

func resolveIDs(inv *netnsmodel.Inventory, log *logrus.Entry) error {
	for _, inode := range inv.Inodes() {
		ns, ok := inv.Namespace(inode)
		if !ok {
			continue
		}
		ref, ok := ns.AnyFile(inv.PidsOf(inode))
		if !ok {
			continue
		}
		id, err := getNsIDFor(ref)
		if err != nil {
			log.WithFields(logrus.Fields{"inode": inode, "ref": ref}).WithError(err).Debug("bootstrap: id resolution failed")
			continue
		}
		if id < 0 {
			continue
		}
		if !inv.SetID(inode, id) {
			log.WithFields(logrus.Fields{"inode": inode, "id": id}).Warn("bootstrap: id already claimed by another row")
		}
	}
	return nil
}

func getNsIDFor(path string) (int32, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return rtnsid.GetNsID(int(f.Fd()))
}

func statInode(path string) (uint64, bool) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, false
	}
	return st.Ino, true
}
