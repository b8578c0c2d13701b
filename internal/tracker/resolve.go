// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	mntinfo "github.com/thediveo/go-mntinfo"

	"github.com/siemens/netnstracker/internal/netnsmodel"
	"github.com/siemens/netnstracker/internal/rtnsid"
)

// resolveInodeForID runs a three-tier search triggered by an Added(id)
// notification whose owning namespace is not yet known, to find which
// inode the kernel just assigned id to.
func (tr *Tracker) resolveInodeForID(target int32) (netnsmodel.INode, bool) {
	if inode, ok := tierKnownHandles(tr.inv, target); ok {
		return inode, true
	}
	if inode, ok := tierMountRescan(target); ok {
		return inode, true
	}
	if inode, ok := tierProcessRescan(target); ok {
		return inode, true
	}
	return 0, false
}

// tierKnownHandles re-checks every row the inventory already knows about,
// using one representative file per row.
func tierKnownHandles(inv *netnsmodel.Inventory, target int32) (netnsmodel.INode, bool) {
	for _, inode := range inv.Inodes() {
		ns, ok := inv.Namespace(inode)
		if !ok {
			continue
		}
		ref, ok := ns.AnyFile(inv.PidsOf(inode))
		if !ok {
			continue
		}
		if id, ok := getNsIDQuiet(ref); ok && id == target {
			return inode, true
		}
	}
	return 0, false
}

// tierMountRescan re-reads the live mount table, independent of whatever the
// inventory currently believes, and tries every distinct nsfs path.
func tierMountRescan(target int32) (netnsmodel.INode, bool) {
	mounts, err := mntinfo.Mounts(-1)
	if err != nil {
		return 0, false
	}
	seen := map[string]struct{}{}
	for _, m := range mounts {
		if m.FsType != "nsfs" {
			continue
		}
		if _, dup := seen[m.MountPoint]; dup {
			continue
		}
		seen[m.MountPoint] = struct{}{}
		if id, ok := getNsIDQuiet(m.MountPoint); ok && id == target {
			if inode, ok := statInode(m.MountPoint); ok {
				return inode, true
			}
		}
	}
	return 0, false
}

// tierProcessRescan walks every process's /proc/<pid>/ns/net entry, the
// last-resort tier for namespaces that have neither a known bind mount nor a
// previously observed pid.
func tierProcessRescan(target int32) (netnsmodel.INode, bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, false
	}
	for _, entry := range entries {
		if _, err := strconv.ParseUint(entry.Name(), 10, 32); err != nil || !entry.IsDir() {
			continue
		}
		ref := fmt.Sprintf("/proc/%s/ns/net", entry.Name())
		if id, ok := getNsIDQuiet(ref); ok && id == target {
			if inode, ok := statInode(ref); ok {
				return inode, true
			}
		}
	}
	return 0, false
}

func getNsIDQuiet(path string) (int32, bool) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, false
	}
	defer f.Close()
	id, err := rtnsid.GetNsID(int(f.Fd()))
	if err != nil {
		return 0, false
	}
	return id, true
}

func statInode(path string) (netnsmodel.INode, bool) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, false
	}
	return st.Ino, true
}
