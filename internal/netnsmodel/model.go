// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package netnsmodel holds the in-memory namespace inventory: the keyed
// collection of network namespaces and the process-to-namespace map that
// the tracker core mutates as it folds in events.
package netnsmodel

import (
	"fmt"
	"path"
	"sort"
)

// INode identifies a network namespace for the lifetime of the host: same
// namespace implies same inode, distinct namespaces imply distinct inodes.
type INode = uint64

// Pid is a process or thread id as reported by the kernel.
type Pid = uint32

// NsID is the small, kernel-assigned integer identifier a network namespace
// may carry when referenced by id from some peer namespace.
type NsID = int32

// Namespace is one row of the inventory, keyed by inode. Id and FSPaths may
// be absent; Pids is derived on projection and is not stored here.
type Namespace struct {
	Inode   INode
	ID      *NsID
	FSPaths map[string]struct{}
}

func newNamespace(inode INode) *Namespace {
	return &Namespace{Inode: inode, FSPaths: map[string]struct{}{}}
}

// HasID reports whether this row currently carries an assigned id.
func (n *Namespace) HasID() bool {
	return n.ID != nil
}

// Files returns every filesystem reference usable to open this namespace:
// its bind mounts first, then a representative proc entry for every pid
// known to be inhabiting it.
func (n *Namespace) Files(pids []Pid) []string {
	files := make([]string, 0, len(n.FSPaths)+len(pids))
	for p := range n.FSPaths {
		files = append(files, p)
	}
	sort.Strings(files)
	for _, pid := range pids {
		files = append(files, procNetNsPath(pid))
	}
	return files
}

// AnyFile returns the first usable filesystem reference for this row, if
// any, preferring a bind mount over a proc entry.
func (n *Namespace) AnyFile(pids []Pid) (string, bool) {
	files := n.Files(pids)
	if len(files) == 0 {
		return "", false
	}
	return files[0], true
}

func procNetNsPath(pid Pid) string {
	return fmt.Sprintf("/proc/%d/ns/net", pid)
}

// Inventory is the keyed collection of namespaces plus the pid map,
// together with the invariants that must hold between events:
//
//  1. every pid in the pid map refers to an existing row
//  2. no row is both pid-empty and path-empty (SetPid and RemovePath drop
//     such rows; RemovePid does not, so a pid exit can leave one behind)
//  3. at most one row carries any given id
type Inventory struct {
	namespaces map[INode]*Namespace
	pids       map[Pid]INode
}

// New returns an empty inventory.
func New() *Inventory {
	return &Inventory{
		namespaces: map[INode]*Namespace{},
		pids:       map[Pid]INode{},
	}
}

// EnsureNamespace returns the row for inode, creating an empty one (no id,
// no paths) if it does not yet exist.
func (inv *Inventory) EnsureNamespace(inode INode) *Namespace {
	ns, ok := inv.namespaces[inode]
	if !ok {
		ns = newNamespace(inode)
		inv.namespaces[inode] = ns
	}
	return ns
}

// Namespace returns the row for inode, if it exists.
func (inv *Inventory) Namespace(inode INode) (*Namespace, bool) {
	ns, ok := inv.namespaces[inode]
	return ns, ok
}

// NamespaceByID returns the row carrying id, if any.
func (inv *Inventory) NamespaceByID(id NsID) (*Namespace, bool) {
	for _, ns := range inv.namespaces {
		if ns.ID != nil && *ns.ID == id {
			return ns, true
		}
	}
	return nil, false
}

// NamespaceByPath returns the row whose FSPaths contains the given path.
func (inv *Inventory) NamespaceByPath(p string) (*Namespace, bool) {
	p = path.Clean(p)
	for _, ns := range inv.namespaces {
		if _, ok := ns.FSPaths[p]; ok {
			return ns, true
		}
	}
	return nil, false
}

// SetID assigns id to the row for inode, creating the row if necessary.
// Returns false if some other row already carries this id; the caller
// should treat this as a resolution conflict and log it rather than
// silently overwrite.
func (inv *Inventory) SetID(inode INode, id NsID) bool {
	if existing, ok := inv.NamespaceByID(id); ok && existing.Inode != inode {
		return false
	}
	ns := inv.EnsureNamespace(inode)
	idCopy := id
	ns.ID = &idCopy
	return true
}

// AddPath adds path to the row for inode, creating the row if necessary.
func (inv *Inventory) AddPath(inode INode, p string) {
	ns := inv.EnsureNamespace(inode)
	ns.FSPaths[path.Clean(p)] = struct{}{}
}

// RemovePath removes path from whichever row holds it, dropping the row
// afterwards if it has become both pid-empty and path-empty. Returns the
// inode the path was removed from, if any.
func (inv *Inventory) RemovePath(p string) (INode, bool) {
	ns, ok := inv.NamespaceByPath(p)
	if !ok {
		return 0, false
	}
	delete(ns.FSPaths, path.Clean(p))
	inv.dropIfEmpty(ns.Inode)
	return ns.Inode, true
}

// SetPid records that pid now inhabits the namespace at inode, creating the
// row if necessary and removing any prior mapping for pid (which may leave
// its old row pid/path-empty and thus eligible for removal).
func (inv *Inventory) SetPid(pid Pid, inode INode) {
	if old, had := inv.pids[pid]; had && old != inode {
		delete(inv.pids, pid)
		inv.dropIfEmpty(old)
	}
	inv.EnsureNamespace(inode)
	inv.pids[pid] = inode
}

// RemovePid drops pid from the pid map, possibly leaving its former
// namespace row pid/path-empty. The row is NOT eagerly dropped here: an
// idle, path-bound namespace must remain, so RemovePid itself never drops
// a row.
func (inv *Inventory) RemovePid(pid Pid) {
	delete(inv.pids, pid)
}

// RemoveNamespace drops the row for inode unconditionally, along with any
// pids mapped to it. Used when an id withdrawal indicates the namespace
// itself is gone.
func (inv *Inventory) RemoveNamespace(inode INode) bool {
	if _, ok := inv.namespaces[inode]; !ok {
		return false
	}
	delete(inv.namespaces, inode)
	for pid, ino := range inv.pids {
		if ino == inode {
			delete(inv.pids, pid)
		}
	}
	return true
}

// dropIfEmpty removes the row for inode if it is both pid-empty and
// path-empty.
func (inv *Inventory) dropIfEmpty(inode INode) {
	ns, ok := inv.namespaces[inode]
	if !ok {
		return
	}
	if len(ns.FSPaths) > 0 {
		return
	}
	for _, ino := range inv.pids {
		if ino == inode {
			return
		}
	}
	delete(inv.namespaces, inode)
}

// PidsOf returns every pid currently mapped to inode, sorted ascending.
func (inv *Inventory) PidsOf(inode INode) []Pid {
	var pids []Pid
	for pid, ino := range inv.pids {
		if ino == inode {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Inodes returns every inode currently present in the inventory, in no
// particular order.
func (inv *Inventory) Inodes() []INode {
	inodes := make([]INode, 0, len(inv.namespaces))
	for inode := range inv.namespaces {
		inodes = append(inodes, inode)
	}
	return inodes
}

// Len returns the number of namespace rows currently tracked.
func (inv *Inventory) Len() int {
	return len(inv.namespaces)
}

// PidInode returns the inode pid currently maps to, if any.
func (inv *Inventory) PidInode(pid Pid) (INode, bool) {
	inode, ok := inv.pids[pid]
	return inode, ok
}

// HasPid reports whether any pid at all currently maps to inode.
func (inv *Inventory) HasPid(inode INode) bool {
	for _, ino := range inv.pids {
		if ino == inode {
			return true
		}
	}
	return false
}
