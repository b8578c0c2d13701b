// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

package netnsmodel

import "sort"

// View is the public, read-only projection of one Namespace row: its id
// and bind-mount paths copied verbatim, and the pid map inverted to give
// the set of pids currently inhabiting it.
type View struct {
	Inode   INode    `json:"inode"`
	ID      *NsID    `json:"id,omitempty"`
	FSPaths []string `json:"fs_paths"`
	Pids    []Pid    `json:"pids"`
}

// Snapshot projects the current inventory into a list of Views, one per
// namespace row. It is read-only and safe to call from the tracker's own
// goroutine without any extra synchronisation, since the tracker serialises
// all mutation against its own event loop.
func Snapshot(inv *Inventory) []View {
	inodes := inv.Inodes()
	views := make([]View, 0, len(inodes))
	for _, inode := range inodes {
		ns, _ := inv.Namespace(inode)
		paths := make([]string, 0, len(ns.FSPaths))
		for p := range ns.FSPaths {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		var id *NsID
		if ns.ID != nil {
			idCopy := *ns.ID
			id = &idCopy
		}
		views = append(views, View{
			Inode:   inode,
			ID:      id,
			FSPaths: paths,
			Pids:    inv.PidsOf(inode),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Inode < views[j].Inode })
	return views
}
