// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package mountdiff turns raw "the mount table changed" notifications into
// per-mountpoint Added/Modified/Removed deltas carrying a stable opaque id.
package mountdiff

import (
	"sort"

	"github.com/google/uuid"
	mntinfo "github.com/thediveo/go-mntinfo"
)

// MountPoint is the parsed mount-table record the Differ diffs against its
// previous snapshot. Only the fields the tracker cares about are kept.
type MountPoint struct {
	// ID is the kernel mount-id, when the underlying mount table exposes
	// one. A mount-id of 0 means "absent", so the differ falls back to
	// path-based matching.
	ID int
	// Path is the absolute mountpoint directory.
	Path string
	// FSType is the filesystem type string, e.g. "nsfs".
	FSType string
}

// ChangeKind distinguishes the three kinds of delta the Differ emits.
type ChangeKind int

const (
	// Added announces a newly observed mountpoint.
	Added ChangeKind = iota
	// Modified announces that the mountpoint carrying UUID changed
	// metadata (but not path).
	Modified
	// Removed announces that the mountpoint carrying UUID disappeared.
	Removed
)

// Change is one delta the Differ's Reconcile emits.
type Change struct {
	Kind  ChangeKind
	UUID  uuid.UUID
	Entry MountPoint // zero value for Removed
}

// Differ holds the previous rescan's snapshot, keyed by the opaque uuid
// assigned at first sighting, so that kernel mount-id reuse after unmount
// never aliases two unrelated mountpoints.
type Differ struct {
	prev map[uuid.UUID]MountPoint
}

// New returns a Differ with an empty previous snapshot; the first call to
// Reconcile will therefore report every currently-mounted entry as Added,
// letting the tracker build its initial path set through the same code
// path as ordinary mount events.
func New() *Differ {
	return &Differ{prev: map[uuid.UUID]MountPoint{}}
}

func scanMountTable() ([]MountPoint, error) {
	raw, err := mntinfo.Mounts(-1)
	if err != nil {
		return nil, err
	}
	entries := make([]MountPoint, 0, len(raw))
	for _, m := range raw {
		entries = append(entries, MountPoint{
			ID:     m.MountID,
			Path:   m.MountPoint,
			FSType: m.FsType,
		})
	}
	return entries, nil
}

// Reconcile rescans the full mount table and diffs it against the Differ's
// previous snapshot. The returned changes are stable-ordered (removals
// before additions/modifications) but otherwise carry no other ordering
// guarantee.
func (d *Differ) Reconcile() ([]Change, error) {
	rescanned, err := scanMountTable()
	if err != nil {
		return nil, err
	}
	return d.reconcileWith(rescanned), nil
}

func (d *Differ) reconcileWith(rescanned []MountPoint) []Change {
	prevByID := map[int]uuid.UUID{}
	prevByPath := map[string]uuid.UUID{}
	for id, mp := range d.prev {
		if mp.ID != 0 {
			prevByID[mp.ID] = id
		} else {
			prevByPath[mp.Path] = id
		}
	}

	next := map[uuid.UUID]MountPoint{}
	seen := map[uuid.UUID]struct{}{}
	var changes []Change

	for _, mp := range rescanned {
		if mp.ID != 0 {
			if oldUUID, ok := prevByID[mp.ID]; ok {
				old := d.prev[oldUUID]
				switch {
				case old.Path != mp.Path:
					// Moved: treat as remove of the old handle, add of a
					// fresh one.
					changes = append(changes, Change{Kind: Removed, UUID: oldUUID})
					newUUID := uuid.New()
					changes = append(changes, Change{Kind: Added, UUID: newUUID, Entry: mp})
					next[newUUID] = mp
				case old != mp:
					changes = append(changes, Change{Kind: Modified, UUID: oldUUID, Entry: mp})
					next[oldUUID] = mp
				default:
					next[oldUUID] = mp
				}
				seen[oldUUID] = struct{}{}
				continue
			}
		}
		if oldUUID, ok := prevByPath[mp.Path]; ok {
			old := d.prev[oldUUID]
			if old != mp {
				changes = append(changes, Change{Kind: Modified, UUID: oldUUID, Entry: mp})
			}
			next[oldUUID] = mp
			seen[oldUUID] = struct{}{}
			continue
		}
		newUUID := uuid.New()
		changes = append(changes, Change{Kind: Added, UUID: newUUID, Entry: mp})
		next[newUUID] = mp
	}

	for id := range d.prev {
		if _, ok := seen[id]; !ok {
			changes = append(changes, Change{Kind: Removed, UUID: id})
		}
	}

	d.prev = next
	sortChanges(changes)
	return changes
}

// sortChanges orders removals first so that a path that moved between two
// uuids never transiently appears to exist twice to a consumer folding
// these changes in one at a time.
func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Kind == Removed && changes[j].Kind != Removed
	})
}
