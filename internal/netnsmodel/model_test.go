// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

package netnsmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertInvariants checks the inventory's structural invariants against the
// current state of inv: every pid maps to an existing row, no row is both
// pid-empty and path-empty, and no id is carried by more than one row.
func assertInvariants(t *testing.T, inv *Inventory) {
	t.Helper()
	seenIDs := map[NsID]INode{}
	for _, inode := range inv.Inodes() {
		ns, _ := inv.Namespace(inode)
		if ns.ID != nil {
			if owner, dup := seenIDs[*ns.ID]; dup {
				t.Fatalf("id %d carried by both %d and %d", *ns.ID, owner, inode)
			}
			seenIDs[*ns.ID] = inode
		}
		if len(ns.FSPaths) == 0 && !inv.HasPid(inode) {
			t.Fatalf("row %d is both pid-empty and path-empty", inode)
		}
	}
	for pid, inode := range inv.pids {
		if _, ok := inv.Namespace(inode); !ok {
			t.Fatalf("pid %d maps to missing inode %d", pid, inode)
		}
	}
}

func TestForkAddsAPid(t *testing.T) {
	// Bootstrap inventory has one row with pid 1, then pid 200 forks into
	// the same namespace.
	inv := New()
	inv.SetPid(1, 4026531840)
	assertInvariants(t, inv)

	inv.SetPid(200, 4026531840)
	assertInvariants(t, inv)

	views := Snapshot(inv)
	require.Len(t, views, 1)
	assert.Equal(t, INode(4026531840), views[0].Inode)
	assert.Nil(t, views[0].ID)
	assert.Empty(t, views[0].FSPaths)
	assert.Equal(t, []Pid{1, 200}, views[0].Pids)
}

func TestNamedNamespaceCreatedByMount(t *testing.T) {
	// Continuing from the fork scenario, a bind mount resolves to a fresh
	// inode.
	inv := New()
	inv.SetPid(1, 4026531840)
	inv.AddPath(4026532123, "/run/netns/blue")
	assertInvariants(t, inv)

	views := Snapshot(inv)
	require.Len(t, views, 2)
	var blue *View
	for i := range views {
		if views[i].Inode == 4026532123 {
			blue = &views[i]
		}
	}
	require.NotNil(t, blue)
	assert.Nil(t, blue.ID)
	assert.Equal(t, []string{"/run/netns/blue"}, blue.FSPaths)
	assert.Empty(t, blue.Pids)
}

func TestIdAssignmentDoesNotLeakAcrossRows(t *testing.T) {
	// Assigning id 7 to the mounted row must not affect the other row.
	inv := New()
	inv.SetPid(1, 4026531840)
	inv.AddPath(4026532123, "/run/netns/blue")

	ok := inv.SetID(4026532123, 7)
	require.True(t, ok)
	assertInvariants(t, inv)

	blue, _ := inv.Namespace(4026532123)
	require.NotNil(t, blue.ID)
	assert.EqualValues(t, 7, *blue.ID)

	other, _ := inv.Namespace(4026531840)
	assert.Nil(t, other.ID)
}

func TestPathRemovalDropsIdCarryingRow(t *testing.T) {
	// A row bound only by a mount path and carrying id 7 loses its path:
	// RemovePath leaves it pid/path-empty and drops it, id and all.
	inv := New()
	inv.AddPath(4026532123, "/run/netns/blue")
	inv.SetID(4026532123, 7)
	inode, ok := inv.RemovePath("/run/netns/blue")
	require.True(t, ok)
	assert.Equal(t, INode(4026532123), inode)
	// RemovePath's dropIfEmpty should already have removed the row since it
	// has no pids either.
	_, stillThere := inv.Namespace(4026532123)
	assert.False(t, stillThere)

	ns, found := inv.NamespaceByID(7)
	assert.False(t, found)
	assert.Nil(t, ns)
}

func TestSetnsMigrationDropsSourceWhenEmpty(t *testing.T) {
	// pid 200 migrates from namespace A (pid-only) to namespace B (already
	// bound to a path). A has no paths, so after the pid leaves it must be
	// dropped; B keeps the pid.
	inv := New()
	const a, b INode = 111, 222
	inv.SetPid(200, a)
	inv.AddPath(b, "/run/netns/blue")
	assertInvariants(t, inv)

	inv.SetPid(200, b)
	assertInvariants(t, inv)

	_, aStillThere := inv.Namespace(a)
	assert.False(t, aStillThere)

	views := Snapshot(inv)
	require.Len(t, views, 1)
	assert.Equal(t, b, views[0].Inode)
	assert.Equal(t, []Pid{200}, views[0].Pids)
}

func TestForkThenImmediateExitRestoresPriorPidMap(t *testing.T) {
	// Idempotence law: Fork(pid) then Exit(pid) with no other evidence
	// leaves the pid map as it was before the fork.
	inv := New()
	inv.SetPid(1, 4026531840)
	before := len(inv.pids)

	inv.SetPid(200, 4026531840)
	inv.RemovePid(200)

	assert.Equal(t, before, len(inv.pids))
	_, ok := inv.PidInode(200)
	assert.False(t, ok)
}

func TestSetIDRejectsDuplicate(t *testing.T) {
	inv := New()
	inv.AddPath(1, "/run/netns/a")
	inv.AddPath(2, "/run/netns/b")
	require.True(t, inv.SetID(1, 5))
	assert.False(t, inv.SetID(2, 5))
}
