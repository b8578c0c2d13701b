// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

package mountdiff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstReconcileAddsEverything(t *testing.T) {
	d := New()
	changes := d.reconcileWith([]MountPoint{
		{ID: 10, Path: "/run/netns/blue", FSType: "nsfs"},
		{ID: 11, Path: "/run/netns/red", FSType: "nsfs"},
	})
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, Added, c.Kind)
	}
}

func TestIdempotentRescanProducesNoChanges(t *testing.T) {
	d := New()
	table := []MountPoint{{ID: 10, Path: "/run/netns/blue", FSType: "nsfs"}}
	d.reconcileWith(table)
	changes := d.reconcileWith(table)
	assert.Empty(t, changes)
}

func TestRemovedMountpointYieldsRemoved(t *testing.T) {
	d := New()
	d.reconcileWith([]MountPoint{{ID: 10, Path: "/run/netns/blue", FSType: "nsfs"}})
	changes := d.reconcileWith(nil)
	require.Len(t, changes, 1)
	assert.Equal(t, Removed, changes[0].Kind)
}

func TestMountIdReuseAfterUnmountIsNotAliased(t *testing.T) {
	// A mountpoint is removed and its kernel mount-id later reused by an
	// unrelated mountpoint at a different path: must be Removed + Added,
	// never silently treated as the same uuid "moving".
	d := New()
	first := d.reconcileWith([]MountPoint{{ID: 10, Path: "/run/netns/blue", FSType: "nsfs"}})
	require.Len(t, first, 1)
	blueUUID := first[0].UUID

	changes := d.reconcileWith([]MountPoint{{ID: 10, Path: "/run/netns/green", FSType: "nsfs"}})
	require.Len(t, changes, 2)

	var sawRemoveOfBlue, sawAddOfGreen bool
	for _, c := range changes {
		if c.Kind == Removed && c.UUID == blueUUID {
			sawRemoveOfBlue = true
		}
		if c.Kind == Added && c.Entry.Path == "/run/netns/green" {
			sawAddOfGreen = true
		}
	}
	assert.True(t, sawRemoveOfBlue)
	assert.True(t, sawAddOfGreen)
}

func TestPathFallbackMatchWhenMountIdAbsent(t *testing.T) {
	d := New()
	d.reconcileWith([]MountPoint{{ID: 0, Path: "/run/netns/blue", FSType: "nsfs"}})
	changes := d.reconcileWith([]MountPoint{{ID: 0, Path: "/run/netns/blue", FSType: "nsfs"}})
	assert.Empty(t, changes, "same path with no mount-id should match by path and yield no delta")
}

func TestFSTypeChangeIsModified(t *testing.T) {
	d := New()
	d.reconcileWith([]MountPoint{{ID: 10, Path: "/run/netns/blue", FSType: "nsfs"}})
	changes := d.reconcileWith([]MountPoint{{ID: 10, Path: "/run/netns/blue", FSType: "tmpfs"}})
	require.Len(t, changes, 1)
	assert.Equal(t, Modified, changes[0].Kind)
}
