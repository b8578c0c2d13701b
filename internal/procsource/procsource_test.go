// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

package procsource

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, rec probeRecord) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, rec))
	return buf.Bytes()
}

func TestDecodeTrimsCommandAtNUL(t *testing.T) {
	rec := probeRecord{Kind: uint32(Setns), Pid: 42, Tid: 42, UID: 1000, GID: 1000, ParentPid: 1}
	copy(rec.Command[:], "bash")
	ev, err := decode(encode(t, rec))
	require.NoError(t, err)
	assert.Equal(t, Setns, ev.Kind)
	assert.Equal(t, uint32(42), ev.Pid)
	assert.Equal(t, "bash", ev.Command)
}

func TestDecodeFullLengthCommandHasNoTrailingNUL(t *testing.T) {
	rec := probeRecord{Kind: uint32(Fork)}
	copy(rec.Command[:], "0123456789abcdef")
	ev, err := decode(encode(t, rec))
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", ev.Command)
}

func TestObjectDirDefaultsToExeDir(t *testing.T) {
	os.Unsetenv("EBPF_OBJECT_DIR")
	dir, err := objectDir()
	require.NoError(t, err)
	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(exe), "ebpf"), dir)
}

func TestObjectDirHonoursLiteralPath(t *testing.T) {
	t.Setenv("EBPF_OBJECT_DIR", "/opt/probes")
	dir, err := objectDir()
	require.NoError(t, err)
	assert.Equal(t, "/opt/probes", dir)
}

func TestObjectDirCurDir(t *testing.T) {
	t.Setenv("EBPF_OBJECT_DIR", "CUR_DIR")
	dir, err := objectDir()
	require.NoError(t, err)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "ebpf"), dir)
}
