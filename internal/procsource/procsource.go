// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package procsource loads the fork_monitor eBPF probe, drains its ring
// buffer, decodes each fixed-layout probe record and republishes it onto a
// broadcast.Topic for the tracker.
package procsource

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/siemens/netnstracker/internal/broadcast"
)

// EventKind mirrors the probe record's kind field.
type EventKind uint32

const (
	Fork EventKind = iota
	Exec
	Exit
	Clone
	Unshare
	Setns
)

func (k EventKind) String() string {
	switch k {
	case Fork:
		return "fork"
	case Exec:
		return "exec"
	case Exit:
		return "exit"
	case Clone:
		return "clone"
	case Unshare:
		return "unshare"
	case Setns:
		return "setns"
	default:
		return "unknown"
	}
}

const commandLength = 16

// probeRecord is the wire layout the eBPF probe emits: host-endian, packed,
// 40 bytes total. Field order and sizes must match the probe's own struct
// exactly; do not reorder.
type probeRecord struct {
	Kind      uint32
	Pid       uint32
	Tid       uint32
	UID       uint32
	GID       uint32
	ParentPid uint32
	Command   [commandLength]byte
}

// Event is the decoded, string-ified form of a probeRecord handed to
// consumers.
type Event struct {
	Kind      EventKind
	Pid       uint32
	Tid       uint32
	UID       uint32
	GID       uint32
	ParentPid uint32
	Command   string
}

func decode(raw []byte) (Event, error) {
	var rec probeRecord
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, &rec); err != nil {
		return Event{}, fmt.Errorf("procsource: decoding probe record: %w", err)
	}
	end := len(rec.Command)
	for i, b := range rec.Command {
		if b == 0 {
			end = i
			break
		}
	}
	return Event{
		Kind:      EventKind(rec.Kind),
		Pid:       rec.Pid,
		Tid:       rec.Tid,
		UID:       rec.UID,
		GID:       rec.GID,
		ParentPid: rec.ParentPid,
		Command:   string(rec.Command[:end]),
	}, nil
}

const probeObjectName = "fork_monitor.bpf.o"

// objectPath resolves the on-disk location of the probe bytecode, following
// EBPF_OBJECT_DIR (EXE_DIR / CUR_DIR / literal path, defaulting to EXE_DIR
// when unset).
func objectPath() (string, error) {
	dir, err := objectDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, probeObjectName), nil
}

func objectDir() (string, error) {
	switch v, set := os.LookupEnv("EBPF_OBJECT_DIR"); {
	case !set, v == "EXE_DIR":
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("procsource: resolving executable path: %w", err)
		}
		return filepath.Join(filepath.Dir(exe), "ebpf"), nil
	case v == "CUR_DIR":
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("procsource: resolving working directory: %w", err)
		}
		return filepath.Join(cwd, "ebpf"), nil
	default:
		return v, nil
	}
}

var tracepointAttachments = []struct {
	program, category, name string
}{
	{"trace_sched_process_fork", "sched", "sched_process_fork"},
	{"trace_exec", "syscalls", "sys_enter_execve"},
	{"trace_exit", "sched", "sched_process_exit"},
	{"trace_clone", "syscalls", "sys_enter_clone"},
	{"trace_unshare", "syscalls", "sys_enter_unshare"},
	{"trace_setns", "syscalls", "sys_enter_setns"},
}

// Source owns the loaded probe programs and its ring buffer reader.
type Source struct {
	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader
	Topic  *broadcast.Topic[Event]
	log    *logrus.Entry

	closeReaderOnce sync.Once
	readerCloseErr  error
}

// closeReader closes the ring buffer reader exactly once, whichever of Run
// (reacting to context cancellation) or Close calls it first; ringbuf
// readers are not guaranteed safe to close twice.
func (s *Source) closeReader() error {
	s.closeReaderOnce.Do(func() {
		s.readerCloseErr = s.reader.Close()
	})
	return s.readerCloseErr
}

// Load locates, loads and attaches the fork_monitor probe. Callers need
// CAP_SYS_ADMIN and CAP_BPF (or equivalent) for this to succeed.
func Load(log *logrus.Entry) (*Source, error) {
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}); err != nil {
		return nil, fmt.Errorf("procsource: raising RLIMIT_MEMLOCK: %w", err)
	}

	path, err := objectPath()
	if err != nil {
		return nil, err
	}
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("procsource: loading probe object %s: %w", path, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("procsource: instantiating probe collection: %w", err)
	}

	var links []link.Link
	for _, a := range tracepointAttachments {
		prog, ok := coll.Programs[a.program]
		if !ok {
			coll.Close()
			for _, l := range links {
				l.Close()
			}
			return nil, fmt.Errorf("procsource: probe object missing program %q", a.program)
		}
		tp, err := link.Tracepoint(a.category, a.name, prog, nil)
		if err != nil {
			coll.Close()
			for _, l := range links {
				l.Close()
			}
			return nil, fmt.Errorf("procsource: attaching %s/%s: %w", a.category, a.name, err)
		}
		links = append(links, tp)
	}

	eventsMap, ok := coll.Maps["events"]
	if !ok {
		coll.Close()
		for _, l := range links {
			l.Close()
		}
		return nil, fmt.Errorf("procsource: probe object missing \"events\" ring buffer map")
	}
	reader, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		coll.Close()
		for _, l := range links {
			l.Close()
		}
		return nil, fmt.Errorf("procsource: opening ring buffer reader: %w", err)
	}

	return &Source{
		coll:   coll,
		links:  links,
		reader: reader,
		Topic:  broadcast.NewTopic[Event](),
		log:    log.WithField("source", "proc"),
	}, nil
}

// pollInterval is the sleep after each record read from the ring buffer.
// Records are read and published one at a time, so the sleep follows every
// record, not a drained batch.
const pollInterval = time.Millisecond

// Run drains the ring buffer until ctx is cancelled, the reader is closed
// (by Close), the downstream broadcast loses every subscriber, or a read
// fails for any other reason, publishing every decoded record onto Topic.
// A watcher goroutine closes the reader as soon as ctx is done, so a
// blocked Read returns within one event cycle instead of stalling shutdown.
func (s *Source) Run(ctx context.Context) error {
	defer s.Topic.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.closeReader()
		case <-done:
		}
	}()

	for {
		record, err := s.reader.Read()
		if err != nil {
			if err == ringbuf.ErrClosed {
				return nil
			}
			return fmt.Errorf("procsource: reading ring buffer: %w", err)
		}
		ev, err := decode(record.RawSample)
		if err != nil {
			s.log.WithError(err).Warn("dropping undecodable probe record")
			continue
		}
		s.log.WithFields(logrus.Fields{"kind": ev.Kind, "pid": ev.Pid, "comm": ev.Command}).Trace("process event")
		s.Topic.Publish(ev)
		if s.Topic.SubscriberCount() == 0 {
			return nil
		}
		time.Sleep(pollInterval)
	}
}

// Close detaches every tracepoint, closes the ring buffer reader and
// releases the probe collection.
func (s *Source) Close() error {
	err := s.closeReader()
	for _, l := range s.links {
		l.Close()
	}
	s.coll.Close()
	return err
}
