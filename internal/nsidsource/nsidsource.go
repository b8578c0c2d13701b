// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package nsidsource drains the RTNLGRP_NSID multicast group and
// republishes every namespace-id assignment or withdrawal onto a
// broadcast.Topic for the tracker to fold in.
package nsidsource

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/siemens/netnstracker/internal/broadcast"
	"github.com/siemens/netnstracker/internal/rtnsid"
)

// Event is the fused representation the tracker consumes: an id was either
// assigned to some namespace or withdrawn from it.
type Event struct {
	Added bool
	ID    int32
}

// Source owns the underlying netlink watcher and the topic it republishes
// onto.
type Source struct {
	watcher *rtnsid.Watcher
	Topic   *broadcast.Topic[Event]
	log     *logrus.Entry
}

// New opens the RTNLGRP_NSID subscription and returns a ready Source. The
// caller must call Run to start pumping events and Close to release the
// socket.
func New(log *logrus.Entry) (*Source, error) {
	w, err := rtnsid.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Source{
		watcher: w,
		Topic:   broadcast.NewTopic[Event](),
		log:     log.WithField("source", "nsid"),
	}, nil
}

// Run pumps namespace-id events until ctx is cancelled or the underlying
// socket fails, which is treated as a fatal error for this event source.
func (s *Source) Run(ctx context.Context) error {
	defer s.Topic.Close()
	errCh := make(chan error, 1)
	evCh := make(chan rtnsid.Event)
	go func() {
		for {
			ev, err := s.watcher.Recv()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if rtnsid.IsNoEvent(err) {
					continue
				}
				errCh <- err
				return
			}
			select {
			case evCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case ev := <-evCh:
			s.log.WithFields(logrus.Fields{"id": ev.ID, "added": ev.Added}).Debug("namespace id event")
			s.Topic.Publish(Event{Added: ev.Added, ID: ev.ID})
		}
	}
}

// Close releases the underlying netlink socket.
func (s *Source) Close() error {
	return s.watcher.Close()
}
