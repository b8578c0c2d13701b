// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/siemens/netnstracker/internal/broadcast"
	"github.com/siemens/netnstracker/internal/netnsmodel"
	"github.com/siemens/netnstracker/internal/tracker"
)

// snapshotTimeout bounds how long a /snapshot or initial /ws push waits for
// the tracker to answer a state request.
const snapshotTimeout = 5 * time.Second

// Server exposes the tracker's inventory over HTTP: a one-shot JSON
// snapshot, a health probe, and a streaming websocket fed by the tracker's
// own state broadcast.
type Server struct {
	requests  chan<- tracker.StateRequest
	responses *broadcast.Topic[[]netnsmodel.View]
	upgrader  websocket.Upgrader
	log       *logrus.Entry

	version     string
	logRequests bool
}

// New returns a Server that issues state requests on requests and reads
// published snapshots from responses.
func New(requests chan<- tracker.StateRequest, responses *broadcast.Topic[[]netnsmodel.View], version string, logRequests bool, log *logrus.Entry) *Server {
	return &Server{
		requests:    requests,
		responses:   responses,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		log:         log.WithField("component", "wsapi"),
		version:     version,
		logRequests: logRequests,
	}
}

// Handler returns the fully wired HTTP handler: /version, /healthz,
// /snapshot and /ws routes behind an optional request logger.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket)
	return s.requestLogger(r)
}

func (s *Server) requestLogger(h http.Handler) http.Handler {
	if !s.logRequests {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		addr := req.RemoteAddr
		if i := strings.LastIndex(addr, ":"); i != -1 {
			addr = addr[:i]
		}
		s.log.Infof("%s - - [%s] %q",
			addr,
			time.Now().Format("02/Jan/2006:15:04:05 -0700"),
			fmt.Sprintf("%s %s %s", req.Method, req.URL.Path, req.Proto))
		h.ServeHTTP(w, req)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.log, map[string]interface{}{
		"name":    "netnstracker",
		"version": s.version,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requestSnapshot issues a state request and waits for the corresponding
// broadcast, subscribing before sending the request so that the reply can
// never be published before this caller is listening for it.
func (s *Server) requestSnapshot(ctx context.Context) ([]netnsmodel.View, error) {
	sub := s.responses.Subscribe()
	defer sub.Close()

	select {
	case s.requests <- tracker.StateRequest{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case raw, ok := <-sub.C():
		if !ok {
			return nil, fmt.Errorf("wsapi: tracker shut down before answering state request")
		}
		return raw.(broadcast.Envelope[[]netnsmodel.View]).Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), snapshotTimeout)
	defer cancel()

	views, err := s.requestSnapshot(ctx)
	if err != nil {
		s.log.WithError(err).Error("snapshot request failed")
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.log, views)
}

// handleWebsocket upgrades the connection and then either pushes a single
// snapshot (params.once) or subscribes to every subsequent tracker state
// broadcast until the client disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	params := parseStreamParams(req)

	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := newConn(ws, s.log)
	c.log.Debug("websocket connection opened")
	go c.watch()

	ctx := req.Context()
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	views, err := s.requestSnapshot(snapCtx)
	cancel()
	if err != nil {
		c.log.WithError(err).Debug("initial snapshot request failed")
		c.gracefulClose(websocket.CloseInternalServerErr, "snapshot unavailable")
		return
	}
	if err := c.writeJSON(views); err != nil {
		c.log.WithError(err).Debug("initial snapshot push failed")
		return
	}
	if params.once {
		c.gracefulClose(websocket.CloseNormalClosure, "ciao")
		return
	}

	sub := s.responses.Subscribe()
	defer sub.Close()
	for {
		select {
		case raw, ok := <-sub.C():
			if !ok {
				c.gracefulClose(websocket.CloseNormalClosure, "tracker shut down")
				return
			}
			env := raw.(broadcast.Envelope[[]netnsmodel.View])
			if err := c.writeJSON(env.Value); err != nil {
				c.log.WithError(err).Debug("snapshot push failed")
				return
			}
		case <-ctx.Done():
			c.gracefulClose(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, log *logrus.Entry, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("encoding JSON response failed")
	}
}
