package server

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/exp/maps"

	"github.com/viamrobotics/taglocator/locator"
	"github.com/viamrobotics/taglocator/spatialmath"
	"github.com/viamrobotics/taglocator/utils"
)

// DefaultAddress is where the locator listens when the config does not say
// otherwise.
const DefaultAddress = ":30002"

// Server accepts TCP clients and streams every result-store update to each
// of them. A client only sees updates published after it connected; a slow
// or dead client is dropped without disturbing the others.
type Server struct {
	listener net.Listener
	results  *locator.Results
	logger   golog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]net.Conn

	workers utils.StoppableWorkers
}

// New binds the address and starts serving immediately.
func New(address string, results *locator.Results, logger golog.Logger) (*Server, error) {
	if results == nil {
		return nil, errors.New("results store is required")
	}
	if address == "" {
		address = DefaultAddress
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen on %q", address)
	}
	s := &Server{
		listener: listener,
		results:  results,
		logger:   logger,
		sessions: map[uuid.UUID]net.Conn{},
	}
	s.workers = utils.NewStoppableWorkers(s.acceptLoop, s.closeListenerOnDone)
	logger.Infow("serving object locations", "address", listener.Addr().String())
	return s, nil
}

// Address returns the bound listen address.
func (s *Server) Address() net.Addr {
	return s.listener.Addr()
}

// ActiveSessions returns how many clients are currently connected.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// closeListenerOnDone unblocks Accept once the workers are stopped.
func (s *Server) closeListenerOnDone(ctx context.Context) {
	<-ctx.Done()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debugw("listener close", "error", err)
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("accept failed; retrying", "error", err)
			if !goutils.SelectContextOrWait(ctx, time.Second) {
				return
			}
			continue
		}
		s.startSession(conn)
	}
}

func (s *Server) startSession(conn net.Conn) {
	if s.workers.Context().Err() != nil {
		goutils.UncheckedError(conn.Close())
		return
	}
	id := uuid.New()
	// The store's timestamp as of the accept is the session's starting
	// point; earlier results are never replayed.
	last, _ := s.results.Snapshot()
	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()
	s.logger.Infow("client connected", "session", id.String(), "remote", conn.RemoteAddr().String())
	s.workers.AddWorkers(func(ctx context.Context) {
		defer s.dropSession(id)
		s.serveSession(ctx, conn, last)
	})
}

func (s *Server) dropSession(id uuid.UUID) {
	s.mu.Lock()
	conn, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debugw("session close", "session", id.String(), "error", err)
	}
	s.logger.Infow("client disconnected", "session", id.String())
}

// serveSession streams updates to one client, one packet per located object
// in name order.
func (s *Server) serveSession(ctx context.Context, conn net.Conn, last time.Time) {
	enc := json.NewEncoder(conn)
	for {
		ts, poses, err := s.results.Wait(ctx, last)
		if err != nil {
			return
		}
		last = ts
		for _, name := range sortedNames(poses) {
			packet := NewObjectLocationPacket(ts, name, poses[name])
			if err := enc.Encode(packet); err != nil {
				if ctx.Err() == nil {
					s.logger.Infow("dropping client after write failure", "error", err)
				}
				return
			}
		}
	}
}

func sortedNames(poses map[string]*spatialmath.Pose) []string {
	names := maps.Keys(poses)
	sort.Strings(names)
	return names
}

// Close disconnects every client, stops accepting, and waits for the
// session writers to drain.
func (s *Server) Close() error {
	var errs error
	s.mu.Lock()
	for id, conn := range s.sessions {
		errs = multierr.Combine(errs, conn.Close())
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	s.workers.Stop()
	// a session accepted while the first sweep ran could have missed it
	s.mu.Lock()
	for id, conn := range s.sessions {
		errs = multierr.Combine(errs, conn.Close())
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	return errs
}
