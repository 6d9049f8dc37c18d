// Package server wires together the keyspace, replication state, and
// command executor behind a plain TCP accept loop: one goroutine per
// connection, exactly as spec.md §5 "Concurrency & resource model"
// describes (an OS thread per connection, standing in as a goroutine).
package server

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"redisd/internal/command"
	"redisd/internal/replication"
	"redisd/internal/replstate"
	"redisd/internal/resp"
	"redisd/internal/store"
)

// Server owns the listener and the shared state every connection
// goroutine dispatches against.
type Server struct {
	cfg   *Config
	log   *logrus.Entry
	store *store.Store
	state *replstate.State
	exec  *command.Executor

	listener net.Listener
	connWG   sync.WaitGroup
	connIDs  atomic.Int64

	mu       sync.Mutex
	shutdown bool
}

// New builds a Server from cfg. If cfg configures a replica, the caller
// is expected to call ConnectToPrimary once the listener is up, matching
// spec.md's description of the handshake opening "at startup" on its own
// connection rather than blocking the accept loop.
func New(cfg *Config, log *logrus.Entry) *Server {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}

	var state *replstate.State
	if cfg.IsReplica() {
		state = replstate.NewReplicaState(cfg.Port, cfg.ReplicaOfHost, cfg.ReplicaOfPort)
	} else {
		state = replstate.NewPrimary(cfg.Port)
	}

	st := store.New()
	exec := command.New(st, state, log)

	return &Server{
		cfg:   cfg,
		log:   log,
		store: st,
		state: state,
		exec:  exec,
	}
}

// ConnectToPrimary runs the replica handshake and then services the
// resulting connection for the lifetime of the process. It returns only
// when that connection drops or the handshake itself fails; per spec.md's
// Non-goals (no reconnection, no partial resync), a replica that loses
// its primary does not retry.
func (s *Server) ConnectToPrimary() error {
	return replication.Run(s.cfg.ReplicaOfHost, s.cfg.ReplicaOfPort, s.state, s.exec, s.log)
}

// Listen opens the TCP listener. Call Serve afterward to run the accept
// loop; splitting the two lets main log the bound address before
// blocking.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(s.cfg.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the listener's bound address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until the listener is closed by Shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			shuttingDown := s.shutdown
			s.mu.Unlock()
			if shuttingDown {
				return nil
			}
			return err
		}

		id := s.connIDs.Add(1)
		s.connWG.Add(1)
		go s.handleConnection(id, conn)
	}
}

// Shutdown closes the listener and every registered replica connection,
// then waits for in-flight connections to drain. Other client connections
// are not closed here: Shutdown returns once their peers disconnect.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, r := range s.state.ListReplicas() {
		r.Conn.Close()
	}
	s.connWG.Wait()
}

func (s *Server) handleConnection(id int64, conn net.Conn) {
	defer s.connWG.Done()
	defer conn.Close()

	log := s.log.WithField("conn_id", id).WithField("remote_addr", conn.RemoteAddr())
	log.Info("connection accepted")

	var registeredReplica *replstate.Replica
	defer func() {
		if registeredReplica != nil {
			s.state.RemoveReplica(registeredReplica)
			log.Info("replica connection closed, removed from replica list")
		}
	}()

	var buf []byte
	readBuf := make([]byte, s.cfg.ReadBufferSize)

	for {
		frame, consumed, err := resp.Decode(buf)
		if err == nil {
			buf = buf[consumed:]

			response, propagate, replica := s.exec.Execute(conn, frame)
			if replica != nil {
				registeredReplica = replica
			}

			if len(response) > 0 {
				if _, werr := conn.Write(response); werr != nil {
					log.WithError(werr).Warn("write failed, closing connection")
					return
				}
			}
			if propagate {
				s.exec.Propagate(frame.Raw)
			}
			continue
		}

		if err == resp.ErrFraming {
			log.WithError(err).Warn("malformed input, closing connection")
			return
		}

		// err == resp.ErrIncomplete: read more bytes and retry.
		n, rerr := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if rerr != nil {
			if rerr != io.EOF {
				log.WithError(rerr).Warn("connection read error")
			}
			return
		}
	}
}

