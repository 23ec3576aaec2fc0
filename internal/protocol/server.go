// Package protocol is the client-facing RESP front end. Every keyed command
// is routed before it runs: shards owned elsewhere answer MOVED, shards a
// migration already handed over answer ASK.
package protocol

import (
	"context"
	"net"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/10yihang/shardmigrate/internal/logger"
)

type Server struct {
	addr     string
	handler  *Handler
	server   *redcon.Server
	listener net.Listener
	logger   logger.Logger

	mu      sync.RWMutex
	clients int
}

func NewServer(addr string, handler *Handler, log logger.Logger) *Server {
	if log == nil {
		log = logger.NopLogger
	}
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  log.WithPrefix("protocol: "),
	}
}

// Start listens and serves until Stop. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.logger.Infof("client port listening on %s", ln.Addr())
	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

// Clients returns the number of open client connections.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	conn.SetContext(&connState{})
	s.logger.Debugf("client connected: %s", conn.RemoteAddr())
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	s.clients--
	s.mu.Unlock()
	s.logger.Debugf("client disconnected: %s", conn.RemoteAddr())
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.handler.Execute(ctx, conn, cmd.Args[0], cmd.Args[1:])

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.Execute(ctx, conn, p.Args[0], p.Args[1:])
	}
}
