// Package ipc implements the edge→worker handoff: a Unix domain socket
// carrying one JSON-encoded TrackingRecord per newline-terminated line.
// Ordering is FIFO within a connection and undefined across connections.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/smartpixl/pixel-ingester/internal/model"
	"go.uber.org/zap"
)

// MaxLineBytes bounds a single record line. Carriers can exceed 8 KB; 1 MB
// leaves generous headroom while stopping a runaway client.
const MaxLineBytes = 1 << 20

// Server accepts concurrent client streams and forwards decoded records to
// the out channel, blocking when the channel is full. That block is the
// backpressure path: a stalled worker slows the IPC write at the edge, which
// diverts traffic to the spool.
type Server struct {
	socketPath string
	acceptors  int
	logger     *zap.Logger

	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(socketPath string, acceptors int, logger *zap.Logger) *Server {
	return &Server{socketPath: socketPath, acceptors: acceptors, logger: logger}
}

// Listen binds the socket, removing a stale file from a previous run.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.ln = ln
	return nil
}

// Run serves until the context ends. Records decode onto out in line order
// per connection; malformed lines are logged and skipped.
func (s *Server) Run(ctx context.Context, out chan<- model.TrackingRecord) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for i := 0; i < s.acceptors; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.acceptLoop(ctx, id, out)
		}(i)
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, id int, out chan<- model.TrackingRecord) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ipc accept error", zap.Int("acceptor", id), zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn, out)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, out chan<- model.TrackingRecord) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.TrackingRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("ipc: skipping malformed record", zap.Error(err))
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug("ipc connection closed", zap.Error(err))
	}
}

// Close shuts the listener and removes the socket file.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	os.Remove(s.socketPath)
}
