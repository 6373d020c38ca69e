// internal/ingress/socket.go
package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"telemetry-gateway/internal/data"
)

const (
	TransportSocket = "socket"
	maxFrameSize    = 64 * 1024
	idleTimeout     = 5 * time.Minute
)

// Ack is written back for every frame.
type Ack struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SocketServer accepts newline-delimited JSON readings over TCP.
type SocketServer struct {
	ln     net.Listener
	sub    Submitter
	logger zerolog.Logger
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func ListenSocket(addr string, sub Submitter, logger zerolog.Logger) (*SocketServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &SocketServer{
		ln:     ln,
		sub:    sub,
		logger: logger.With().Str("component", "socket").Logger(),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func (s *SocketServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is done, then closes every open
// connection and waits for their handlers.
func (s *SocketServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Info().Str("addr", s.ln.Addr().String()).Msg("Socket listener started")
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *SocketServer) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)
	enc := json.NewEncoder(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			break
		}
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		if err := enc.Encode(s.accept(ctx, frame)); err != nil {
			s.logger.Debug().Err(err).Str("remote", remote).Msg("Ack write failed")
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("remote", remote).Msg("Socket read ended")
	}
}

func (s *SocketServer) accept(ctx context.Context, frame []byte) Ack {
	r, credential, err := data.Parse(frame, data.Meta{Transport: TransportSocket, ReceivedAt: time.Now()})
	if err != nil {
		s.sub.RejectMalformed(TransportSocket, "", err)
		return Ack{Status: "rejected", Reason: RejectMalformed}
	}
	if err := s.sub.Submit(ctx, r, credential); err != nil {
		return Ack{Status: "rejected", Reason: Reason(err)}
	}
	return Ack{Status: "accepted"}
}
