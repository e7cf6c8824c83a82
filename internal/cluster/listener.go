package cluster

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/enginefarm-io/enginefarm/internal/hub"
)

// MaxFrameBytes bounds a single request line. A client that exceeds it has
// its connection dropped, like any other unreadable stream.
const MaxFrameBytes = 1 << 20

// ServeTCP accepts control connections on l until ctx is cancelled. Each
// connection gets its own read loop; writes go through the hub. The
// listener may be plain TCP or TLS, the framing is identical.
func (s *Server) ServeTCP(ctx context.Context, l net.Listener) error {
	s.log.Info("listening",
		zap.String("addr", l.Addr().String()),
		zap.String("server_id", s.cfg.ServerID))

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("cluster: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn runs one connection's read side. The hub owns the write side
// from Attach onward and closes the socket when the client detaches, so
// either direction failing tears the whole connection down.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	client, err := s.AttachClient(hub.NewConnWriter(conn), remote)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer s.DetachClient(client, remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.HandleFrame(ctx, client, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("client read ended", zap.String("remote_addr", remote), zap.Error(err))
	}
}
