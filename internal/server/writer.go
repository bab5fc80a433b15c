package server

import (
	"log/slog"
	"net"
	"time"

	"wardenchat/internal/room"
	"wardenchat/pkg/protocol"
)

// writeLoop drains the participant's outbound queue onto the connection. It
// stops when the room closes the queue, on the first write failure, or when
// the handler gives up.
func (s *Server) writeLoop(conn net.Conn, p *room.Participant, logger *slog.Logger, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	enc := protocol.NewEncoder(conn)
	for {
		select {
		case env, ok := <-p.Outbound():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := enc.Encode(env); err != nil {
				logger.Debug("write failed", "kind", env.Kind, "error", err)
				conn.Close()
				return
			}
		case <-quit:
			return
		}
	}
}
