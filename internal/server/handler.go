package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"wardenchat/internal/metrics"
	"wardenchat/internal/room"
	"wardenchat/pkg/crypto"
	"wardenchat/pkg/protocol"
)

// handle runs one connection: Connecting, Identified, then the read loop until
// the connection closes.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Stop must not wait out the handshake deadline.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := s.logger.With("addr", conn.RemoteAddr().String())
	dec := protocol.NewDecoder(conn)

	conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	env, err := dec.Decode()
	if err == nil && env.Kind != protocol.KindIdentify {
		err = &protocol.ProtocolError{Kind: env.Kind, Reason: "expected identify"}
	}
	if err != nil {
		logger.Info("handshake failed", "error", err)
		s.refuseDirect(conn, err)
		return
	}
	conn.SetReadDeadline(time.Time{})
	metrics.EnvelopesTotal.WithLabelValues(env.Kind.String()).Inc()

	p := room.NewParticipant(env.Name, s.opts.OutboundQueue, func() { conn.Close() })
	logger = logger.With("name", p.Name, "participant", p.ID)

	quit := make(chan struct{})
	writerDone := make(chan struct{})
	defer close(quit)
	go s.writeLoop(conn, p, logger, quit, writerDone)

	if err := s.room.Join(ctx, p); err != nil {
		logger.Info("join refused", "error", err)
		s.awaitWriter(err, writerDone)
		return
	}

	cause := s.readLoop(ctx, dec, p)
	logLeave(logger, cause)

	if err := s.room.Leave(context.Background(), p, cause); err != nil {
		return
	}
	s.awaitWriter(nil, writerDone)
}

// awaitWriter gives the writer a bounded chance to flush what the room queued
// (a Refusal, or the tail of the session). joinErr from a closed room means the
// queue was never handed over, so there is nothing to wait for.
func (s *Server) awaitWriter(joinErr error, writerDone <-chan struct{}) {
	if errors.Is(joinErr, room.ErrClosed) || errors.Is(joinErr, context.Canceled) {
		return
	}
	select {
	case <-writerDone:
	case <-time.After(s.opts.WriteTimeout):
	}
}

// refuseDirect answers a connection that never reached the room.
func (s *Server) refuseDirect(conn net.Conn, err error) {
	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	protocol.NewEncoder(conn).Encode(protocol.NewRefusal(perr.Error()))
}

// readLoop dispatches envelopes to the room until the connection fails or the
// client breaks the protocol. The returned error is the reason for leaving.
func (s *Server) readLoop(ctx context.Context, dec *protocol.Decoder, p *room.Participant) error {
	for {
		env, err := dec.Decode()
		if err != nil {
			return err
		}
		metrics.EnvelopesTotal.WithLabelValues(env.Kind.String()).Inc()

		if err := s.dispatch(ctx, p, env); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, p *room.Participant, env *protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindPublicKeyOffer:
		if _, err := crypto.ParsePublicKey(env.PublicKey); err != nil {
			return &protocol.ProtocolError{Kind: env.Kind, Reason: fmt.Sprintf("unusable public key: %v", err)}
		}
		return s.room.OfferKey(ctx, p, env.PublicKey)

	case protocol.KindKeyPayload:
		return s.room.DeliverKey(ctx, p, env.Ticket, env.Payload)

	case protocol.KindChatLine:
		if !env.IsChat() {
			return &protocol.ProtocolError{Kind: env.Kind, Reason: "clients may not send announcements"}
		}
		return s.room.Chat(ctx, p, env.Payload)

	default:
		return &protocol.ProtocolError{Kind: env.Kind, Reason: "not accepted from clients"}
	}
}

func logLeave(logger *slog.Logger, cause error) {
	var terr *protocol.TransportError
	switch {
	case errors.Is(cause, io.EOF):
		logger.Info("client disconnected")
	case errors.As(cause, &terr):
		logger.Info("connection lost", "error", cause)
	default:
		logger.Warn("closing connection", "error", cause)
	}
}
