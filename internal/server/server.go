// Package server accepts chat connections and drives each one through the
// join handshake against the room.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"wardenchat/internal/room"
	"wardenchat/pkg/protocol"
	"wardenchat/pkg/transcript"
)

const (
	// DefaultHandshakeTimeout bounds the wait for the Identify envelope.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds one envelope write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultOutboundQueue is the per-participant outbound queue size.
	DefaultOutboundQueue = 64
)

// Options configures a Server.
type Options struct {
	Address          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	OutboundQueue    int
	EventBuffer      int
	Logger           *slog.Logger
	Transcript       *transcript.Log
	Presenter        transcript.Presenter
}

// Server owns the listener, the room and every connection handler.
type Server struct {
	opts     Options
	logger   *slog.Logger
	room     *room.Room
	listener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server. Zero option values fall back to defaults.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = DefaultOutboundQueue
	}
	if opts.Transcript == nil {
		opts.Transcript = transcript.New()
	}

	return &Server{
		opts:   opts,
		logger: opts.Logger,
		room: room.New(
			room.WithLogger(opts.Logger),
			room.WithTranscript(opts.Transcript),
			room.WithPresenter(opts.Presenter),
			room.WithEventBuffer(opts.EventBuffer),
		),
	}
}

// Start listens on the configured address and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return &protocol.TransportError{Op: "listen", Err: err}
	}
	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.room.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()

	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	started := fmt.Sprintf("Server has been started and is listening for connections on port %s", port)
	if err := s.opts.Transcript.Append(protocol.FormatLine(started, time.Now())); err != nil {
		s.logger.Warn("transcript append failed", "error", err)
	}

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Room exposes the coordinator, mainly for inspection.
func (s *Server) Room() *room.Room {
	return s.room
}

// Transcript returns the room transcript.
func (s *Server) Transcript() *transcript.Log {
	return s.opts.Transcript
}

// Stop closes the listener, kicks every participant and waits for all
// goroutines to finish.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	s.logger.Info("shutting down")

	if s.cancel != nil {
		s.cancel()
	}
	s.listener.Close()

	s.room.Stop()
	s.room.Wait()
	s.wg.Wait()

	s.logger.Info("shutdown complete")
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", &protocol.TransportError{Op: "accept", Err: err})
			continue
		}

		s.logger.Debug("connection accepted", "addr", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}
