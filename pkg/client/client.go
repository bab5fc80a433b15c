// Package client implements a wardenchat participant: the join handshake, the
// key warden duties and encrypted chat.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"

	"wardenchat/pkg/crypto"
	"wardenchat/pkg/dialer"
	"wardenchat/pkg/identity"
	"wardenchat/pkg/protocol"
	"wardenchat/pkg/transcript"
)

var (
	// ErrRefused wraps the reason from a server Refusal.
	ErrRefused = errors.New("refused by server")

	// ErrNotKeyed is returned by Send before the room key is held.
	ErrNotKeyed = errors.New("room key not yet obtained")

	// ErrNotConnected is returned by Send before Connect or after Close.
	ErrNotConnected = errors.New("not connected")
)

// Client is one chat participant.
type Client struct {
	id        *identity.Identity
	dialer    *dialer.Dialer
	logger    *slog.Logger
	presenter transcript.Presenter
	log       *transcript.Log
	now       func() time.Time

	conn  net.Conn
	encMu sync.Mutex
	enc   *protocol.Encoder

	mu      sync.RWMutex
	roomKey *memguard.Enclave
	warden  bool
	roster  []string
	routed  bool

	keyed     chan struct{}
	keyedOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	err       error
	closing   atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithDialer sets the transport used by Connect.
func WithDialer(d *dialer.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPresenter receives roster changes and every decrypted line.
func WithPresenter(p transcript.Presenter) Option {
	return func(c *Client) {
		if p != nil {
			c.presenter = p
		}
	}
}

// New creates a client with a fresh ephemeral identity for name.
func New(name string, opts ...Option) (*Client, error) {
	id, err := identity.New(name)
	if err != nil {
		return nil, err
	}

	c := &Client{
		id:        id,
		dialer:    dialer.New("", 0),
		logger:    slog.Default(),
		presenter: transcript.NopPresenter{},
		now:       time.Now,
		keyed:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = transcript.New(transcript.WithPresenter(c.presenter))
	c.logger = c.logger.With("identity", id.Short())
	return c, nil
}

// Name returns the display name.
func (c *Client) Name() string {
	return c.id.Name
}

// Identity returns the ephemeral identity.
func (c *Client) Identity() *identity.Identity {
	return c.id
}

// Connect dials addr, identifies and blocks until the room key is held. A
// refusal, a key failure or a lost connection before that point is returned.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if c.conn != nil {
		return errors.New("client: already connected")
	}

	conn, err := c.dialer.DialContext(ctx, addr)
	if err != nil {
		return err
	}
	return c.join(ctx, conn)
}

// join runs the handshake over an established connection.
func (c *Client) join(ctx context.Context, conn net.Conn) error {
	c.conn = conn
	c.enc = protocol.NewEncoder(conn)

	if err := c.send(protocol.NewIdentify(c.id.Name)); err != nil {
		c.finish(err)
		return err
	}

	go c.readLoop(protocol.NewDecoder(conn))

	select {
	case <-c.keyed:
		c.logger.Info("joined room", "warden", c.IsWarden())
		return nil
	case <-c.done:
		if c.err != nil {
			return c.err
		}
		return &protocol.TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// Send encrypts text as a timestamped line under the room key. The server
// echoes it back, so the line appears in the transcript when it returns.
func (c *Client) Send(text string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	key := c.RoomKey()
	if key == nil {
		return ErrNotKeyed
	}

	ciphertext, err := crypto.EncryptText(key, protocol.ChatText(c.id.Name, text, c.now()))
	if err != nil {
		return err
	}
	return c.send(protocol.NewChat(ciphertext))
}

// Roster returns the last participant list received.
func (c *Client) Roster() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.roster))
	copy(out, c.roster)
	return out
}

// IsWarden reports whether this client currently answers key requests.
func (c *Client) IsWarden() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.warden
}

// RoomKey returns the room key enclave, nil before it is obtained.
func (c *Client) RoomKey() *memguard.Enclave {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomKey
}

// Transcript returns every line displayed so far.
func (c *Client) Transcript() *transcript.Log {
	return c.log
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended; nil after Close or while running.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the connection ends and returns Err.
func (c *Client) Wait() error {
	<-c.done
	return c.err
}

// Close disconnects. The server announces the departure to the others.
func (c *Client) Close() error {
	c.closing.Store(true)
	if c.conn == nil {
		c.finish(nil)
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) send(env *protocol.Envelope) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc.Encode(env)
}

func (c *Client) finish(err error) {
	c.doneOnce.Do(func() {
		if c.closing.Load() {
			err = nil
		}
		c.err = err
		if c.conn != nil {
			c.conn.Close()
		}
		close(c.done)
	})
}

func (c *Client) markKeyed() {
	c.keyedOnce.Do(func() { close(c.keyed) })
}

func (c *Client) readLoop(dec *protocol.Decoder) {
	for {
		env, err := dec.Decode()
		if err != nil {
			c.finish(err)
			return
		}
		if err := c.handle(env); err != nil {
			c.logger.Warn("leaving room", "error", err)
			c.finish(err)
			return
		}
	}
}

func (c *Client) handle(env *protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindRoster:
		return c.handleRoster(env.Names)
	case protocol.KindChatLine:
		return c.handleLine(env)
	case protocol.KindPublicKeyOffer:
		c.answerOffer(env)
		return nil
	case protocol.KindKeyPayload:
		return c.handleKeyPayload(env)
	case protocol.KindPromotion:
		return c.handlePromotion(env.Rekey)
	case protocol.KindRefusal:
		return fmt.Errorf("%w: %s", ErrRefused, env.Reason)
	default:
		return &protocol.ProtocolError{Kind: env.Kind, Reason: "not expected from the server"}
	}
}

// handleRoster updates the list. The first roster after joining decides the
// path: alone means generate the key, otherwise request it.
func (c *Client) handleRoster(names []string) error {
	c.mu.Lock()
	c.roster = names
	first := !c.routed
	c.routed = true
	c.mu.Unlock()

	c.presenter.OnRosterChanged(names)

	if !first {
		return nil
	}
	if len(names) == 1 {
		c.mu.Lock()
		c.roomKey = crypto.GenerateRoomKey()
		c.warden = true
		c.mu.Unlock()
		c.logger.Debug("first in room, generated room key")
		c.markKeyed()
		return nil
	}

	c.logger.Debug("requesting room key", "roster_size", len(names))
	return c.send(c.id.Offer())
}

func (c *Client) handleLine(env *protocol.Envelope) error {
	if env.IsAnnouncement() {
		c.log.Append(env.Payload)
		return nil
	}

	key := c.RoomKey()
	if key == nil {
		return &protocol.ProtocolError{Kind: env.Kind, Reason: "chat received before the room key"}
	}
	line, err := crypto.DecryptText(key, env.Payload)
	if err != nil {
		return err
	}
	c.log.Append(line)
	return nil
}

// answerOffer seals the room key for a requester. Failures are logged and
// leave the requester pending.
func (c *Client) answerOffer(env *protocol.Envelope) {
	key := c.RoomKey()
	if key == nil || !c.IsWarden() {
		c.logger.Warn("ignoring key request while not warden", "requester", env.Name)
		return
	}

	pub, err := crypto.ParsePublicKey(env.PublicKey)
	if err != nil {
		c.logger.Warn("ignoring key request", "requester", env.Name, "error", err)
		return
	}

	payload, err := crypto.SealRoomKey(key, pub)
	if err != nil {
		c.logger.Error("failed to seal room key", "requester", env.Name, "error", err)
		return
	}

	if err := c.send(protocol.NewKeyPayload(env.Ticket, payload)); err != nil {
		c.logger.Warn("failed to send room key", "requester", env.Name, "error", err)
		return
	}
	c.logger.Info("room key sent", "requester", env.Name, "fingerprint", crypto.Fingerprint(env.PublicKey))
}

func (c *Client) handleKeyPayload(env *protocol.Envelope) error {
	if c.RoomKey() != nil {
		c.logger.Debug("ignoring duplicate room key", "ticket", env.Ticket)
		return nil
	}

	key, err := c.id.OpenRoomKey(env.Payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.roomKey = key
	c.mu.Unlock()
	c.markKeyed()
	return nil
}

func (c *Client) handlePromotion(rekey bool) error {
	c.mu.Lock()
	c.warden = true
	if rekey || c.roomKey == nil {
		c.roomKey = crypto.GenerateRoomKey()
	}
	c.mu.Unlock()

	c.logger.Info("promoted to warden", "rekey", rekey)
	c.markKeyed()
	return nil
}
