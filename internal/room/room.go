// Package room coordinates the single chat room: roster, key warden, pending
// key tickets and broadcast. All state lives in one goroutine; connection
// handlers talk to it through events.
package room

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"wardenchat/internal/metrics"
	"wardenchat/pkg/crypto"
	"wardenchat/pkg/protocol"
	"wardenchat/pkg/transcript"
)

// Room is the coordinator of one chat room.
type Room struct {
	events    chan event
	stopCh    chan struct{}
	doneCh    chan struct{}
	logger    *slog.Logger
	log       *transcript.Log
	presenter transcript.Presenter
	now       func() time.Time

	// Single-writer ownership: only Run touches these.
	roster  []*Participant
	warden  *ParticipantID
	tickets map[string]*ticket
}

// Option configures a Room.
type Option func(*Room)

// WithLogger sets the room logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Room) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTranscript records announcements and encrypted chat lines in log.
func WithTranscript(log *transcript.Log) Option {
	return func(r *Room) {
		if log != nil {
			r.log = log
		}
	}
}

// WithPresenter reports roster changes to p.
func WithPresenter(p transcript.Presenter) Option {
	return func(r *Room) {
		if p != nil {
			r.presenter = p
		}
	}
}

// WithEventBuffer sets the capacity of the event queue.
func WithEventBuffer(n int) Option {
	return func(r *Room) {
		if n > 0 {
			r.events = make(chan event, n)
		}
	}
}

// New creates a Room. Run must be started before any other call.
func New(opts ...Option) *Room {
	r := &Room{
		events:    make(chan event, 128),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    slog.Default(),
		log:       transcript.New(),
		presenter: transcript.NopPresenter{},
		now:       time.Now,
		tickets:   make(map[string]*ticket),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Transcript returns the room transcript.
func (r *Room) Transcript() *transcript.Log {
	return r.log
}

// Stop signals the Run loop to exit.
func (r *Room) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Wait blocks until the Run loop has completely finished.
func (r *Room) Wait() {
	<-r.doneCh
}

// Run processes events until ctx is cancelled or Stop is called. On exit every
// remaining participant is kicked.
func (r *Room) Run(ctx context.Context) {
	defer close(r.doneCh)
	defer r.shutdown()

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			r.dispatch(ev)
			metrics.EventProcessingDuration.WithLabelValues(ev.Type.String()).Observe(time.Since(start).Seconds())
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

func (r *Room) dispatch(ev event) {
	var err error
	switch ev.Type {
	case eventJoin:
		err = r.handleJoin(ev.Participant)
	case eventLeave:
		r.handleLeave(ev.Participant, ev.Cause)
	case eventOffer:
		err = r.handleOffer(ev.Participant, ev.PublicKey)
	case eventDeliver:
		err = r.handleDeliver(ev.Participant, ev.Ticket, ev.Payload)
	case eventChat:
		err = r.handleChat(ev.Participant, ev.Payload)
	case eventSnapshot:
		ev.SnapReply <- r.snapshot()
		return
	}
	if ev.Reply != nil {
		ev.Reply <- err
	}
}

func (r *Room) shutdown() {
	for _, p := range r.roster {
		p.kick()
	}
	metrics.ConnectedParticipants.Set(0)
}

// submit hands ev to Run and waits for its reply.
func (r *Room) submit(ctx context.Context, ev event) error {
	ev.Reply = make(chan error, 1)
	select {
	case r.events <- ev:
	case <-r.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ev.Reply:
		return err
	case <-r.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join adds p to the roster. On success the room has queued the new Roster
// and the connect announcement to everyone, p included. On a name collision
// the room queues a Refusal to p, closes its outbound queue and returns
// *protocol.NameCollisionError.
func (r *Room) Join(ctx context.Context, p *Participant) error {
	return r.submit(ctx, event{Type: eventJoin, Participant: p})
}

// Leave removes p and closes its outbound queue. A *protocol.ProtocolError
// cause is reported to p with a Refusal first. Leaving twice is harmless.
func (r *Room) Leave(ctx context.Context, p *Participant, cause error) error {
	return r.submit(ctx, event{Type: eventLeave, Participant: p, Cause: cause})
}

// OfferKey records a key request from p and forwards it to the warden.
func (r *Room) OfferKey(ctx context.Context, p *Participant, publicKey []byte) error {
	return r.submit(ctx, event{Type: eventOffer, Participant: p, PublicKey: publicKey})
}

// DeliverKey relays the warden's answer for ticket to the requester alone.
func (r *Room) DeliverKey(ctx context.Context, p *Participant, ticket, payload string) error {
	return r.submit(ctx, event{Type: eventDeliver, Participant: p, Ticket: ticket, Payload: payload})
}

// Chat re-broadcasts an encrypted chat line from p to every Active participant.
func (r *Room) Chat(ctx context.Context, p *Participant, ciphertext string) error {
	return r.submit(ctx, event{Type: eventChat, Participant: p, Payload: ciphertext})
}

// Snapshot returns a copy of the room state.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case r.events <- event{Type: eventSnapshot, SnapReply: reply}:
	case <-r.doneCh:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-r.doneCh:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Warden returns the current warden's name, empty when the room is empty.
func (r *Room) Warden(ctx context.Context) (string, error) {
	snap, err := r.Snapshot(ctx)
	return snap.Warden, err
}

func (r *Room) handleJoin(p *Participant) error {
	if p == nil || p.state != StateConnecting {
		return protocolErr(protocol.KindIdentify, "participant already joined")
	}
	if err := protocol.ValidateName(p.Name); err != nil {
		r.refuse(p, err.Error())
		return err
	}
	if lo.ContainsBy(r.roster, func(q *Participant) bool { return q.Name == p.Name }) {
		err := &protocol.NameCollisionError{Name: p.Name}
		r.refuse(p, err.Error())
		return err
	}

	r.roster = append(r.roster, p)
	p.state = StateIdentified
	if len(r.roster) == 1 {
		r.setWarden(p)
		p.state = StateActive
	}

	r.logger.Info("participant joined",
		"participant", p.ID,
		"name", p.Name,
		"warden", r.isWarden(p),
		"roster_size", len(r.roster))
	metrics.ConnectedParticipants.Set(float64(len(r.roster)))

	r.broadcastRoster()
	r.announce(p.Name + " has connected")
	return nil
}

// refuse tells a participant that never made it onto the roster why, then
// releases its queue.
func (r *Room) refuse(p *Participant, reason string) {
	r.send(p, protocol.NewRefusal(reason))
	p.state = StateClosed
	close(p.out)
}

func (r *Room) handleLeave(p *Participant, cause error) {
	idx := lo.IndexOf(r.roster, p)
	if idx < 0 {
		return
	}

	var perr *protocol.ProtocolError
	if errors.As(cause, &perr) {
		r.send(p, protocol.NewRefusal(perr.Error()))
	}

	r.roster = append(r.roster[:idx:idx], r.roster[idx+1:]...)
	p.state = StateClosed
	close(p.out)

	for _, t := range r.tickets {
		if t.requester == p {
			t.abandoned = true
		}
	}

	r.logger.Info("participant left",
		"participant", p.ID,
		"name", p.Name,
		"cause", cause,
		"roster_size", len(r.roster))
	metrics.ConnectedParticipants.Set(float64(len(r.roster)))

	if r.warden != nil && *r.warden == p.ID {
		r.promote(p)
	}

	r.broadcastRoster()
	r.announce(p.Name + " has disconnected")
}

// promote picks a new warden after the old one left. The oldest Active
// participant keeps the existing key; otherwise the oldest remaining one must
// generate a new key.
func (r *Room) promote(old *Participant) {
	if len(r.roster) == 0 {
		r.warden = nil
		clear(r.tickets)
		return
	}

	next, found := lo.Find(r.roster, func(q *Participant) bool { return q.state == StateActive })
	rekey := !found
	if rekey {
		next = r.roster[0]
		for id, t := range r.tickets {
			if t.requester == next {
				delete(r.tickets, id)
			}
		}
		next.state = StateActive
	}
	r.setWarden(next)

	r.logger.Info("warden promoted",
		"previous", old.Name,
		"warden", next.Name,
		"rekey", rekey)
	metrics.PromotionsTotal.WithLabelValues(strconv.FormatBool(rekey)).Inc()

	if err := r.send(next, protocol.NewPromotion(rekey)); err != nil {
		r.drop(next, err)
	}

	for id, t := range r.tickets {
		if t.warden != old.ID {
			continue
		}
		if t.abandoned {
			delete(r.tickets, id)
			continue
		}
		r.forward(t, next)
	}
}

func (r *Room) handleOffer(p *Participant, publicKey []byte) error {
	if !r.onRoster(p) {
		return protocolErr(protocol.KindPublicKeyOffer, "participant not on roster")
	}
	switch p.state {
	case StateIdentified:
	case StateActive:
		if r.isWarden(p) {
			// A warden promoted with rekey may still have its offer in flight.
			r.logger.Debug("ignoring offer from warden", "name", p.Name)
			return nil
		}
		return protocolErr(protocol.KindPublicKeyOffer, "participant already holds the room key")
	default:
		return protocolErr(protocol.KindPublicKeyOffer, "offer out of order in state "+p.state.String())
	}

	warden := r.wardenParticipant()
	if warden == nil {
		return protocolErr(protocol.KindPublicKeyOffer, "room has no warden")
	}

	t := &ticket{
		id:        uuid.NewString(),
		requester: p,
		publicKey: publicKey,
	}
	r.tickets[t.id] = t
	p.state = StateKeyPending
	p.fingerprint = crypto.Fingerprint(publicKey)

	r.logger.Info("key requested",
		"name", p.Name,
		"fingerprint", p.fingerprint,
		"ticket", t.id,
		"warden", warden.Name)
	r.forward(t, warden)
	return nil
}

// forward queues the offer behind t to warden. A warden that cannot take it is
// dropped; its departure re-forwards the ticket.
func (r *Room) forward(t *ticket, warden *Participant) {
	t.warden = warden.ID
	env := &protocol.Envelope{
		Kind:      protocol.KindPublicKeyOffer,
		Name:      t.requester.Name,
		PublicKey: t.publicKey,
		Ticket:    t.id,
	}
	if err := r.send(warden, env); err != nil {
		r.drop(warden, err)
		return
	}
	metrics.KeyRelaysTotal.WithLabelValues(metrics.RelayForwarded).Inc()
}

func (r *Room) handleDeliver(p *Participant, id, payload string) error {
	if !r.isWarden(p) {
		metrics.KeyRelaysTotal.WithLabelValues(metrics.RelayRejected).Inc()
		return protocolErr(protocol.KindKeyPayload, "only the warden may deliver the room key")
	}

	t, ok := r.tickets[id]
	if !ok {
		metrics.KeyRelaysTotal.WithLabelValues(metrics.RelayRejected).Inc()
		return protocolErr(protocol.KindKeyPayload, "unknown ticket")
	}
	if t.warden != p.ID {
		metrics.KeyRelaysTotal.WithLabelValues(metrics.RelayRejected).Inc()
		return protocolErr(protocol.KindKeyPayload, "ticket was not issued to this warden")
	}
	delete(r.tickets, id)

	if t.abandoned {
		r.logger.Debug("dropping key for departed requester", "ticket", id, "requester", t.requester.Name)
		metrics.KeyRelaysTotal.WithLabelValues(metrics.RelayAbandoned).Inc()
		return nil
	}

	if err := r.send(t.requester, protocol.NewKeyPayload(id, payload)); err != nil {
		r.drop(t.requester, err)
		return nil
	}
	t.requester.state = StateActive
	metrics.KeyRelaysTotal.WithLabelValues(metrics.RelayDelivered).Inc()

	r.logger.Info("key delivered",
		"name", t.requester.Name,
		"fingerprint", t.requester.fingerprint,
		"ticket", id)
	return nil
}

func (r *Room) handleChat(p *Participant, ciphertext string) error {
	if !r.onRoster(p) || p.state != StateActive {
		return protocolErr(protocol.KindChatLine, "chat before the room key was obtained")
	}

	active := lo.Filter(r.roster, func(q *Participant, _ int) bool { return q.state == StateActive })
	r.record(ciphertext + "\n")
	r.broadcast(active, protocol.NewChat(ciphertext))
	return nil
}

func (r *Room) snapshot() Snapshot {
	snap := Snapshot{
		Names:   r.names(),
		States:  lo.Map(r.roster, func(p *Participant, _ int) State { return p.state }),
		Pending: len(lo.PickBy(r.tickets, func(_ string, t *ticket) bool { return !t.abandoned })),
	}
	if w := r.wardenParticipant(); w != nil {
		snap.Warden = w.Name
	}
	return snap
}

func (r *Room) broadcastRoster() {
	names := r.names()
	r.broadcast(r.roster, protocol.NewRoster(names))
	r.presenter.OnRosterChanged(names)
}

func (r *Room) announce(text string) {
	env := protocol.NewAnnouncement(text, r.now())
	r.record(env.Payload)
	r.broadcast(r.roster, env)
}

func (r *Room) record(line string) {
	if err := r.log.Append(line); err != nil {
		r.logger.Warn("transcript append failed", "error", err)
	}
}

// broadcast queues env to every target in roster order. A failed recipient
// never stops delivery to the others; failures are dropped afterwards.
func (r *Room) broadcast(targets []*Participant, env *protocol.Envelope) {
	var failed []*Participant
	for _, p := range targets {
		if err := r.send(p, env); err != nil {
			failed = append(failed, p)
		}
	}
	for _, p := range failed {
		r.drop(p, errQueueFull)
	}
}

func (r *Room) send(p *Participant, env *protocol.Envelope) error {
	select {
	case p.out <- env:
		return nil
	default:
		return errQueueFull
	}
}

// drop disconnects a participant whose queue is saturated. The handler's
// read loop then fails and calls Leave.
func (r *Room) drop(p *Participant, err error) {
	r.logger.Warn("dropping participant", "name", p.Name, "participant", p.ID, "error", err)
	metrics.BroadcastFailuresTotal.Inc()
	p.kick()
}

func (r *Room) names() []string {
	return lo.Map(r.roster, func(p *Participant, _ int) string { return p.Name })
}

func (r *Room) onRoster(p *Participant) bool {
	return lo.Contains(r.roster, p)
}

func (r *Room) setWarden(p *Participant) {
	id := p.ID
	r.warden = &id
}

func (r *Room) isWarden(p *Participant) bool {
	return r.warden != nil && *r.warden == p.ID
}

func (r *Room) wardenParticipant() *Participant {
	if r.warden == nil {
		return nil
	}
	w, _ := lo.Find(r.roster, func(q *Participant) bool { return q.ID == *r.warden })
	return w
}
