package room

import (
	"github.com/google/uuid"

	"wardenchat/pkg/protocol"
)

// ParticipantID is the server-assigned identifier of one connection.
type ParticipantID string

// State is the handshake position of a participant.
type State int

const (
	StateConnecting State = iota
	StateIdentified
	StateKeyPending
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateKeyPending:
		return "key_pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Participant is one connected client as seen by the room. Its outbound queue
// is filled by the room and drained by the connection's writer goroutine; the
// room is the only sender and the only closer.
type Participant struct {
	ID   ParticipantID
	Name string

	out  chan *protocol.Envelope
	kick func()

	// owned by the room goroutine
	state       State
	fingerprint string
}

// NewParticipant creates a participant with a bounded outbound queue. kick is
// called by the room to force the connection closed; it must not block.
func NewParticipant(name string, queue int, kick func()) *Participant {
	if queue <= 0 {
		queue = 64
	}
	if kick == nil {
		kick = func() {}
	}
	return &Participant{
		ID:    ParticipantID(uuid.NewString()),
		Name:  name,
		out:   make(chan *protocol.Envelope, queue),
		kick:  kick,
		state: StateConnecting,
	}
}

// Outbound is the queue the writer goroutine drains. It is closed when the
// participant leaves or its join is refused.
func (p *Participant) Outbound() <-chan *protocol.Envelope {
	return p.out
}
