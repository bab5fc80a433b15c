package room

import (
	"errors"

	"wardenchat/pkg/protocol"
)

// ErrClosed is returned by every Room call once Run has exited.
var ErrClosed = errors.New("room: closed")

var errQueueFull = errors.New("outbound queue full")

type eventType int

const (
	eventJoin eventType = iota
	eventLeave
	eventOffer
	eventDeliver
	eventChat
	eventSnapshot
)

func (t eventType) String() string {
	switch t {
	case eventJoin:
		return "join"
	case eventLeave:
		return "leave"
	case eventOffer:
		return "offer"
	case eventDeliver:
		return "deliver"
	case eventChat:
		return "chat"
	case eventSnapshot:
		return "snapshot"
	}
	return "unknown"
}

type event struct {
	Type        eventType
	Participant *Participant
	PublicKey   []byte
	Ticket      string
	Payload     string
	Cause       error
	Reply       chan error
	SnapReply   chan Snapshot
}

// Snapshot is a consistent copy of the room state.
type Snapshot struct {
	Names   []string
	States  []State
	Warden  string
	Pending int
}

// ticket is one key request forwarded to a warden and awaiting its answer.
type ticket struct {
	id        string
	requester *Participant
	publicKey []byte
	warden    ParticipantID
	abandoned bool
}

func protocolErr(kind protocol.Kind, reason string) error {
	return &protocol.ProtocolError{Kind: kind, Reason: reason}
}
