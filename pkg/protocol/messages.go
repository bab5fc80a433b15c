// Package protocol defines the envelope types exchanged between wardenchat clients and server.
package protocol

import (
	"strings"
	"time"
)

// Kind is the explicit discriminant of an Envelope.
type Kind uint8

// Envelope kinds
const (
	KindIdentify Kind = iota + 1
	KindPublicKeyOffer
	KindKeyPayload
	KindChatLine
	KindRoster
	KindPromotion
	KindRefusal
)

var kindNames = map[Kind]string{
	KindIdentify:       "identify",
	KindPublicKeyOffer: "public_key_offer",
	KindKeyPayload:     "key_payload",
	KindChatLine:       "chat_line",
	KindRoster:         "roster",
	KindPromotion:      "promotion",
	KindRefusal:        "refusal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// LineKind classifies a ChatLine.
type LineKind uint8

const (
	// LineAnnouncement is a server notice, sent unencrypted.
	LineAnnouncement LineKind = iota + 1
	// LineChat is a participant line encrypted under the room key.
	LineChat
)

func (l LineKind) String() string {
	switch l {
	case LineAnnouncement:
		return "announcement"
	case LineChat:
		return "chat"
	}
	return "unknown"
}

// TimeFormat is the HH:MM:SS layout prepended to every rendered line.
const TimeFormat = "15:04:05"

// MaxNameLength bounds display names.
const MaxNameLength = 32

// Envelope is the single wire unit. Kind selects which of the other fields are
// meaningful:
//
//	Identify        Name
//	PublicKeyOffer  PublicKey, Ticket (server to warden), Name (server to warden)
//	KeyPayload      Payload (base64 RSA-OAEP), Ticket
//	ChatLine        Line, Payload (rendered text or base64 AES-GCM)
//	Roster          Names
//	Promotion       Rekey
//	Refusal         Reason
type Envelope struct {
	Kind      Kind     `cbor:"kind"`
	Name      string   `cbor:"name,omitempty"`
	PublicKey []byte   `cbor:"public_key,omitempty"`
	Ticket    string   `cbor:"ticket,omitempty"`
	Payload   string   `cbor:"payload,omitempty"`
	Line      LineKind `cbor:"line,omitempty"`
	Names     []string `cbor:"names,omitempty"`
	Rekey     bool     `cbor:"rekey,omitempty"`
	Reason    string   `cbor:"reason,omitempty"`
}

// FormatLine renders text the way every transcript line is displayed:
// "<HH:MM:SS> text\n".
func FormatLine(text string, at time.Time) string {
	return "<" + at.Format(TimeFormat) + "> " + text + "\n"
}

// ChatText renders a participant line before it is encrypted.
func ChatText(name, text string, at time.Time) string {
	return FormatLine(name+": "+text, at)
}

// MessagePart strips the timestamp prefix from a rendered line.
func MessagePart(line string) string {
	if i := strings.Index(line, "> "); i >= 0 && strings.HasPrefix(line, "<") {
		return line[i+2:]
	}
	return line
}

// NewIdentify creates the first envelope a client sends.
func NewIdentify(name string) *Envelope {
	return &Envelope{Kind: KindIdentify, Name: name}
}

// NewPublicKeyOffer creates a key request carrying a DER encoded public key.
func NewPublicKeyOffer(publicKey []byte) *Envelope {
	return &Envelope{Kind: KindPublicKeyOffer, PublicKey: publicKey}
}

// NewKeyPayload creates the warden's answer to the offer identified by ticket.
func NewKeyPayload(ticket, ciphertext string) *Envelope {
	return &Envelope{Kind: KindKeyPayload, Ticket: ticket, Payload: ciphertext}
}

// NewAnnouncement creates a timestamped, unencrypted server notice.
func NewAnnouncement(text string, at time.Time) *Envelope {
	return &Envelope{Kind: KindChatLine, Line: LineAnnouncement, Payload: FormatLine(text, at)}
}

// NewChat wraps an already encrypted chat line.
func NewChat(ciphertext string) *Envelope {
	return &Envelope{Kind: KindChatLine, Line: LineChat, Payload: ciphertext}
}

// NewRoster creates a roster envelope holding its own copy of names.
func NewRoster(names []string) *Envelope {
	snapshot := make([]string, len(names))
	copy(snapshot, names)
	return &Envelope{Kind: KindRoster, Names: snapshot}
}

// NewPromotion tells a participant it is now the key warden.
func NewPromotion(rekey bool) *Envelope {
	return &Envelope{Kind: KindPromotion, Rekey: rekey}
}

// NewRefusal explains why the server is closing a connection.
func NewRefusal(reason string) *Envelope {
	return &Envelope{Kind: KindRefusal, Reason: reason}
}

// IsAnnouncement reports whether e is an unencrypted server notice.
func (e *Envelope) IsAnnouncement() bool {
	return e.Kind == KindChatLine && e.Line == LineAnnouncement
}

// IsChat reports whether e is an encrypted participant line.
func (e *Envelope) IsChat() bool {
	return e.Kind == KindChatLine && e.Line == LineChat
}

// Validate checks the fields Kind requires.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindIdentify:
		return ValidateName(e.Name)
	case KindPublicKeyOffer:
		if len(e.PublicKey) == 0 {
			return &ProtocolError{Kind: e.Kind, Reason: "missing public key"}
		}
	case KindKeyPayload:
		if e.Ticket == "" || e.Payload == "" {
			return &ProtocolError{Kind: e.Kind, Reason: "missing ticket or payload"}
		}
	case KindChatLine:
		if e.Line != LineAnnouncement && e.Line != LineChat {
			return &ProtocolError{Kind: e.Kind, Reason: "unknown line kind"}
		}
		if e.Payload == "" {
			return &ProtocolError{Kind: e.Kind, Reason: "empty line"}
		}
	case KindRoster, KindPromotion, KindRefusal:
	default:
		return &ProtocolError{Kind: e.Kind, Reason: "unknown envelope kind"}
	}
	return nil
}
