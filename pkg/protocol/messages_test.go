package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestFormatLine(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)

	if got := FormatLine("alice has connected", at); got != "<09:05:07> alice has connected\n" {
		t.Errorf("FormatLine() = %q", got)
	}
	if got := ChatText("bob", "hi", at); got != "<09:05:07> bob: hi\n" {
		t.Errorf("ChatText() = %q", got)
	}
}

func TestMessagePart(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"<09:05:07> bob: hi\n", "bob: hi\n"},
		{"no timestamp", "no timestamp"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := MessagePart(tt.line); got != tt.want {
			t.Errorf("MessagePart(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestNewAnnouncement(t *testing.T) {
	env := NewAnnouncement("alice has connected", time.Now())

	if !env.IsAnnouncement() {
		t.Errorf("IsAnnouncement() = false for %+v", env)
	}
	if env.IsChat() {
		t.Error("announcement reported as chat")
	}
	if !strings.HasSuffix(env.Payload, "alice has connected\n") {
		t.Errorf("Payload = %q", env.Payload)
	}
}

func TestNewRoster_CopiesNames(t *testing.T) {
	names := []string{"alice", "bob"}
	env := NewRoster(names)

	names[0] = "mallory"
	if env.Names[0] != "alice" {
		t.Errorf("roster envelope shares its backing array with the caller: %v", env.Names)
	}
}

func TestKindString(t *testing.T) {
	if KindPublicKeyOffer.String() != "public_key_offer" {
		t.Errorf("KindPublicKeyOffer.String() = %q", KindPublicKeyOffer.String())
	}
	if Kind(200).String() != "unknown" {
		t.Errorf("Kind(200).String() = %q", Kind(200).String())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     *Envelope
		wantErr bool
	}{
		{"identify", NewIdentify("alice"), false},
		{"identify empty name", NewIdentify(""), true},
		{"identify long name", NewIdentify(strings.Repeat("a", MaxNameLength+1)), true},
		{"identify newline", NewIdentify("al\nice"), true},
		{"identify padded", NewIdentify(" alice"), true},
		{"identify colon", NewIdentify("bob: x"), true},
		{"offer", NewPublicKeyOffer([]byte{1, 2, 3}), false},
		{"offer without key", NewPublicKeyOffer(nil), true},
		{"key payload", NewKeyPayload("t-1", "Y2lwaGVy"), false},
		{"key payload without ticket", NewKeyPayload("", "Y2lwaGVy"), true},
		{"chat", NewChat("Y2lwaGVy"), false},
		{"chat empty", NewChat(""), true},
		{"line kind missing", &Envelope{Kind: KindChatLine, Payload: "x"}, true},
		{"roster", NewRoster(nil), false},
		{"promotion", NewPromotion(true), false},
		{"refusal", NewRefusal("bye"), false},
		{"zero kind", &Envelope{}, true},
		{"unknown kind", &Envelope{Kind: 99}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var perr *ProtocolError
				if !errors.As(err, &perr) {
					t.Errorf("Validate() error type = %T, want *ProtocolError", err)
				}
			}
		})
	}
}

func TestCodec_Stream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	sent := []*Envelope{
		NewIdentify("alice"),
		NewRoster([]string{"alice"}),
		NewAnnouncement("alice has connected", time.Now()),
		NewPublicKeyOffer([]byte{0x30, 0x82, 0x01}),
		NewKeyPayload("ticket-1", "c2VhbGVk"),
		NewChat("ZW5jcnlwdGVk"),
		NewPromotion(true),
		NewRefusal("name taken"),
	}
	for _, env := range sent {
		if err := enc.Encode(env); err != nil {
			t.Fatalf("Encode(%s) error = %v", env.Kind, err)
		}
	}

	dec := NewDecoder(&buf)
	for _, want := range sent {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("Decode() kind = %s, want %s", got.Kind, want.Kind)
		}
		if got.Payload != want.Payload || got.Ticket != want.Ticket || got.Rekey != want.Rekey {
			t.Errorf("Decode() = %+v, want %+v", got, want)
		}
	}

	_, err := dec.Decode()
	var terr *TransportError
	if !errors.As(err, &terr) || !errors.Is(err, io.EOF) {
		t.Errorf("Decode() at end of stream error = %v, want TransportError wrapping io.EOF", err)
	}
}

func TestCodec_RosterSnapshots(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	roster := []string{"alice"}
	if err := enc.Encode(NewRoster(roster)); err != nil {
		t.Fatal(err)
	}
	roster = append(roster, "bob")
	if err := enc.Encode(NewRoster(roster)); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)
	first, _ := dec.Decode()
	second, _ := dec.Decode()

	if len(first.Names) != 1 || len(second.Names) != 2 {
		t.Errorf("roster frames = %v then %v, want 1 then 2 names", first.Names, second.Names)
	}
}

func TestDecoder_Errors(t *testing.T) {
	oversize := make([]byte, 4)
	binary.BigEndian.PutUint32(oversize, MaxFrameSize+1)

	invalidKind, err := Marshal(&Envelope{Kind: 42})
	if err != nil {
		t.Fatal(err)
	}
	invalidFrame := make([]byte, 4, 4+len(invalidKind))
	binary.BigEndian.PutUint32(invalidFrame, uint32(len(invalidKind)))
	invalidFrame = append(invalidFrame, invalidKind...)

	tests := []struct {
		name         string
		input        []byte
		wantProtocol bool
	}{
		{"zero length", []byte{0, 0, 0, 0}, true},
		{"oversize", oversize, true},
		{"truncated body", []byte{0, 0, 0, 10, 1, 2}, false},
		{"not cbor", []byte{0, 0, 0, 2, 0xff, 0xff}, true},
		{"unknown kind", invalidFrame, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(bytes.NewReader(tt.input)).Decode()
			if err == nil {
				t.Fatal("Decode() should fail")
			}
			var perr *ProtocolError
			if errors.As(err, &perr) != tt.wantProtocol {
				t.Errorf("Decode() error = %v (%T), wantProtocol %v", err, err, tt.wantProtocol)
			}
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestEncoder_WriteFailure(t *testing.T) {
	err := NewEncoder(failingWriter{}).Encode(NewIdentify("alice"))

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Encode() error = %v, want *TransportError", err)
	}
	if terr.Op != "write" {
		t.Errorf("TransportError.Op = %q, want write", terr.Op)
	}
}
