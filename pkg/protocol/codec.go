package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MaxFrameSize bounds one encoded envelope.
	MaxFrameSize = 1 << 20

	framePrefixLen = 4
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes one envelope without framing.
func Marshal(env *Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// Unmarshal decodes and validates one unframed envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := decMode.Unmarshal(data, env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("undecodable envelope: %v", err)}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Encoder writes length-prefixed CBOR envelopes. Every call encodes the value
// it is given; nothing from earlier frames is reused.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes env as one frame: [4-byte big-endian length][CBOR envelope].
func (e *Encoder) Encode(env *Envelope) error {
	blob, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	if len(blob) > MaxFrameSize {
		return &ProtocolError{Kind: env.Kind, Reason: fmt.Sprintf("frame of %d bytes exceeds limit", len(blob))}
	}

	frame := make([]byte, framePrefixLen+len(blob))
	binary.BigEndian.PutUint32(frame, uint32(len(blob)))
	copy(frame[framePrefixLen:], blob)

	if _, err := e.w.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Decoder reads frames written by an Encoder.
type Decoder struct {
	r      io.Reader
	prefix [framePrefixLen]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode blocks for the next envelope. A clean end of stream is reported as a
// TransportError wrapping io.EOF.
func (d *Decoder) Decode() (*Envelope, error) {
	if _, err := io.ReadFull(d.r, d.prefix[:]); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}

	size := binary.BigEndian.Uint32(d.prefix[:])
	if size == 0 || size > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid frame length %d", size)}
	}

	blob := make([]byte, size)
	if _, err := io.ReadFull(d.r, blob); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &TransportError{Op: "read", Err: err}
	}

	return Unmarshal(blob)
}
