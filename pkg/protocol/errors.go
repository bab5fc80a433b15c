package protocol

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ProtocolError reports an envelope that is malformed or arrives out of order.
type ProtocolError struct {
	Kind   Kind
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Kind == 0 {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Reason)
}

// TransportError reports a failed read, write, dial or accept.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NameCollisionError reports a display name already present on the roster.
type NameCollisionError struct {
	Name string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("name %q is already in use", e.Name)
}

// ValidateName checks a display name chosen by a client.
func ValidateName(name string) error {
	if err := validate.Var(name, fmt.Sprintf("required,max=%d", MaxNameLength)); err != nil {
		return &ProtocolError{Kind: KindIdentify, Reason: "invalid display name"}
	}
	if strings.TrimSpace(name) != name || strings.ContainsAny(name, "\r\n\t") {
		return &ProtocolError{Kind: KindIdentify, Reason: "display name contains surrounding or control whitespace"}
	}
	// Rendered chat lines are "name: text"; a colon would make them ambiguous.
	if strings.ContainsRune(name, ':') {
		return &ProtocolError{Kind: KindIdentify, Reason: "display name may not contain ':'"}
	}
	return nil
}
