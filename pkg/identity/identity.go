// Package identity holds the ephemeral per-connection identity of a wardenchat client.
package identity

import (
	"crypto/rsa"
	"fmt"

	"github.com/awnumar/memguard"

	"wardenchat/pkg/crypto"
	"wardenchat/pkg/protocol"
)

// Identity is a display name plus the RSA keypair offered to the warden.
// Nothing here is persisted; a new Identity is created for every connection.
type Identity struct {
	Name        string
	PrivateKey  *rsa.PrivateKey
	Fingerprint string

	der []byte
}

// New generates a fresh keypair for the given display name.
func New(name string) (*Identity, error) {
	if err := protocol.ValidateName(name); err != nil {
		return nil, err
	}

	privateKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	der, err := crypto.MarshalPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	return &Identity{
		Name:        name,
		PrivateKey:  privateKey,
		Fingerprint: crypto.Fingerprint(der),
		der:         der,
	}, nil
}

// PublicKeyDER returns the PKIX encoding carried by a PublicKeyOffer.
func (id *Identity) PublicKeyDER() []byte {
	out := make([]byte, len(id.der))
	copy(out, id.der)
	return out
}

// Offer builds the PublicKeyOffer envelope for this identity.
func (id *Identity) Offer() *protocol.Envelope {
	return protocol.NewPublicKeyOffer(id.PublicKeyDER())
}

// OpenRoomKey decrypts a KeyPayload addressed to this identity.
func (id *Identity) OpenRoomKey(payload string) (*memguard.Enclave, error) {
	return crypto.OpenRoomKey(payload, id.PrivateKey)
}

// Short returns the display form used in logs: name plus the first eight
// fingerprint characters.
func (id *Identity) Short() string {
	return fmt.Sprintf("%s_%s", id.Name, id.Fingerprint[:8])
}
