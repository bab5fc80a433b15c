// Package crypto provides the fixed primitives of the wardenchat key protocol.
// Includes RSA-OAEP transport of the room key, AES-256-GCM encryption of padded
// chat text, and memguard custody of key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/blake2b"
)

const (
	// MessageBlockSize is the padding block size for traffic analysis resistance
	MessageBlockSize = 256

	// MaxTextSize is the largest plaintext the 2-byte padding header can describe
	MaxTextSize = 1<<16 - 1

	// NonceSize is the size of the GCM nonce
	NonceSize = 12

	// KeySize is the size of the AES-256 room key
	KeySize = 32

	// RSAKeyBits is the modulus size of the ephemeral client keypair
	RSAKeyBits = 2048
)

var (
	errShortData    = errors.New("data too short")
	errBadKeyLength = errors.New("unexpected room key length")
)

// CryptoError reports the failure of one named primitive.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s failed: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func fail(op string, err error) error {
	return &CryptoError{Op: op, Err: err}
}

// PadMessage pads a plaintext message to fixed block size to prevent traffic analysis.
// Format: [2 bytes length][plaintext][random padding]
func PadMessage(plaintext []byte) ([]byte, error) {
	currentLen := len(plaintext)
	if currentLen > MaxTextSize {
		return nil, fmt.Errorf("message too long: %d bytes", currentLen)
	}
	paddedLen := ((currentLen / MessageBlockSize) + 1) * MessageBlockSize
	padLen := paddedLen - currentLen

	result := make([]byte, 2+paddedLen)
	binary.BigEndian.PutUint16(result[0:2], uint16(currentLen))
	copy(result[2:], plaintext)

	if _, err := cryptorand.Read(result[2+currentLen : 2+currentLen+padLen]); err != nil {
		return nil, fmt.Errorf("failed to generate random padding: %w", err)
	}

	return result, nil
}

// UnpadMessage removes padding from a padded message.
func UnpadMessage(paddedData []byte) ([]byte, error) {
	if len(paddedData) < 2 {
		return nil, fmt.Errorf("padded data too short")
	}

	originalLen := binary.BigEndian.Uint16(paddedData[0:2])
	if int(originalLen) > len(paddedData)-2 {
		return nil, fmt.Errorf("invalid padding length")
	}

	return paddedData[2 : 2+originalLen], nil
}

// GenerateKeyPair creates the ephemeral RSA keypair a client offers when it joins.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(cryptorand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fail("keypair generation", err)
	}
	return priv, nil
}

// GenerateRoomKey creates a fresh 256-bit room key sealed in a memguard enclave.
func GenerateRoomKey() *memguard.Enclave {
	return memguard.NewBufferRandom(KeySize).Seal()
}

// MarshalPublicKey encodes a public key as PKIX DER for a PublicKeyOffer.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fail("public key encoding", err)
	}
	return der, nil
}

// ParsePublicKey decodes an offered PKIX DER public key. Only RSA keys of at
// least RSAKeyBits are accepted.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fail("public key decoding", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fail("public key decoding", fmt.Errorf("unsupported key type %T", parsed))
	}
	if pub.N.BitLen() < RSAKeyBits {
		return nil, fail("public key decoding", fmt.Errorf("key too small: %d bits", pub.N.BitLen()))
	}
	return pub, nil
}

// Fingerprint derives a short hex fingerprint of a DER encoded public key.
// Returns first 16 bytes of BLAKE2b-256 in hex.
func Fingerprint(der []byte) string {
	sum := blake2b.Sum256(der)
	return hex.EncodeToString(sum[:16])
}

// SealRoomKey encrypts the room key for one recipient with RSA-OAEP and
// returns it base64 encoded.
func SealRoomKey(key *memguard.Enclave, pub *rsa.PublicKey) (string, error) {
	buf, err := key.Open()
	if err != nil {
		return "", fail("room key sealing", err)
	}
	defer buf.Destroy()

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), cryptorand.Reader, pub, buf.Bytes(), nil)
	if err != nil {
		return "", fail("room key sealing", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// OpenRoomKey decrypts a KeyPayload with the recipient's private key.
func OpenRoomKey(payload string, priv *rsa.PrivateKey) (*memguard.Enclave, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fail("room key opening", err)
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), cryptorand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fail("room key opening", err)
	}
	if len(plaintext) != KeySize {
		memguard.WipeBytes(plaintext)
		return nil, fail("room key opening", errBadKeyLength)
	}

	// NewEnclave wipes plaintext.
	return memguard.NewEnclave(plaintext), nil
}

// EqualKeys reports whether two room keys hold the same bytes.
func EqualKeys(a, b *memguard.Enclave) (bool, error) {
	bufA, err := a.Open()
	if err != nil {
		return false, fail("room key comparison", err)
	}
	defer bufA.Destroy()

	bufB, err := b.Open()
	if err != nil {
		return false, fail("room key comparison", err)
	}
	defer bufB.Destroy()

	return subtle.ConstantTimeCompare(bufA.Bytes(), bufB.Bytes()) == 1, nil
}

// SetupAESGCM creates an AES-GCM cipher from a room key.
func SetupAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) < KeySize {
		return nil, fmt.Errorf("room key too short: need %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key[:KeySize])
	if err != nil {
		return nil, fmt.Errorf("AES cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}

	return gcm, nil
}

// Encrypt encrypts a message using AES-GCM with random nonce.
// Returns: [12-byte nonce][ciphertext]
func Encrypt(gcm cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Decrypt decrypts a message encrypted with Encrypt.
// Expects: [12-byte nonce][ciphertext]
func Decrypt(gcm cipher.AEAD, data []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, errShortData
	}

	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// EncryptText pads and encrypts one chat line under the room key and returns
// the base64 text that travels on the wire.
func EncryptText(key *memguard.Enclave, text string) (string, error) {
	buf, err := key.Open()
	if err != nil {
		return "", fail("text encryption", err)
	}
	defer buf.Destroy()

	gcm, err := SetupAESGCM(buf.Bytes())
	if err != nil {
		return "", fail("text encryption", err)
	}

	padded, err := PadMessage([]byte(text))
	if err != nil {
		return "", fail("text encryption", err)
	}

	sealed, err := Encrypt(gcm, padded)
	if err != nil {
		return "", fail("text encryption", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptText reverses EncryptText.
func DecryptText(key *memguard.Enclave, payload string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fail("text decryption", err)
	}

	buf, err := key.Open()
	if err != nil {
		return "", fail("text decryption", err)
	}
	defer buf.Destroy()

	gcm, err := SetupAESGCM(buf.Bytes())
	if err != nil {
		return "", fail("text decryption", err)
	}

	padded, err := Decrypt(gcm, sealed)
	if err != nil {
		return "", fail("text decryption", err)
	}

	plaintext, err := UnpadMessage(padded)
	if err != nil {
		return "", fail("text decryption", fmt.Errorf("unpad failed: %w", err))
	}
	return string(plaintext), nil
}
