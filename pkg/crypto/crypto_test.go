package crypto

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// rsaKey returns a keypair shared by the tests in this file; 2048-bit
// generation is slow enough to matter when repeated.
func rsaKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair() error = %v", err)
		}
	})
	return testKey
}

func TestPadMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		wantSize int // Expected padded size (2 + paddedLen)
	}{
		{"empty", []byte{}, 2 + MessageBlockSize},
		{"small", []byte("hello"), 2 + MessageBlockSize},
		{"exact block minus header", make([]byte, MessageBlockSize-2), 2 + MessageBlockSize},
		{"one block", make([]byte, MessageBlockSize), 2 + MessageBlockSize*2},
		{"large", make([]byte, MessageBlockSize*2+50), 2 + MessageBlockSize*3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			padded, err := PadMessage(tt.input)
			if err != nil {
				t.Fatalf("PadMessage() error = %v", err)
			}

			if len(padded) != tt.wantSize {
				t.Errorf("PadMessage() size = %d, want %d", len(padded), tt.wantSize)
			}

			unpadded, err := UnpadMessage(padded)
			if err != nil {
				t.Fatalf("UnpadMessage() error = %v", err)
			}

			if !bytes.Equal(unpadded, tt.input) {
				t.Errorf("UnpadMessage() = %v, want %v", unpadded, tt.input)
			}
		})
	}
}

func TestPadMessage_TooLong(t *testing.T) {
	if _, err := PadMessage(make([]byte, MaxTextSize+1)); err == nil {
		t.Error("PadMessage() should reject text longer than MaxTextSize")
	}
}

func TestUnpadMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"too short", []byte{0x00}},
		{"invalid length", []byte{0xFF, 0xFF, 0x00}}, // Claims 65535 bytes but only has 1
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnpadMessage(tt.input); err == nil {
				t.Error("UnpadMessage() should fail")
			}
		})
	}
}

func TestSetupAESGCM(t *testing.T) {
	validKey := make([]byte, 32)
	for i := range validKey {
		validKey[i] = byte(i)
	}

	gcm, err := SetupAESGCM(validKey)
	if err != nil {
		t.Fatalf("SetupAESGCM() error = %v", err)
	}
	if gcm == nil {
		t.Error("SetupAESGCM() returned nil")
	}

	if _, err = SetupAESGCM([]byte("short")); err == nil {
		t.Error("SetupAESGCM() should fail with short key")
	}
}

func TestEncryptDecrypt_DifferentNonces(t *testing.T) {
	gcm, _ := SetupAESGCM(make([]byte, 32))
	plaintext := []byte("Same message")

	ct1, _ := Encrypt(gcm, plaintext)
	ct2, _ := Encrypt(gcm, plaintext)
	if bytes.Equal(ct1, ct2) {
		t.Error("Encrypt() should produce different ciphertext each time (different nonces)")
	}

	pt1, _ := Decrypt(gcm, ct1)
	pt2, _ := Decrypt(gcm, ct2)
	if !bytes.Equal(pt1, pt2) {
		t.Error("Both ciphertexts should decrypt to same plaintext")
	}
}

func TestDecrypt_Errors(t *testing.T) {
	gcm, _ := SetupAESGCM(make([]byte, 32))

	tests := []struct {
		name  string
		input []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"too short", []byte("short")},
		{"invalid ciphertext", make([]byte, 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(gcm, tt.input); err == nil {
				t.Error("Decrypt() should fail")
			}
		})
	}
}

func TestEncryptText_RoundTrip(t *testing.T) {
	key := GenerateRoomKey()

	texts := []string{
		"",
		"<12:00:01> bob: hi\n",
		"unicode: héllo wörld ✓",
		strings.Repeat("x", 3*MessageBlockSize+7),
	}

	for _, text := range texts {
		payload, err := EncryptText(key, text)
		if err != nil {
			t.Fatalf("EncryptText() error = %v", err)
		}

		if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
			t.Errorf("EncryptText() payload is not base64: %v", err)
		}

		got, err := DecryptText(key, payload)
		if err != nil {
			t.Fatalf("DecryptText() error = %v", err)
		}
		if got != text {
			t.Errorf("Round trip failed: got %q, want %q", got, text)
		}
	}
}

func TestEncryptText_SizeClass(t *testing.T) {
	key := GenerateRoomKey()

	short, err := EncryptText(key, "a")
	if err != nil {
		t.Fatalf("EncryptText() error = %v", err)
	}
	longer, err := EncryptText(key, strings.Repeat("a", MessageBlockSize-10))
	if err != nil {
		t.Fatalf("EncryptText() error = %v", err)
	}

	if len(short) != len(longer) {
		t.Errorf("texts in one block leak length: %d != %d", len(short), len(longer))
	}
}

func TestDecryptText_WrongKey(t *testing.T) {
	payload, err := EncryptText(GenerateRoomKey(), "secret")
	if err != nil {
		t.Fatalf("EncryptText() error = %v", err)
	}

	_, err = DecryptText(GenerateRoomKey(), payload)
	var cerr *CryptoError
	if !errors.As(err, &cerr) {
		t.Fatalf("DecryptText() error = %v, want *CryptoError", err)
	}
	if cerr.Op != "text decryption" {
		t.Errorf("CryptoError.Op = %q, want %q", cerr.Op, "text decryption")
	}
}

func TestDecryptText_NotBase64(t *testing.T) {
	if _, err := DecryptText(GenerateRoomKey(), "!!not base64!!"); err == nil {
		t.Error("DecryptText() should fail on malformed payload")
	}
}

func TestSealOpenRoomKey(t *testing.T) {
	priv := rsaKey(t)
	key := GenerateRoomKey()

	payload, err := SealRoomKey(key, &priv.PublicKey)
	if err != nil {
		t.Fatalf("SealRoomKey() error = %v", err)
	}

	opened, err := OpenRoomKey(payload, priv)
	if err != nil {
		t.Fatalf("OpenRoomKey() error = %v", err)
	}

	equal, err := EqualKeys(key, opened)
	if err != nil {
		t.Fatalf("EqualKeys() error = %v", err)
	}
	if !equal {
		t.Error("opened room key differs from the sealed one")
	}
}

func TestOpenRoomKey_WrongPrivateKey(t *testing.T) {
	payload, err := SealRoomKey(GenerateRoomKey(), &rsaKey(t).PublicKey)
	if err != nil {
		t.Fatalf("SealRoomKey() error = %v", err)
	}

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	_, err = OpenRoomKey(payload, other)
	var cerr *CryptoError
	if !errors.As(err, &cerr) {
		t.Fatalf("OpenRoomKey() error = %v, want *CryptoError", err)
	}
}

func TestEqualKeys_Different(t *testing.T) {
	equal, err := EqualKeys(GenerateRoomKey(), GenerateRoomKey())
	if err != nil {
		t.Fatalf("EqualKeys() error = %v", err)
	}
	if equal {
		t.Error("two random room keys should differ")
	}
}

func TestGenerateRoomKey_Size(t *testing.T) {
	key := GenerateRoomKey()
	if key.Size() != KeySize {
		t.Errorf("room key size = %d, want %d", key.Size(), KeySize)
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	priv := rsaKey(t)

	der, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey() error = %v", err)
	}

	pub, err := ParsePublicKey(der)
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	if pub.N.Cmp(priv.PublicKey.N) != 0 || pub.E != priv.PublicKey.E {
		t.Error("parsed public key differs from the original")
	}

	if _, err := ParsePublicKey([]byte("garbage")); err == nil {
		t.Error("ParsePublicKey() should fail on garbage")
	}
}

func TestFingerprint(t *testing.T) {
	der := []byte("test-public-key-der-bytes")

	fp := Fingerprint(der)
	if len(fp) != 32 {
		t.Errorf("Fingerprint() length = %d, want 32", len(fp))
	}
	if fp != Fingerprint(der) {
		t.Error("Fingerprint() not deterministic")
	}
	if fp == Fingerprint([]byte("another-key")) {
		t.Error("Fingerprint() should differ for different input")
	}
}

func TestCryptoError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := error(&CryptoError{Op: "test", Err: inner})

	if !errors.Is(err, inner) {
		t.Error("CryptoError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "test") {
		t.Errorf("Error() = %q, should name the operation", err.Error())
	}
}

func BenchmarkEncryptText(b *testing.B) {
	key := GenerateRoomKey()

	for i := 0; i < b.N; i++ {
		payload, _ := EncryptText(key, "Benchmark message for encryption testing")
		DecryptText(key, payload)
	}
}
