package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// KeyRing holds the AES-256 keys the codec can decrypt with, and names the
// one it encrypts with. Key material from configuration is stretched to
// 32 bytes with HKDF-SHA256, so operators can supply passphrases of any
// length without weakening the cipher.
type KeyRing struct {
	keys     map[string][]byte
	activeID string
}

// NewKeyRing derives a key ring from named key material. activeID must be
// present in materials; historical ids must stay configured for as long as
// rows encrypted under them exist.
func NewKeyRing(materials map[string]string, activeID string) (*KeyRing, error) {
	if len(materials) == 0 {
		return nil, fmt.Errorf("key ring requires at least one key")
	}
	if _, ok := materials[activeID]; !ok {
		return nil, fmt.Errorf("active key id %q not present in key material", activeID)
	}

	keys := make(map[string][]byte, len(materials))
	for id, material := range materials {
		if material == "" {
			return nil, fmt.Errorf("empty key material for id %q", id)
		}
		key := make([]byte, 32)
		kdf := hkdf.New(sha256.New, []byte(material), nil, []byte("wallet-ledger/balance/"+id))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("deriving key %q: %w", id, err)
		}
		keys[id] = key
	}

	return &KeyRing{keys: keys, activeID: activeID}, nil
}

// AESBalanceCodec implements ports.BalanceCodec using AES-256-GCM with a
// rotatable key ring. Ciphertext layout: hex(nonce || sealed); the GCM tag
// makes tampering detectable on decrypt.
type AESBalanceCodec struct {
	ring *KeyRing
}

// NewAESBalanceCodec creates a codec over the given key ring.
func NewAESBalanceCodec(ring *KeyRing) *AESBalanceCodec {
	return &AESBalanceCodec{ring: ring}
}

// ActiveKeyID returns the id new ciphertexts are tagged with.
func (c *AESBalanceCodec) ActiveKeyID() string {
	return c.ring.activeID
}

// Encrypt encrypts plaintext under the active key and returns the ciphertext
// together with the key id that produced it.
func (c *AESBalanceCodec) Encrypt(plaintext string) (string, string, error) {
	keyID := c.ring.activeID
	aesGCM, err := c.gcm(keyID)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), keyID, nil
}

// Decrypt decrypts a ciphertext written under the named historical key.
func (c *AESBalanceCodec) Decrypt(ciphertextHex string, keyID string) (string, error) {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	aesGCM, err := c.gcm(keyID)
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}

// EncryptInt64 encrypts a numeric ledger field.
func (c *AESBalanceCodec) EncryptInt64(value int64) (string, string, error) {
	return c.Encrypt(strconv.FormatInt(value, 10))
}

// DecryptInt64 decrypts a numeric ledger field.
func (c *AESBalanceCodec) DecryptInt64(ciphertextHex string, keyID string) (int64, error) {
	plaintext, err := c.Decrypt(ciphertextHex, keyID)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(plaintext, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing decrypted value: %w", err)
	}
	return value, nil
}

func (c *AESBalanceCodec) gcm(keyID string) (cipher.AEAD, error) {
	key, ok := c.ring.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aesGCM, nil
}
