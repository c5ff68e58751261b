package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// cipherSuite wraps one AES-256-GCM key, derived via HKDF-SHA256 from a
// tenant-independent master secret and a per-key-id salt. Rotating the
// active KeyID (config.Security.CredentialKeyID) rolls every newly stored
// credential onto a fresh derived key without touching rows encrypted under
// an older one; decrypt looks the KeyID up in keysByID.
type cipherSuite struct {
	activeKeyID string
	keysByID    map[string]cipher.AEAD
}

// newCipherSuite derives one AEAD per (masterSecret, keyID) pair in keyIDs;
// keyIDs[0] becomes the active encryption key. Every previously used KeyID
// must remain in keyIDs for as long as credentials encrypted under it exist,
// so rotation is additive: append, never remove.
func newCipherSuite(masterSecret string, keyIDs ...string) (*cipherSuite, error) {
	if masterSecret == "" {
		return nil, errors.New("credential: master secret is empty")
	}
	if len(keyIDs) == 0 {
		return nil, errors.New("credential: at least one key id is required")
	}

	keys := make(map[string]cipher.AEAD, len(keyIDs))
	for _, id := range keyIDs {
		aead, err := deriveAEAD(masterSecret, id)
		if err != nil {
			return nil, err
		}
		keys[id] = aead
	}

	return &cipherSuite{activeKeyID: keyIDs[0], keysByID: keys}, nil
}

func deriveAEAD(masterSecret, keyID string) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, []byte(masterSecret), []byte(keyID), []byte("ocx-credential-store"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts plaintext under the active key and returns
// (nonce||ciphertext, activeKeyID).
func (c *cipherSuite) seal(plaintext []byte) (ciphertext []byte, keyID string, err error) {
	aead := c.keysByID[c.activeKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, c.activeKeyID, nil
}

// open decrypts a seal produced by this or an earlier-rotation cipherSuite
// sharing the same master secret, looking up the AEAD by keyID.
func (c *cipherSuite) open(ciphertext []byte, keyID string) ([]byte, error) {
	aead, ok := c.keysByID[keyID]
	if !ok {
		return nil, errors.New("credential: unknown key id " + keyID)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("credential: ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}
