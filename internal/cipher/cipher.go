// Package cipher encrypts credential payloads under versioned AES-256-GCM keys
// and decides when stored ciphertext needs re-encryption.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"docsync/internal/models"
	"docsync/internal/syncerr"
)

// DefaultRotationWindow is the maximum ciphertext age before rotation.
const DefaultRotationWindow = 90 * 24 * time.Hour

// KeySize is the required key length in bytes.
const KeySize = 32

// Keyring holds every still-configured key version. Versions are contiguous from 1.
type Keyring struct {
	keys    map[int][]byte
	current int
}

// NewKeyring validates keys and picks the highest version as current.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, syncerr.New(syncerr.KindConfig, "no cipher keys configured")
	}
	versions := make([]int, 0, len(keys))
	for v, k := range keys {
		if v < 1 {
			return nil, syncerr.Newf(syncerr.KindConfig, "cipher key version %d must be positive", v)
		}
		if len(k) != KeySize {
			return nil, syncerr.Newf(syncerr.KindConfig, "cipher key version %d must be %d bytes, got %d", v, KeySize, len(k))
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for i, v := range versions {
		if v != i+1 {
			return nil, syncerr.Newf(syncerr.KindConfig, "cipher key versions must be contiguous from 1, missing version %d", i+1)
		}
	}
	ring := &Keyring{keys: make(map[int][]byte, len(keys)), current: versions[len(versions)-1]}
	for v, k := range keys {
		ring.keys[v] = append([]byte(nil), k...)
	}
	return ring, nil
}

// Current returns the version new ciphertext is written under.
func (r *Keyring) Current() int {
	return r.current
}

// newestFirst lists configured versions from current down to 1.
func (r *Keyring) newestFirst() []int {
	out := make([]int, 0, len(r.keys))
	for v := r.current; v >= 1; v-- {
		out = append(out, v)
	}
	return out
}

// Cipher performs versioned encryption of key/value payloads.
type Cipher struct {
	ring           *Keyring
	rotationWindow time.Duration
	now            func() time.Time
}

// Option customizes a Cipher.
type Option func(*Cipher)

// WithRotationWindow overrides the maximum ciphertext age.
func WithRotationWindow(d time.Duration) Option {
	return func(c *Cipher) {
		if d > 0 {
			c.rotationWindow = d
		}
	}
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cipher) { c.now = now }
}

// New builds a Cipher over ring.
func New(ring *Keyring, opts ...Option) *Cipher {
	c := &Cipher{ring: ring, rotationWindow: DefaultRotationWindow, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentVersion returns the key version used by Encrypt.
func (c *Cipher) CurrentVersion() int {
	return c.ring.Current()
}

// Encrypt seals payload under the current key.
func (c *Cipher) Encrypt(payload map[string]any) (models.EncryptedPayload, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return models.EncryptedPayload{}, fmt.Errorf("marshal payload: %w", err)
	}
	version := c.ring.Current()
	ciphertext, err := seal(c.ring.keys[version], plaintext)
	if err != nil {
		return models.EncryptedPayload{}, err
	}
	return models.EncryptedPayload{
		Ciphertext:  ciphertext,
		KeyVersion:  version,
		EncryptedAt: c.now().UTC(),
	}, nil
}

// Decrypt opens rec with each configured key, newest first.
func (c *Cipher) Decrypt(rec models.EncryptedPayload) (map[string]any, error) {
	for _, v := range c.ring.newestFirst() {
		plaintext, err := open(c.ring.keys[v], rec.Ciphertext)
		if err != nil {
			continue
		}
		payload := map[string]any{}
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return nil, syncerr.Wrap(err, syncerr.KindDecryption, "decode decrypted payload")
		}
		return payload, nil
	}
	return nil, syncerr.Newf(syncerr.KindDecryption, "no configured key (versions 1..%d) decrypts payload stamped v%d", c.ring.Current(), rec.KeyVersion)
}

// NeedsRotation reports whether rec was written under an older key or is older than the rotation window.
func (c *Cipher) NeedsRotation(rec models.EncryptedPayload) bool {
	if rec.KeyVersion < c.ring.Current() {
		return true
	}
	return c.now().Sub(rec.EncryptedAt) > c.rotationWindow
}

// Rotate re-encrypts rec under the current key. It returns rec unchanged when no rotation is needed.
func (c *Cipher) Rotate(rec models.EncryptedPayload) (models.EncryptedPayload, error) {
	if !c.NeedsRotation(rec) {
		return rec, nil
	}
	payload, err := c.Decrypt(rec)
	if err != nil {
		return rec, err
	}
	return c.Encrypt(payload)
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}

func newAEAD(key []byte) (gocipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	return gocipher.NewGCM(block)
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
