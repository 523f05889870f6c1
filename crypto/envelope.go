package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrKeyNotFound is returned by a KeyResolver when the requested key version
// is unknown.
var ErrKeyNotFound = errors.New("crypto: envelope key not found")

// KeyResolver stands in for a KMS client: it resolves a 32-byte data
// encryption key by version id. No pack example wires a concrete KMS SDK for
// this concern (see DESIGN.md), so callers provide their own resolver — a
// static resolver backed by an environment-provided key for local
// development, or a real KMS-backed one in production — behind this same
// interface.
type KeyResolver interface {
	// ResolveKey returns the 32-byte AES-256 key for the given KMS key id.
	ResolveKey(kmsKeyID string) ([]byte, error)
	// CurrentKeyID returns the key id new envelopes should be sealed under.
	CurrentKeyID() string
}

// StaticKeyResolver is a single-key KeyResolver, used for local development
// and tests. Production deployments supply a resolver backed by an actual
// KMS client.
type StaticKeyResolver struct {
	keyID string
	key   [32]byte
}

// NewStaticKeyResolver builds a resolver over a single 32-byte key.
func NewStaticKeyResolver(keyID string, key []byte) (*StaticKeyResolver, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: static key must be 32 bytes, got %d", len(key))
	}
	r := &StaticKeyResolver{keyID: keyID}
	copy(r.key[:], key)
	return r, nil
}

func (r *StaticKeyResolver) ResolveKey(kmsKeyID string) ([]byte, error) {
	if kmsKeyID != r.keyID {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, 32)
	copy(out, r.key[:])
	return out, nil
}

func (r *StaticKeyResolver) CurrentKeyID() string { return r.keyID }

// EncryptedKey is the at-rest representation of a platform-operated private
// key: AES-256-GCM ciphertext plus the nonce and the KMS key id it was
// sealed under. Only this structure — never the plaintext key — is ever
// persisted or logged.
type EncryptedKey struct {
	KeyID      string `json:"keyId"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	EnvelopeID string `json:"envelopeId"`
}

// SealPrivateKey encrypts a raw private key under the resolver's current KMS
// key using AES-256-GCM. The associated data binds the ciphertext to the
// loan it belongs to, so a sealed blob cannot be silently reattached to a
// different loan.
func SealPrivateKey(resolver KeyResolver, loanID uint64, privKey []byte) (*EncryptedKey, error) {
	if resolver == nil {
		return nil, errors.New("crypto: key resolver required")
	}
	keyID := resolver.CurrentKeyID()
	dek, err := resolver.ResolveKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("resolve encryption key: %w", err)
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("init AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init AES-GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	aad := associatedData(loanID)
	ciphertext := gcm.Seal(nil, nonce, privKey, aad)
	return &EncryptedKey{
		KeyID:      keyID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		EnvelopeID: uuid.NewString(),
	}, nil
}

// OpenPrivateKey decrypts a sealed private key. The returned slice should be
// used for exactly one signing operation and then zeroed by the caller; the
// resolution executor is the only reader of this function and wipes the
// result after use.
func OpenPrivateKey(resolver KeyResolver, loanID uint64, sealed *EncryptedKey) ([]byte, error) {
	if resolver == nil || sealed == nil {
		return nil, errors.New("crypto: resolver and sealed key required")
	}
	dek, err := resolver.ResolveKey(sealed.KeyID)
	if err != nil {
		return nil, fmt.Errorf("resolve decryption key: %w", err)
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("init AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init AES-GCM: %w", err)
	}
	aad := associatedData(loanID)
	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return plaintext, nil
}

// Wipe overwrites key material in place. Best-effort: Go cannot guarantee
// the compiler won't have copied the backing array elsewhere, but this
// removes the obvious copy from memory as soon as a signing operation
// completes.
func Wipe(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

func associatedData(loanID uint64) []byte {
	aad := make([]byte, 8)
	for i := 0; i < 8; i++ {
		aad[i] = byte(loanID >> (8 * (7 - i)))
	}
	return aad
}
