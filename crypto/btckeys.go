// Package crypto implements the key-ceremony primitives for the escrow
// engine: secp256k1 pubkey validation, 2-of-3 P2WSH witness script and
// address derivation, and platform-operated key generation.
package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// PubKeyLen is the length of a compressed secp256k1 public key.
const PubKeyLen = 33

var (
	// ErrInvalidPubKey is returned when a supplied key is not a valid
	// compressed point on the secp256k1 curve.
	ErrInvalidPubKey = errors.New("crypto: invalid secp256k1 public key")
	// ErrDuplicateKeys is returned when two or more of the three escrow
	// signers resolve to the same public key.
	ErrDuplicateKeys = errors.New("crypto: duplicate keys in multisig set")
)

// CompressedPubKey is a validated, on-curve, 33-byte compressed secp256k1
// public key.
type CompressedPubKey [PubKeyLen]byte

// Bytes returns the raw compressed key bytes.
func (k CompressedPubKey) Bytes() []byte {
	out := make([]byte, PubKeyLen)
	copy(out, k[:])
	return out
}

// ParseCompressedPubKey validates raw bytes as a compressed secp256k1 point.
// It refuses anything that is not an actual curve point — there is no code
// path anywhere in this package that derives a "public key" from a hash or
// other non-curve input.
func ParseCompressedPubKey(raw []byte) (CompressedPubKey, error) {
	var out CompressedPubKey
	if len(raw) != PubKeyLen {
		return out, ErrInvalidPubKey
	}
	if raw[0] != 0x02 && raw[0] != 0x03 {
		return out, ErrInvalidPubKey
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	copy(out[:], raw)
	return out, nil
}

// EscrowScript is the result of building a 2-of-3 multisig escrow: the
// lexicographically-ordered witness script and its derived P2WSH address.
type EscrowScript struct {
	WitnessScript []byte
	ScriptHash    [32]byte
	Address       btcutil.Address
	OrderedKeys   [3]CompressedPubKey
}

// BuildEscrow constructs the canonical 2-of-3 P2WSH escrow for the borrower,
// lender, and platform keys. Keys are validated as on-curve points and must
// be pairwise distinct; the witness script orders the three keys
// lexicographically over their raw bytes (BIP67-style) so the resulting
// script — and therefore the address — is independent of call order.
func BuildEscrow(net *chaincfg.Params, borrowerPub, lenderPub, platformPub []byte) (*EscrowScript, error) {
	borrower, err := ParseCompressedPubKey(borrowerPub)
	if err != nil {
		return nil, fmt.Errorf("borrower pubkey: %w", err)
	}
	lender, err := ParseCompressedPubKey(lenderPub)
	if err != nil {
		return nil, fmt.Errorf("lender pubkey: %w", err)
	}
	platform, err := ParseCompressedPubKey(platformPub)
	if err != nil {
		return nil, fmt.Errorf("platform pubkey: %w", err)
	}
	if err := requireDistinct(borrower, lender, platform); err != nil {
		return nil, err
	}

	ordered := lexicographicOrder(borrower, lender, platform)
	script, err := multisigScript(ordered)
	if err != nil {
		return nil, fmt.Errorf("build witness script: %w", err)
	}

	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], net)
	if err != nil {
		return nil, fmt.Errorf("derive P2WSH address: %w", err)
	}

	return &EscrowScript{
		WitnessScript: script,
		ScriptHash:    hash,
		Address:       addr,
		OrderedKeys:   ordered,
	}, nil
}

func requireDistinct(keys ...CompressedPubKey) error {
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if bytes.Equal(keys[i][:], keys[j][:]) {
				return ErrDuplicateKeys
			}
		}
	}
	return nil
}

func lexicographicOrder(keys ...CompressedPubKey) [3]CompressedPubKey {
	sorted := make([]CompressedPubKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	var out [3]CompressedPubKey
	copy(out[:], sorted)
	return out
}

// multisigScript builds OP_2 <pk1> <pk2> <pk3> OP_3 OP_CHECKMULTISIG over
// already lexicographically-ordered keys.
func multisigScript(ordered [3]CompressedPubKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	for _, key := range ordered {
		builder.AddData(key.Bytes())
	}
	builder.AddOp(txscript.OP_3)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// GenerateLenderKey derives a fresh secp256k1 keypair for a platform-operated
// (Bitcoin-blind) lender. When seed is non-empty the key is derived
// deterministically via HMAC-SHA256 over (masterSecret, loanID) reduced onto
// the curve order; an empty seed falls back to a CSPRNG. Either path is a
// genuine scalar multiplication against the curve generator — never a direct
// hash-to-pubkey shortcut.
func GenerateLenderKey(masterSecret []byte, loanID uint64) (*btcec.PrivateKey, error) {
	if len(masterSecret) == 0 {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate lender key: %w", err)
		}
		return priv, nil
	}
	var idBytes [8]byte
	for i := 0; i < 8; i++ {
		idBytes[i] = byte(loanID >> (8 * (7 - i)))
	}
	mac := hmac.New(sha256.New, masterSecret)
	mac.Write([]byte("escrowd-lender-key"))
	mac.Write(idBytes[:])
	seed := mac.Sum(nil)

	priv := secp256k1ScalarFromSeed(seed)
	if priv == nil {
		// Seed reduced to zero or >= curve order: draw entropy instead of
		// retrying the same deterministic derivation into a dead end.
		fresh, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate lender key: %w", err)
		}
		return fresh, nil
	}
	return priv, nil
}

func secp256k1ScalarFromSeed(seed []byte) *btcec.PrivateKey {
	priv, pub := btcec.PrivKeyFromBytes(seed)
	if priv == nil || pub == nil {
		return nil
	}
	// btcec.PrivKeyFromBytes does not itself reject an out-of-range scalar;
	// round-trip through ParsePubKey to confirm the derived point is valid.
	if _, err := btcec.ParsePubKey(pub.SerializeCompressed()); err != nil {
		return nil
	}
	return priv
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
