package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	btccrypto "escrowd/crypto"
)

// KeyCeremony validates keys, derives the escrow address, and generates the
// platform-operated lender key. It holds no persistent state of its own —
// callers own the Loan and persist the results.
type KeyCeremony struct {
	Network      *chaincfg.Params
	Resolver     btccrypto.KeyResolver
	MasterSecret []byte // for deterministic lender-key derivation; may be nil
}

// NewKeyCeremony builds a KeyCeremony bound to the given network and
// envelope-encryption key resolver.
func NewKeyCeremony(net *chaincfg.Params, resolver btccrypto.KeyResolver, masterSecret []byte) *KeyCeremony {
	return &KeyCeremony{Network: net, Resolver: resolver, MasterSecret: masterSecret}
}

// LenderCommitment is the result of CommitFunding: the platform-operated
// lender public key plus its sealed private key, ready to store on the loan.
type LenderCommitment struct {
	PubKey []byte
	Sealed *btccrypto.EncryptedKey
}

// CommitFunding generates a fresh platform-operated keypair for a
// Bitcoin-blind lender and seals the private half at rest.
func (k *KeyCeremony) CommitFunding(loanID uint64) (*LenderCommitment, error) {
	priv, err := btccrypto.GenerateLenderKey(k.MasterSecret, loanID)
	if err != nil {
		return nil, fmt.Errorf("generate lender key: %w", err)
	}
	defer func() {
		zeroed := priv.Serialize()
		btccrypto.Wipe(zeroed)
	}()
	rawPriv := priv.Serialize()
	sealed, err := btccrypto.SealPrivateKey(k.Resolver, loanID, rawPriv)
	btccrypto.Wipe(rawPriv)
	if err != nil {
		return nil, fmt.Errorf("seal lender private key: %w", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	return &LenderCommitment{PubKey: pub, Sealed: sealed}, nil
}

// BorrowerKeyResult is the result of ProvideBorrowerKey: the built escrow
// address plus the witness script the four templates will be built against.
type BorrowerKeyResult struct {
	Escrow *btccrypto.EscrowScript
}

// ProvideBorrowerKey validates the borrower's pubkey, enforces the
// duplicate-key invariant, and builds the 2-of-3 P2WSH escrow address.
func (k *KeyCeremony) ProvideBorrowerKey(borrowerPub, lenderPub, platformPub []byte) (*BorrowerKeyResult, error) {
	escrow, err := btccrypto.BuildEscrow(k.Network, borrowerPub, lenderPub, platformPub)
	if err != nil {
		switch {
		case err == btccrypto.ErrDuplicateKeys:
			return nil, ErrDuplicateKeys
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
		}
	}
	return &BorrowerKeyResult{Escrow: escrow}, nil
}

// ProvideBorrowerKeyAndEmitTemplates runs ProvideBorrowerKey and, once the
// escrow script is built, generates and persists the four canonical
// unsigned templates (REPAYMENT, DEFAULT, LIQUIDATION, RECOVERY) against
// it. This is the full effect of a borrower submitting their key during the
// ceremony: a caller sitting on top of this package (a transport layer)
// only needs to invoke this one method to have both the escrow address and
// the four templates a borrower will later sign on file.
func (k *KeyCeremony) ProvideBorrowerKeyAndEmitTemplates(ctx context.Context, store Store, loanID uint64, borrowerPub, lenderPub, platformPub []byte, params EmitTemplateParams, now time.Time) (*BorrowerKeyResult, error) {
	result, err := k.ProvideBorrowerKey(borrowerPub, lenderPub, platformPub)
	if err != nil {
		return nil, err
	}
	if err := EmitTemplates(ctx, store, loanID, result.Escrow, params, now); err != nil {
		return nil, fmt.Errorf("emit templates: %w", err)
	}
	return result, nil
}

// RecoveryAddress builds the timelock-wrapped recovery variant of the escrow
// script, valid after validAfter.
func (k *KeyCeremony) RecoveryAddress(ordered [3]btccrypto.CompressedPubKey, csvBlocks int64) (*btccrypto.EscrowScript, error) {
	return btccrypto.RecoveryScript(k.Network, ordered, csvBlocks)
}

// ValidAfterFromCSV estimates a wall-clock validAfter from a CSV block
// count, assuming a fixed average block interval. Used only to populate the
// informational ValidAfter field on a RECOVERY template; the on-chain
// enforcement is the CSV script itself, not this estimate.
func ValidAfterFromCSV(fundedAt time.Time, csvBlocks int64, avgBlockInterval time.Duration) time.Time {
	return fundedAt.Add(time.Duration(csvBlocks) * avgBlockInterval)
}
