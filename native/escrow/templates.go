package escrow

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"lukechampine.com/blake3"

	btccrypto "escrowd/crypto"
)

// EmitTemplateParams bundles everything EmitTemplates needs beyond the
// escrow script itself to build and persist the four canonical templates.
type EmitTemplateParams struct {
	Network           *chaincfg.Params
	RecoveryCSVBlocks int64
	FeeRateSatPerVb   int64

	RequiredCollateralSats int64
	PrincipalMinor         int64
	BTCPriceMinorUnits     int64 // price snapshot at ceremony time, for the DEFAULT/LIQUIDATION split

	BorrowerReturnAddress btcutil.Address
	LenderDestAddress     btcutil.Address // platform BTC address if payout=fiat, else lender's own
}

// EmitTemplates builds the four canonical unsigned PSBT templates (REPAYMENT,
// DEFAULT, LIQUIDATION against the plain escrow witness script; RECOVERY
// against the CSV-wrapped variant) and persists each as an unsigned_template
// row plus a CanonicalPsbtTemplate cache entry. All four are built
// pre-deposit (Bound = false), since the real UTXO amount is unknown until
// funding confirms.
func EmitTemplates(ctx context.Context, store Store, loanID uint64, escrow *btccrypto.EscrowScript, p EmitTemplateParams, now time.Time) error {
	recovery, err := btccrypto.RecoveryScript(p.Network, escrow.OrderedKeys, p.RecoveryCSVBlocks)
	if err != nil {
		return fmt.Errorf("build recovery script: %w", err)
	}

	feeTwoOutputs := EstimateFee(2, p.FeeRateSatPerVb)

	for _, txType := range AllTxTypes {
		witnessScript := escrow.WitnessScript
		var recoverySeq uint32
		if txType == TxRecovery {
			witnessScript = recovery.WitnessScript
			recoverySeq = recoverySequence(p.RecoveryCSVBlocks)
		}

		var lenderAmount int64
		if txType == TxDefault || txType == TxLiquidation {
			split := ComputeFairSplit(p.RequiredCollateralSats, p.PrincipalMinor, p.BTCPriceMinorUnits, feeTwoOutputs, txType)
			lenderAmount = split.LenderPayoutSats
		}

		build := BuildParams{
			Network:               p.Network,
			TxType:                txType,
			WitnessScript:         witnessScript,
			Bound:                 false,
			InputValueSats:        p.RequiredCollateralSats,
			FeeRateSatPerVb:       p.FeeRateSatPerVb,
			BorrowerReturnAddress: p.BorrowerReturnAddress,
			LenderDestAddress:     p.LenderDestAddress,
			LenderAmountSats:      lenderAmount,
			RecoverySequence:      recoverySeq,
		}
		tmpl, err := BuildTemplate(build)
		if err != nil {
			return fmt.Errorf("build %s template: %w", txType, err)
		}

		row := &PreSignedTemplate{
			LoanID:     loanID,
			TxType:     txType,
			PartyRole:  RoleUnsignedTemplate,
			PSBTBase64: tmpl.PSBTBase64,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := store.PutTemplate(ctx, row); err != nil {
			return fmt.Errorf("persist %s unsigned template: %w", txType, err)
		}

		canonical := &CanonicalPsbtTemplate{
			LoanID:            loanID,
			TxType:            txType,
			InputValueSats:    p.RequiredCollateralSats,
			WitnessScriptHash: chainhash.HashH(witnessScript),
			Outputs:           toCanonicalOutputs(tmpl.Outputs),
			FeeRateSatPerVb:   p.FeeRateSatPerVb,
			VBytes:            tmpl.VBytes,
			ContentHash:       templateContentHash(witnessScript, tmpl.Outputs),
		}
		if err := store.PutCanonicalTemplate(ctx, canonical); err != nil {
			return fmt.Errorf("persist %s canonical template: %w", txType, err)
		}
	}
	return nil
}

func toCanonicalOutputs(outs []TemplateOutput) []CanonicalOutput {
	co := make([]CanonicalOutput, len(outs))
	for i, o := range outs {
		co[i] = CanonicalOutput{Address: o.Address.String(), ValueSats: o.Sats}
	}
	return co
}

// templateContentHash hashes the witness script plus the canonical output
// set (already lexicographically sorted by BuildTemplate) so regenerating
// the same template twice yields the same hash regardless of map iteration
// order.
func templateContentHash(witnessScript []byte, outs []TemplateOutput) [32]byte {
	var buf bytes.Buffer
	buf.Write(witnessScript)
	for _, o := range outs {
		buf.WriteString(o.Address.String())
		var v [8]byte
		for i := range v {
			v[i] = byte(o.Sats >> (56 - 8*i))
		}
		buf.Write(v[:])
	}
	return blake3.Sum256(buf.Bytes())
}

// recoverySequence encodes csvBlocks as a BIP68 relative-locktime sequence
// number: block-based (bit 22 clear) and enabled (bit 31 clear).
func recoverySequence(csvBlocks int64) uint32 {
	return uint32(csvBlocks)
}
