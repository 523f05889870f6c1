package escrow

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DustLimit is the minimum non-dust output value in satoshis.
const DustLimit int64 = 546

// defaultFeeRateSatPerVb is used when the chain monitor's fee estimator is
// unavailable.
const defaultFeeRateSatPerVb = 10

// Approximate virtual-size model for a single P2WSH 2-of-3 multisig input
// and bech32 P2WSH/P2WPKH-style outputs. This is a bounded estimator, not a
// precise sizer: it never does real-time fee bidding.
const (
	txOverheadVbytes         = 11 // version + segwit marker/flag + locktime + varints
	inputBaseVbytes          = 41 // outpoint (36) + empty scriptSig varint (1) + sequence (4)
	multisig2of3WitnessVbyte = 64 // (1 + 2*73 + 106) witness bytes / 4 discount, rounded
	outputVbytes             = 31 // value (8) + scriptPubKey varint+P2WSH script (23)
)

// EstimateVSize returns the bounded virtual-size estimate for a transaction
// with a single P2WSH 2-of-3 input and the given output count.
func EstimateVSize(numOutputs int) int64 {
	return txOverheadVbytes + inputBaseVbytes + multisig2of3WitnessVbyte + int64(numOutputs)*outputVbytes
}

// EstimateFee returns ceil(vsize * satPerVb).
func EstimateFee(numOutputs int, satPerVb int64) int64 {
	if satPerVb <= 0 {
		satPerVb = defaultFeeRateSatPerVb
	}
	vsize := EstimateVSize(numOutputs)
	return vsize * satPerVb
}

// TemplateOutput is one canonical output of a built template.
type TemplateOutput struct {
	Address btcutil.Address
	Sats    int64
}

// BuildParams describes everything needed to build one of the four
// canonical PSBT templates.
type BuildParams struct {
	Network       *chaincfg.Params
	TxType        TxType
	WitnessScript []byte // spending script for this template (plain or CSV-wrapped)

	// Input binding. Bound=false produces a pre-deposit template whose
	// signatures commit to the witness script and outputs but not the
	// outpoint; Bound=true binds to the real UTXO.
	Bound          bool
	InputTxid      string
	InputVout      uint32
	InputValueSats int64

	FeeRateSatPerVb int64

	BorrowerReturnAddress btcutil.Address
	LenderDestAddress     btcutil.Address // DEFAULT/LIQUIDATION/RECOVERY-to-lender only
	LenderAmountSats      int64           // amountOwedSats, DEFAULT/LIQUIDATION only

	// RecoverySequence is the CSV-encoded relative locktime applied to the
	// single input; only meaningful for TxRecovery.
	RecoverySequence uint32
}

// Template is the built artifact: the serialized PSBT plus canonicalized
// metadata used for tamper detection and cross-checking.
type Template struct {
	PSBTBase64    string
	CanonicalTxid string // empty until the input is bound to a real UTXO
	Outputs       []TemplateOutput
	FeeSats       int64
	VBytes        int64
	EscrowScript  []byte
}

// BuildTemplate constructs one of the four canonical transaction shapes:
// REPAYMENT, DEFAULT, LIQUIDATION, or RECOVERY.
func BuildTemplate(p BuildParams) (*Template, error) {
	if !p.TxType.Valid() {
		return nil, fmt.Errorf("escrow: invalid tx type %v", p.TxType)
	}
	if len(p.WitnessScript) == 0 {
		return nil, fmt.Errorf("escrow: witness script required")
	}
	if p.InputValueSats <= 0 {
		return nil, fmt.Errorf("escrow: input value must be > 0")
	}

	outputs, err := resolveOutputs(p)
	if err != nil {
		return nil, err
	}

	sortOutputsLexicographically(outputs)

	tx := wire.NewMsgTx(2)
	outpoint, err := buildOutPoint(p)
	if err != nil {
		return nil, err
	}
	txIn := wire.NewTxIn(outpoint, nil, nil)
	if p.TxType == TxRecovery {
		txIn.Sequence = p.RecoverySequence
	}
	tx.AddTxIn(txIn)

	for _, out := range outputs {
		pkScript, err := txscript.PayToAddrScript(out.Address)
		if err != nil {
			return nil, fmt.Errorf("build output script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(out.Sats, pkScript))
	}

	escrowScript, err := txscript.PayToAddrScript(escrowScriptAddress(p))
	if err != nil {
		return nil, fmt.Errorf("build escrow script: %w", err)
	}

	updater, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("build PSBT: %w", err)
	}
	updater.Inputs[0].WitnessUtxo = &wire.TxOut{
		Value:    p.InputValueSats,
		PkScript: escrowScript,
	}
	updater.Inputs[0].WitnessScript = p.WitnessScript
	updater.Inputs[0].SighashType = txscript.SigHashAll

	var buf bytes.Buffer
	if err := updater.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize PSBT: %w", err)
	}

	tmpl := &Template{
		PSBTBase64:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		Outputs:      outputs,
		FeeSats:      feeFromOutputs(p.InputValueSats, outputs),
		VBytes:       EstimateVSize(len(outputs)),
		EscrowScript: p.WitnessScript,
	}
	if p.Bound {
		tmpl.CanonicalTxid = tx.TxHash().String()
	}
	return tmpl, nil
}

func buildOutPoint(p BuildParams) (*wire.OutPoint, error) {
	if !p.Bound {
		// Placeholder outpoint for a pre-deposit template; rebinding at
		// confirmation time replaces this with the real UTXO reference.
		return wire.NewOutPoint(&chainhash.Hash{}, 0), nil
	}
	hash, err := chainhash.NewHashFromStr(p.InputTxid)
	if err != nil {
		return nil, fmt.Errorf("parse input txid: %w", err)
	}
	return wire.NewOutPoint(hash, p.InputVout), nil
}

func escrowScriptAddress(p BuildParams) btcutil.Address {
	hash := chainhash.HashB(p.WitnessScript)
	addr, _ := btcutil.NewAddressWitnessScriptHash(hash, p.Network)
	return addr
}

func resolveOutputs(p BuildParams) ([]TemplateOutput, error) {
	switch p.TxType {
	case TxRepayment:
		if p.BorrowerReturnAddress == nil {
			return nil, fmt.Errorf("escrow: borrower return address required")
		}
		fee := EstimateFee(1, p.FeeRateSatPerVb)
		value := p.InputValueSats - fee
		if value < 0 {
			value = 0
		}
		return []TemplateOutput{{Address: p.BorrowerReturnAddress, Sats: value}}, nil

	case TxDefault, TxLiquidation:
		if p.LenderDestAddress == nil || p.BorrowerReturnAddress == nil {
			return nil, fmt.Errorf("escrow: lender and borrower addresses required")
		}
		fee := EstimateFee(2, p.FeeRateSatPerVb)
		remainder := p.InputValueSats - p.LenderAmountSats - fee
		if remainder < DustLimit {
			// Single output: all-minus-fee to lender (dust merged in, and
			// the fee itself is recomputed for a 1-output tx).
			fee1 := EstimateFee(1, p.FeeRateSatPerVb)
			value := p.InputValueSats - fee1
			if value < 0 {
				value = 0
			}
			return []TemplateOutput{{Address: p.LenderDestAddress, Sats: value}}, nil
		}
		return []TemplateOutput{
			{Address: p.LenderDestAddress, Sats: p.LenderAmountSats},
			{Address: p.BorrowerReturnAddress, Sats: remainder},
		}, nil

	case TxRecovery:
		if p.BorrowerReturnAddress == nil {
			return nil, fmt.Errorf("escrow: borrower return address required")
		}
		fee := EstimateFee(1, p.FeeRateSatPerVb)
		value := p.InputValueSats - fee
		if value < 0 {
			value = 0
		}
		return []TemplateOutput{{Address: p.BorrowerReturnAddress, Sats: value}}, nil

	default:
		return nil, fmt.Errorf("escrow: unhandled tx type %v", p.TxType)
	}
}

func feeFromOutputs(inputValue int64, outputs []TemplateOutput) int64 {
	var total int64
	for _, o := range outputs {
		total += o.Sats
	}
	fee := inputValue - total
	if fee < 0 {
		fee = 0
	}
	return fee
}

// sortOutputsLexicographically enforces a canonical output ordering so the
// canonical txid is stable across regeneration.
func sortOutputsLexicographically(outputs []TemplateOutput) {
	sort.Slice(outputs, func(i, j int) bool {
		return outputs[i].Address.String() < outputs[j].Address.String()
	})
}

// RebindTemplate regenerates a pre-deposit template bound to the now-known
// deposit UTXO: once the deposit is confirmed, templates are rebuilt bound
// to the real UTXO and the borrower re-signs.
func RebindTemplate(p BuildParams, txid string, vout uint32, valueSats int64) (*Template, error) {
	bound := p
	bound.Bound = true
	bound.InputTxid = txid
	bound.InputVout = vout
	bound.InputValueSats = valueSats
	return BuildTemplate(bound)
}
