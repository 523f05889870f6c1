package escrow

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

func testAddress(t *testing.T, seed byte) btcutil.Address {
	t.Helper()
	hash := make([]byte, 32)
	hash[0] = seed
	addr, err := btcutil.NewAddressWitnessScriptHash(hash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewAddressWitnessScriptHash: %v", err)
	}
	return addr
}

func TestEstimateFeeUsesDefaultWhenRateNonPositive(t *testing.T) {
	withDefault := EstimateFee(1, 0)
	withExplicitDefault := EstimateFee(1, defaultFeeRateSatPerVb)
	if withDefault != withExplicitDefault {
		t.Fatalf("EstimateFee(1, 0) = %d, want the default-rate fee %d", withDefault, withExplicitDefault)
	}
}

func TestEstimateVSizeGrowsWithOutputs(t *testing.T) {
	one := EstimateVSize(1)
	two := EstimateVSize(2)
	if two <= one {
		t.Fatalf("EstimateVSize(2) = %d, want greater than EstimateVSize(1) = %d", two, one)
	}
}

func TestBuildTemplateRepaymentSingleOutputToBorrower(t *testing.T) {
	borrower := testAddress(t, 0x01)
	params := BuildParams{
		Network:               &chaincfg.RegressionNetParams,
		TxType:                TxRepayment,
		WitnessScript:         []byte{0x51},
		InputValueSats:        1_000_000,
		FeeRateSatPerVb:       10,
		BorrowerReturnAddress: borrower,
	}
	tmpl, err := BuildTemplate(params)
	if err != nil {
		t.Fatalf("BuildTemplate: %v", err)
	}
	if len(tmpl.Outputs) != 1 {
		t.Fatalf("expected exactly one output, got %d", len(tmpl.Outputs))
	}
	if tmpl.Outputs[0].Address.String() != borrower.String() {
		t.Fatalf("output address = %s, want %s", tmpl.Outputs[0].Address, borrower)
	}
	if tmpl.CanonicalTxid != "" {
		t.Fatalf("an unbound template must not have a canonical txid yet")
	}
	if _, err := base64.StdEncoding.DecodeString(tmpl.PSBTBase64); err != nil {
		t.Fatalf("PSBTBase64 is not valid base64: %v", err)
	}
}

func TestBuildTemplateRejectsUnknownTxType(t *testing.T) {
	params := BuildParams{
		Network:         &chaincfg.RegressionNetParams,
		TxType:          TxType(99),
		WitnessScript:   []byte{0x51},
		InputValueSats:  1_000,
		FeeRateSatPerVb: 10,
	}
	if _, err := BuildTemplate(params); err == nil {
		t.Fatalf("expected an error for an invalid tx type")
	}
}

func TestBuildTemplateRejectsMissingWitnessScript(t *testing.T) {
	params := BuildParams{
		Network:        &chaincfg.RegressionNetParams,
		TxType:         TxRepayment,
		InputValueSats: 1_000,
	}
	if _, err := BuildTemplate(params); err == nil {
		t.Fatalf("expected an error for a missing witness script")
	}
}

func TestBuildTemplateDefaultTwoOutputs(t *testing.T) {
	lender := testAddress(t, 0x02)
	borrower := testAddress(t, 0x03)
	params := BuildParams{
		Network:               &chaincfg.RegressionNetParams,
		TxType:                TxDefault,
		WitnessScript:         []byte{0x51},
		InputValueSats:        1_000_000,
		FeeRateSatPerVb:       10,
		LenderDestAddress:     lender,
		LenderAmountSats:      500_000,
		BorrowerReturnAddress: borrower,
	}
	tmpl, err := BuildTemplate(params)
	if err != nil {
		t.Fatalf("BuildTemplate: %v", err)
	}
	if len(tmpl.Outputs) != 2 {
		t.Fatalf("expected two outputs when the borrower remainder clears dust, got %d: %+v", len(tmpl.Outputs), tmpl.Outputs)
	}
}

func TestBuildTemplateDefaultMergesDustIntoSingleOutput(t *testing.T) {
	lender := testAddress(t, 0x02)
	borrower := testAddress(t, 0x03)
	// Input barely exceeds the lender's due amount; the borrower remainder
	// after fees falls below DustLimit and must merge into one output.
	params := BuildParams{
		Network:               &chaincfg.RegressionNetParams,
		TxType:                TxDefault,
		WitnessScript:         []byte{0x51},
		InputValueSats:        500_100,
		FeeRateSatPerVb:       10,
		LenderDestAddress:     lender,
		LenderAmountSats:      500_000,
		BorrowerReturnAddress: borrower,
	}
	tmpl, err := BuildTemplate(params)
	if err != nil {
		t.Fatalf("BuildTemplate: %v", err)
	}
	if len(tmpl.Outputs) != 1 {
		t.Fatalf("expected a single merged output, got %d: %+v", len(tmpl.Outputs), tmpl.Outputs)
	}
	if tmpl.Outputs[0].Address.String() != lender.String() {
		t.Fatalf("merged dust must go to the lender, got output to %s", tmpl.Outputs[0].Address)
	}
}

func TestBuildTemplateRecoveryUsesCSVSequence(t *testing.T) {
	borrower := testAddress(t, 0x04)
	params := BuildParams{
		Network:               &chaincfg.RegressionNetParams,
		TxType:                TxRecovery,
		WitnessScript:         []byte{0x51},
		InputValueSats:        1_000_000,
		FeeRateSatPerVb:       10,
		BorrowerReturnAddress: borrower,
		RecoverySequence:      144,
		Bound:                 true,
		InputTxid:             "00000000000000000000000000000000000000000000000000000000000001",
		InputVout:             0,
	}
	// InputTxid above is intentionally malformed (too long) to confirm the
	// parse error path surfaces instead of panicking.
	if _, err := BuildTemplate(params); err == nil {
		t.Fatalf("expected a parse error for a malformed input txid")
	}
}

func TestRebindTemplateSetsCanonicalTxid(t *testing.T) {
	borrower := testAddress(t, 0x05)
	params := BuildParams{
		Network:               &chaincfg.RegressionNetParams,
		TxType:                TxRepayment,
		WitnessScript:         []byte{0x51},
		FeeRateSatPerVb:       10,
		BorrowerReturnAddress: borrower,
	}
	validTxid := strings.Repeat("0", 62) + "af"
	tmpl, err := RebindTemplate(params, validTxid, 1, 1_000_000)
	if err != nil {
		t.Fatalf("RebindTemplate: %v", err)
	}
	if tmpl.CanonicalTxid == "" {
		t.Fatalf("expected a canonical txid once bound to a real UTXO")
	}
}
