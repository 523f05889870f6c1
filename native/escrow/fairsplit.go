package escrow

import "math/big"

// satoshisPerBTC scales a fiat debt amount into satoshis.
const satoshisPerBTC = 100_000_000

// FairSplit is the deterministic satoshi allocation produced by
// ComputeFairSplit.
type FairSplit struct {
	LenderPayoutSats   int64
	BorrowerPayoutSats int64
	NetworkFeeSats     int64
	Underwater         bool
}

// ComputeFairSplit allocates the escrowed collateral between lender and
// borrower on a non-REPAYMENT resolution. debtMinorUnits is the fiat
// debt in minor units (e.g. cents); btcPriceMinorUnits is the fiat price of
// one whole BTC expressed in the same minor units. All arithmetic is done
// with big.Int so the result is exact regardless of amount magnitude;
// rounding happens only once, at the debt-to-sats conversion, matching the
// ray-style fixed-point rounding idiom used elsewhere in this codebase.
func ComputeFairSplit(collateralSats, debtMinorUnits, btcPriceMinorUnits, networkFeeSats int64, txType TxType) FairSplit {
	debtSats := convertDebtToSats(debtMinorUnits, btcPriceMinorUnits)

	split := FairSplit{NetworkFeeSats: networkFeeSats}

	if debtSats+networkFeeSats >= collateralSats {
		split.Underwater = true
		lender := collateralSats - networkFeeSats
		if lender < 0 {
			lender = 0
		}
		split.LenderPayoutSats = lender
		split.BorrowerPayoutSats = 0
		return split
	}

	lender := debtSats
	borrower := collateralSats - debtSats - networkFeeSats

	split.LenderPayoutSats = lender
	split.BorrowerPayoutSats = borrower

	return mergeDust(split, txType)
}

// convertDebtToSats computes round(debt * 1e8 / btcPrice) with exact
// integer rounding (round-half-up), mirroring the ray-math rounding
// convention used for interest-style computations elsewhere in this stack.
func convertDebtToSats(debtMinorUnits, btcPriceMinorUnits int64) int64 {
	if btcPriceMinorUnits <= 0 {
		return 0
	}
	numerator := new(big.Int).Mul(big.NewInt(debtMinorUnits), big.NewInt(satoshisPerBTC))
	denominator := big.NewInt(btcPriceMinorUnits)
	half := new(big.Int).Rsh(denominator, 1)
	numerator.Add(numerator, half)
	result := new(big.Int).Quo(numerator, denominator)
	return result.Int64()
}

// mergeDust folds a below-dust payout into the other side. Borrower dust
// merges into lender on DEFAULT/LIQUIDATION; lender dust merges into
// borrower on REPAYMENT.
func mergeDust(split FairSplit, txType TxType) FairSplit {
	if split.BorrowerPayoutSats > 0 && split.BorrowerPayoutSats < DustLimit {
		split.LenderPayoutSats += split.BorrowerPayoutSats
		split.BorrowerPayoutSats = 0
		return split
	}
	if split.LenderPayoutSats > 0 && split.LenderPayoutSats < DustLimit && txType == TxRepayment {
		split.BorrowerPayoutSats += split.LenderPayoutSats
		split.LenderPayoutSats = 0
	}
	return split
}
