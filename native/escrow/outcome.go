package escrow

import "time"

// Evidence is the set of observable facts the outcome engine decides from.
// Gathering evidence (querying the chain monitor, reading loan state) is the
// caller's job; decide itself performs no I/O.
type Evidence struct {
	RepaymentConfirmedByBorrower bool
	RepaymentReceivedByLender    bool
	FiatSentByLender             bool
	CurrentLTVBp                 int64 // basis points, e.g. 9000 = 90%
	MaturityDate                 time.Time
	GraceDays                    int
	DepositConfirmedAt           *time.Time
	FundingDeadline              time.Time

	// AdminOverride, when non-nil, supplies an explicit decision (R5). The
	// override is still subject to signature availability when executed.
	AdminOverride *AdminOverride

	LiquidationThresholdBp int64
}

// AdminOverride is an operator-supplied decision that bypasses the
// automatic rules (R5).
type AdminOverride struct {
	Outcome Outcome
	TxType  TxType
	Reason  string
}

// Decision is the outcome engine's verdict: exactly one outcome, the tx type
// to use (if any), which rule fired, and a human-readable rationale.
type Decision struct {
	Outcome   Outcome
	TxType    TxType
	RuleFired string
	Reasoning string
}

// Decide is the pure outcome-resolution function: given a loan's facts, the
// gathered evidence, and the current time, it returns exactly one outcome.
// Rules are evaluated in order; the first match wins. Decide performs no
// I/O and has no side effects.
func Decide(loan *Loan, ev Evidence, now time.Time) Decision {
	// R1: cooperative close.
	if ev.RepaymentConfirmedByBorrower && ev.RepaymentReceivedByLender {
		return Decision{
			Outcome:   OutcomeCooperativeClose,
			TxType:    TxRepayment,
			RuleFired: "R1",
			Reasoning: "repayment confirmed by borrower and received by lender",
		}
	}

	// R2: default after maturity + grace.
	graceDeadline := ev.MaturityDate.AddDate(0, 0, ev.GraceDays)
	if now.After(graceDeadline) && !ev.RepaymentReceivedByLender {
		return Decision{
			Outcome:   OutcomeDefault,
			TxType:    TxDefault,
			RuleFired: "R2",
			Reasoning: "maturity plus grace period elapsed without repayment",
		}
	}

	// R3: LTV-triggered liquidation.
	if ev.LiquidationThresholdBp > 0 && ev.CurrentLTVBp >= ev.LiquidationThresholdBp {
		return Decision{
			Outcome:   OutcomeLiquidation,
			TxType:    TxLiquidation,
			RuleFired: "R3",
			Reasoning: "current LTV at or above the liquidation threshold",
		}
	}

	// R4: deposit confirmed but lender never sent fiat by the funding
	// deadline. Cancellation returns collateral via RECOVERY only when the
	// borrower has a signed template on file; otherwise it must go to
	// manual review rather than bypass the borrower's signature.
	if ev.DepositConfirmedAt != nil && !ev.FiatSentByLender && now.After(ev.FundingDeadline) {
		if loan != nil && loan.BorrowerSigningComplete {
			return Decision{
				Outcome:   OutcomeCancellation,
				TxType:    TxRecovery,
				RuleFired: "R4",
				Reasoning: "deposit confirmed, fiat never sent by funding deadline, borrower signature on file",
			}
		}
		return Decision{
			Outcome:   OutcomeUnderReview,
			TxType:    TxRepayment, // placeholder, never used: UNDER_REVIEW is never broadcast
			RuleFired: "R4",
			Reasoning: "deposit confirmed past funding deadline without a borrower-signed recovery template",
		}
	}

	// R5: explicit admin override.
	if ev.AdminOverride != nil {
		return Decision{
			Outcome:   ev.AdminOverride.Outcome,
			TxType:    ev.AdminOverride.TxType,
			RuleFired: "R5",
			Reasoning: ev.AdminOverride.Reason,
		}
	}

	// R6: no rule matched.
	return Decision{
		Outcome:   OutcomeUnderReview,
		RuleFired: "R6",
		Reasoning: "no automatic rule matched",
	}
}
