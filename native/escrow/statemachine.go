package escrow

import (
	"fmt"
	"time"
)

// Role identifies the caller attempting a state transition.
type Role int

const (
	RoleCallerBorrower Role = iota
	RoleCallerLender
	RoleCallerPlatform
)

// ErrUnauthorizedRole is returned when a caller attempts a transition not
// authorized for their role.
var ErrUnauthorizedRole = fmt.Errorf("escrow: caller role not authorized for this transition")

// StateMachine owns the coarse status and fine escrow-state transitions,
// role authorization, and idempotency. It mutates only the Loan passed to
// it; persistence is the caller's responsibility (normally performed inside
// a LockTable critical section).
type StateMachine struct{}

// NewStateMachine constructs a StateMachine. It holds no state of its own.
func NewStateMachine() *StateMachine { return &StateMachine{} }

// CreateLoan validates and returns a new loan in StatusPosted. Corresponds
// to the `createLoan` operation.
func (m *StateMachine) CreateLoan(loan *Loan, now time.Time) error {
	loan.Status = StatusPosted
	loan.EscrowState = EscrowNone
	loan.DisputeStatus = DisputeNone
	loan.CreatedAt = now
	loan.UpdatedAt = now
	return loan.Validate()
}

// CommitFunding transitions posted -> funded, awaiting_borrower_key.
// Corresponds to `commitFunding`; authorized for the lender.
func (m *StateMachine) CommitFunding(loan *Loan, role Role, lenderPub []byte, payout PayoutPreference, now time.Time) error {
	if role != RoleCallerLender {
		return ErrUnauthorizedRole
	}
	if loan.Status != StatusPosted {
		if loan.Status == StatusFunded {
			return nil // idempotent re-submission
		}
		return fmt.Errorf("escrow: commitFunding requires status=posted, got %s", loan.Status)
	}
	loan.LenderPubKey = lenderPub
	loan.LenderPayout = payout
	loan.Status = StatusFunded
	loan.EscrowState = EscrowAwaitingBorrowerKey
	loan.UpdatedAt = now
	return nil
}

// ProvideBorrowerKey transitions funded -> escrow_created. Authorized for
// the borrower.
func (m *StateMachine) ProvideBorrowerKey(loan *Loan, role Role, borrowerPub []byte, returnAddress, escrowAddress string, witnessScript []byte, now time.Time) error {
	if role != RoleCallerBorrower {
		return ErrUnauthorizedRole
	}
	if loan.EscrowState == EscrowCreated {
		return nil // idempotent
	}
	if loan.EscrowState != EscrowAwaitingBorrowerKey {
		return fmt.Errorf("escrow: provideBorrowerKey requires awaiting_borrower_key, got %s", loan.EscrowState)
	}
	loan.BorrowerPubKey = borrowerPub
	loan.BorrowerReturnAddress = returnAddress
	if err := loan.RequirePairwiseDistinctKeys(); err != nil {
		return err
	}
	loan.WitnessScript = witnessScript
	loan.EscrowAddress = escrowAddress
	loan.EscrowState = EscrowCreated
	loan.Status = StatusEscrowCreated
	loan.UpdatedAt = now
	return nil
}

// MarkTemplatesSigned records that all four borrower signatures are on
// file. Idempotent.
func (m *StateMachine) MarkTemplatesSigned(loan *Loan, now time.Time) {
	if loan.BorrowerSigningComplete {
		return
	}
	loan.BorrowerSigningComplete = true
	if loan.EscrowState == EscrowDepositConfirmed {
		loan.EscrowState = EscrowTemplatesSigned
	}
	loan.UpdatedAt = now
}

// ConfirmDeposit enables chain monitoring for the loan. It performs no
// status change by itself — the chain monitor moves the loan to
// deposit_pending/active once it observes the deposit — and is idempotent:
// calling it N times has no additional effect once monitoring is active.
func (m *StateMachine) ConfirmDeposit(loan *Loan, role Role, now time.Time) error {
	if role != RoleCallerBorrower {
		return ErrUnauthorizedRole
	}
	if loan.Status == StatusDepositPending || loan.Status == StatusActive {
		return nil // idempotent: monitoring already active
	}
	if loan.Status != StatusEscrowCreated {
		return fmt.Errorf("escrow: confirmDeposit requires status=escrow_created, got %s", loan.Status)
	}
	loan.Status = StatusDepositPending
	loan.EscrowState = EscrowDepositPending
	loan.UpdatedAt = now
	return nil
}

// ObserveDepositConfirmed is called by the chain monitor at most once per
// loan (guarded by DepositConfirmedAt) when the funding tx reaches the
// confirmation threshold.
func (m *StateMachine) ObserveDepositConfirmed(loan *Loan, txid string, vout uint32, amountSats int64, now time.Time) bool {
	if loan.DepositConfirmedAt != nil {
		return false // at-most-one "deposit confirmed" event
	}
	loan.FundingTxid = txid
	loan.FundingVout = vout
	loan.FundedAmountSats = amountSats
	confirmedAt := now
	loan.DepositConfirmedAt = &confirmedAt
	loan.FundedAt = &confirmedAt
	loan.EscrowState = EscrowDepositConfirmed
	loan.Status = StatusActive
	loan.UpdatedAt = now
	return true
}

// ConfirmRepaymentSent transitions active -> repayment_pending. Authorized
// for the borrower. Completion always requires both this call and
// ConfirmRepaymentReceived below; see DESIGN.md for the reasoning behind
// requiring both sides to confirm.
func (m *StateMachine) ConfirmRepaymentSent(loan *Loan, role Role, now time.Time) error {
	if role != RoleCallerBorrower {
		return ErrUnauthorizedRole
	}
	if loan.Status == StatusRepaymentPending {
		return nil // idempotent
	}
	if loan.Status != StatusActive {
		return fmt.Errorf("escrow: confirmRepaymentSent requires status=active, got %s", loan.Status)
	}
	loan.Status = StatusRepaymentPending
	loan.UpdatedAt = now
	return nil
}

// CompleteRepayment transitions repayment_pending -> completed after the
// executor has broadcast the REPAYMENT transaction.
func (m *StateMachine) CompleteRepayment(loan *Loan, releaseTxid string, now time.Time) error {
	if loan.Status.Terminal() {
		return nil // idempotent: terminal statuses never move again
	}
	if loan.Status != StatusRepaymentPending && loan.Status != StatusActive {
		return fmt.Errorf("escrow: completeRepayment requires repayment_pending or active, got %s", loan.Status)
	}
	loan.Status = StatusCompleted
	loan.EscrowState = EscrowCollateralReleased
	loan.CollateralReleased = true
	loan.CollateralReleaseTxid = releaseTxid
	loan.UpdatedAt = now
	return nil
}

// ApplyResolution moves a loan into its terminal status for a broadcast
// non-cooperative outcome (DEFAULT, LIQUIDATION, CANCELLATION->RECOVERY).
// Authorized for the platform only, since resolution is always
// platform-executed regardless of which rule fired.
func (m *StateMachine) ApplyResolution(loan *Loan, role Role, outcome Outcome, releaseTxid string, now time.Time) error {
	if role != RoleCallerPlatform {
		return ErrUnauthorizedRole
	}
	if loan.Status.Terminal() {
		return nil
	}
	var next LoanStatus
	switch outcome {
	case OutcomeDefault:
		next = StatusDefaulted
	case OutcomeLiquidation:
		next = StatusLiquidated
	case OutcomeCancellation:
		next = StatusRecovered
	case OutcomeCooperativeClose:
		next = StatusCompleted
	default:
		return fmt.Errorf("escrow: outcome %v has no terminal status", outcome)
	}
	loan.Status = next
	loan.EscrowState = EscrowCollateralReleased
	loan.CollateralReleased = true
	loan.CollateralReleaseTxid = releaseTxid
	loan.DisputeStatus = DisputeResolved
	loan.UpdatedAt = now
	return nil
}
