// Package escrow implements the Bitcoin-collateralized loan escrow engine:
// the key ceremony, PSBT templates, signature store, outcome engine,
// fair-split calculator, resolution executor, and the loan state machine
// that ties them together.
package escrow

import (
	"fmt"
	"time"
)

// LoanStatus is the coarse loan lifecycle status.
type LoanStatus int

const (
	StatusPosted LoanStatus = iota
	StatusFunded
	StatusEscrowCreated
	StatusDepositPending
	StatusActive
	StatusRepaymentPending
	StatusCompleted
	StatusDefaulted
	StatusLiquidated
	StatusRecovered
	StatusCancelled
)

func (s LoanStatus) String() string {
	switch s {
	case StatusPosted:
		return "posted"
	case StatusFunded:
		return "funded"
	case StatusEscrowCreated:
		return "escrow_created"
	case StatusDepositPending:
		return "deposit_pending"
	case StatusActive:
		return "active"
	case StatusRepaymentPending:
		return "repayment_pending"
	case StatusCompleted:
		return "completed"
	case StatusDefaulted:
		return "defaulted"
	case StatusLiquidated:
		return "liquidated"
	case StatusRecovered:
		return "recovered"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is immutable once reached.
func (s LoanStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDefaulted, StatusCancelled, StatusRecovered:
		return true
	default:
		return false
	}
}

// EscrowState is the fine-grained sub-state of the key-and-deposit ceremony,
// meaningful only between StatusFunded and StatusActive.
type EscrowState int

const (
	EscrowNone EscrowState = iota
	EscrowAwaitingBorrowerKey
	EscrowCreated
	EscrowDepositPending
	EscrowDepositConfirmed
	EscrowTemplatesSigned
	EscrowCollateralReleased
)

func (s EscrowState) String() string {
	switch s {
	case EscrowNone:
		return "none"
	case EscrowAwaitingBorrowerKey:
		return "awaiting_borrower_key"
	case EscrowCreated:
		return "escrow_created"
	case EscrowDepositPending:
		return "deposit_pending"
	case EscrowDepositConfirmed:
		return "deposit_confirmed"
	case EscrowTemplatesSigned:
		return "templates_signed"
	case EscrowCollateralReleased:
		return "collateral_released"
	default:
		return "unknown"
	}
}

// TxType enumerates the four canonical pre-signed transaction shapes.
type TxType int

const (
	TxRepayment TxType = iota
	TxDefault
	TxLiquidation
	TxRecovery
)

func (t TxType) String() string {
	switch t {
	case TxRepayment:
		return "REPAYMENT"
	case TxDefault:
		return "DEFAULT"
	case TxLiquidation:
		return "LIQUIDATION"
	case TxRecovery:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is one of the four defined tx types.
func (t TxType) Valid() bool {
	switch t {
	case TxRepayment, TxDefault, TxLiquidation, TxRecovery:
		return true
	default:
		return false
	}
}

// AllTxTypes lists the four templates generated at key-ceremony time, in the
// order the engine always produces them.
var AllTxTypes = [4]TxType{TxRepayment, TxDefault, TxLiquidation, TxRecovery}

// PartyRole identifies whose signature (if any) a PreSignedTemplate row
// holds.
type PartyRole int

const (
	RoleUnsignedTemplate PartyRole = iota
	RoleBorrower
	RoleLender
	RolePlatform
)

func (r PartyRole) String() string {
	switch r {
	case RoleUnsignedTemplate:
		return "unsigned_template"
	case RoleBorrower:
		return "borrower"
	case RoleLender:
		return "lender"
	case RolePlatform:
		return "platform"
	default:
		return "unknown"
	}
}

// PayoutPreference is the lender's chosen settlement rail for BTC proceeds.
type PayoutPreference int

const (
	PayoutFiat PayoutPreference = iota
	PayoutBTC
)

func (p PayoutPreference) String() string {
	if p == PayoutBTC {
		return "btc"
	}
	return "fiat"
}

// DisputeStatus tracks whether a loan has an in-flight or resolved dispute.
type DisputeStatus int

const (
	DisputeNone DisputeStatus = iota
	DisputeUnderReview
	DisputePendingLenderSignature
	DisputeResolved
)

func (d DisputeStatus) String() string {
	switch d {
	case DisputeNone:
		return "none"
	case DisputeUnderReview:
		return "under_review"
	case DisputePendingLenderSignature:
		return "pending_lender_signature"
	case DisputeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Outcome is the exhaustive sum type produced by the outcome engine.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCooperativeClose
	OutcomeDefault
	OutcomeLiquidation
	OutcomeCancellation
	OutcomeUnderReview
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeCooperativeClose:
		return "COOPERATIVE_CLOSE"
	case OutcomeDefault:
		return "DEFAULT"
	case OutcomeLiquidation:
		return "LIQUIDATION"
	case OutcomeCancellation:
		return "CANCELLATION"
	case OutcomeUnderReview:
		return "UNDER_REVIEW"
	default:
		return "unknown"
	}
}

// Broadcastable reports whether the executor may ever broadcast a
// transaction for this outcome. UNDER_REVIEW is recorded but never acted on.
func (o Outcome) Broadcastable() bool {
	return o != OutcomeNone && o != OutcomeUnderReview
}

// ResolutionSnapshot captures the decision and amounts pinned at the moment
// a resolution is prepared, so a concurrent re-read cannot observe a
// half-updated view.
type ResolutionSnapshot struct {
	Outcome          Outcome
	TxType           TxType
	LenderPayoutSats int64
	BorrowerPayout   int64
	NetworkFeeSats   int64
	BTCPriceFiat     float64
	PSBTBase64       string
}

// Loan is the root aggregate tying together the escrow state, the collateral
// terms, and the pre-signed templates generated over its lifetime.
type Loan struct {
	ID uint64

	BorrowerID string
	LenderID   string

	PrincipalMinor int64 // minor fiat units (e.g. cents)
	Currency       string
	InterestRateBp int64 // basis points
	TermMonths     int

	CollateralSats int64

	Status      LoanStatus
	EscrowState EscrowState

	BorrowerPubKey []byte // 33-byte compressed, nil until provided
	LenderPubKey   []byte
	PlatformPubKey []byte

	WitnessScript []byte
	EscrowAddress string

	FundingTxid           string
	FundingVout           uint32
	FundedAmountSats      int64
	DepositConfirmedAt    *time.Time
	TopUpMonitoringActive bool
	PendingTopUpSats      int64
	PreviousCollateral    int64

	BorrowerReturnAddress string
	LenderReturnAddress   string
	LenderPayout          PayoutPreference

	FundedAt        *time.Time
	MaturityDate    time.Time
	FundingDeadline time.Time

	CollateralReleased     bool
	CollateralReleaseTxid  string
	CollateralReleaseError string

	DisputeStatus DisputeStatus

	PendingResolution *ResolutionSnapshot

	BorrowerSigningComplete bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequirePairwiseDistinctKeys enforces the invariant that whenever all three
// pubkeys are present, they are pairwise distinct.
func (l *Loan) RequirePairwiseDistinctKeys() error {
	keys := [][]byte{l.BorrowerPubKey, l.LenderPubKey, l.PlatformPubKey}
	present := make([][]byte, 0, 3)
	for _, k := range keys {
		if len(k) > 0 {
			present = append(present, k)
		}
	}
	for i := 0; i < len(present); i++ {
		for j := i + 1; j < len(present); j++ {
			if string(present[i]) == string(present[j]) {
				return ErrDuplicateKeys
			}
		}
	}
	return nil
}

// Validate checks the static invariants that do not depend on lifecycle
// stage.
func (l *Loan) Validate() error {
	if l.CollateralSats <= 0 {
		return fmt.Errorf("escrow: collateralSats must be > 0")
	}
	if l.PrincipalMinor <= 0 {
		return fmt.Errorf("escrow: principal must be > 0")
	}
	if l.InterestRateBp < 0 {
		return fmt.Errorf("escrow: interestRate must be >= 0")
	}
	if l.TermMonths < 1 {
		return fmt.Errorf("escrow: termMonths must be >= 1")
	}
	if err := l.RequirePairwiseDistinctKeys(); err != nil {
		return err
	}
	if l.CollateralReleased && l.CollateralReleaseTxid == "" {
		return fmt.Errorf("escrow: collateralReleased requires a release txid")
	}
	return nil
}

// PreSignedTemplate is a per (loan, txType, partyRole) PSBT row.
type PreSignedTemplate struct {
	ID        uint64
	LoanID    uint64
	TxType    TxType
	PartyRole PartyRole

	PSBTBase64    string
	SignatureDER  []byte
	CanonicalTxid string

	ValidAfter *time.Time // RECOVERY only

	BroadcastStatus string
	BroadcastTxid   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanonicalOutput is one output of a canonical template, as recorded at
// generation time for later tamper comparison.
type CanonicalOutput struct {
	Address   string
	ValueSats int64
}

// CanonicalPsbtTemplate is the first-generated, normalized metadata cache
// for a (loan, txType), used to detect tampering between signing and
// broadcast.
type CanonicalPsbtTemplate struct {
	LoanID            uint64
	TxType            TxType
	CanonicalTxid     string
	InputTxid         string
	InputVout         uint32
	InputValueSats    int64
	WitnessScriptHash [32]byte
	Outputs           []CanonicalOutput
	FeeRateSatPerVb   int64
	VBytes            int64
	ContentHash       [32]byte // blake3 of witness script + canonical output set
}

// DisputeAuditLog is an append-only record of a resolution attempt.
type DisputeAuditLog struct {
	ID             uint64
	LoanID         uint64
	Outcome        Outcome
	RuleFired      string
	TxType         TxType
	EvidenceJSON   string
	BroadcastTxid  string
	BroadcastOK    bool
	BroadcastError string
	Actor          string
	ActorRole      string
	CreatedAt      time.Time
}
