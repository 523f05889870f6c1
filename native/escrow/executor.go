package escrow

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"escrowd/native/common"
	"escrowd/observability/metrics"
)

// Broadcaster is the outbound chain-indexer surface the executor needs. A
// concrete implementation lives in the chainmonitor package; the executor
// never talks to a node directly.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTx []byte) (txid string, err error)
}

// KeyUnsealer recovers a loan's platform-held private key (platform's own
// signing key, or the platform-operated lender key from the blind-lender
// key ceremony) from the envelope-encrypted rows the key ceremony wrote.
type KeyUnsealer func(loanID uint64) (*btcec.PrivateKey, error)

// ExecutorConfig bundles the Resolution Executor's fixed dependencies.
type ExecutorConfig struct {
	Store       Store
	Locks       *LockTable
	Broadcaster Broadcaster
	Pause       common.PauseView

	PlatformKey KeyUnsealer // the platform's own signing key
	LenderKey   KeyUnsealer // the platform-operated lender key (blind-lender model)

	// PriceOracle supplies the current BTC price in the loan's fiat minor
	// units, used only for the fair-split computation; the PSBT amounts
	// themselves were already fixed when the template was built.
	PriceOracle func(ctx context.Context) (btcPriceMinorUnits int64, err error)

	FeeRateSatPerVb int64

	MaxRetries   int
	RetryBackoff time.Duration

	AvgBlockInterval  time.Duration
	RecoveryCSVBlocks int64
}

// Executor orchestrates the PSBT builder, signature store, outcome engine,
// and fair-split calculator into a single broadcast resolution.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor builds an Executor over the given dependencies.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.AvgBlockInterval <= 0 {
		cfg.AvgBlockInterval = 10 * time.Minute
	}
	return &Executor{cfg: cfg}
}

// Resolve drives one loan to its decided outcome: it loads the loan under
// the per-loan lock, refuses to run twice concurrently, selects and
// verifies the right pre-signed (or platform-cosigned) template, finalizes
// and broadcasts the transaction, applies the resulting loan state, and
// writes an audit log row — win or lose.
func (e *Executor) Resolve(ctx context.Context, loanID uint64, decision Decision, now time.Time) error {
	if err := common.Guard(e.cfg.Pause, "escrow"); err != nil {
		return ErrModulePaused
	}

	return e.cfg.Locks.WithLoanLock(loanID, func() error {
		return e.resolveLocked(ctx, loanID, decision, now)
	})
}

func (e *Executor) resolveLocked(ctx context.Context, loanID uint64, decision Decision, now time.Time) error {
	loan, err := e.cfg.Store.GetLoan(ctx, loanID)
	if err != nil {
		return fmt.Errorf("load loan: %w", err)
	}
	if loan.Status.Terminal() {
		return nil // already resolved; idempotent no-op
	}
	if loan.PendingResolution != nil {
		return ErrResolutionInProgress
	}

	if !decision.Outcome.Broadcastable() {
		loan.DisputeStatus = DisputeUnderReview
		loan.UpdatedAt = now
		return e.cfg.Store.UpdateLoan(ctx, loan)
	}

	btcPrice, err := e.cfg.PriceOracle(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	feeSats := EstimateFee(2, e.cfg.FeeRateSatPerVb)
	split := ComputeFairSplit(loan.FundedAmountSats, loan.PrincipalMinor, btcPrice, feeSats, decision.TxType)
	requiresBorrowerSig := split.BorrowerPayoutSats > 0 || decision.TxType == TxRepayment || decision.TxType == TxRecovery

	if decision.TxType == TxRecovery {
		validAfter := ValidAfterFromCSV(timeOrZero(loan.FundedAt), e.cfg.RecoveryCSVBlocks, e.cfg.AvgBlockInterval)
		if now.Before(validAfter) {
			return ErrTimelockNotMet
		}
	}

	loan.PendingResolution = &ResolutionSnapshot{
		Outcome:          decision.Outcome,
		TxType:           decision.TxType,
		LenderPayoutSats: split.LenderPayoutSats,
		BorrowerPayout:   split.BorrowerPayoutSats,
		NetworkFeeSats:   split.NetworkFeeSats,
	}
	if err := e.cfg.Store.UpdateLoan(ctx, loan); err != nil {
		return fmt.Errorf("mark resolution in progress: %w", err)
	}

	rawTx, err := e.assembleTransaction(ctx, loan, decision.TxType, requiresBorrowerSig)
	if err != nil {
		e.clearPending(ctx, loan)
		e.audit(ctx, loan, decision, "", false, err.Error(), now)
		return err
	}

	txid, broadcastErr := e.broadcastWithRetry(ctx, rawTx)
	if broadcastErr != nil {
		e.clearPending(ctx, loan)
		e.audit(ctx, loan, decision, "", false, broadcastErr.Error(), now)
		return broadcastErr
	}

	sm := NewStateMachine()
	if err := sm.ApplyResolution(loan, RoleCallerPlatform, decision.Outcome, txid, now); err != nil {
		return fmt.Errorf("apply resolution state: %w", err)
	}
	loan.PendingResolution = nil
	if err := e.cfg.Store.UpdateLoan(ctx, loan); err != nil {
		return fmt.Errorf("persist resolved loan: %w", err)
	}

	metrics.EscrowMetrics().Resolutions.WithLabelValues(decision.Outcome.String(), decision.RuleFired).Inc()
	e.audit(ctx, loan, decision, txid, true, "", now)
	return nil
}

// assembleTransaction fetches the right pre-signed template, co-signs it
// with whichever platform-held key(s) the outcome requires, finalizes the
// PSBT, and returns the raw serialized transaction ready to broadcast.
func (e *Executor) assembleTransaction(ctx context.Context, loan *Loan, txType TxType, requiresBorrowerSig bool) ([]byte, error) {
	canonical, err := e.cfg.Store.GetCanonicalTemplate(ctx, loan.ID, txType)
	if err != nil {
		return nil, fmt.Errorf("load canonical template: %w", err)
	}

	var basePSBT string
	if requiresBorrowerSig {
		borrowerTmpl, err := e.cfg.Store.LatestBorrowerTemplate(ctx, loan.ID, txType)
		if err != nil || borrowerTmpl == nil {
			return nil, ErrTemplateMissing
		}
		basePSBT = borrowerTmpl.PSBTBase64
	} else {
		// Platform-only path: no borrower consent is needed because the
		// outcome returns nothing to the borrower. The platform signs with
		// its own key and, for the blind-lender model, the platform-held
		// lender key — both slots it already controls.
		unsigned, err := e.cfg.Store.LatestBorrowerTemplate(ctx, loan.ID, txType)
		if err == nil && unsigned != nil {
			basePSBT = unsigned.PSBTBase64
		} else if canonical != nil {
			return nil, ErrTemplateMissing
		}
	}
	if basePSBT == "" {
		return nil, ErrTemplateMissing
	}

	raw, err := base64.StdEncoding.DecodeString(basePSBT)
	if err != nil {
		return nil, fmt.Errorf("decode template PSBT: %w", err)
	}
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("parse template PSBT: %w", err)
	}
	if !bytes.Equal(p.Inputs[0].WitnessScript, loan.WitnessScript) {
		return nil, ErrWitnessScriptMismatch
	}

	inputValue := p.Inputs[0].WitnessUtxo.Value
	sigHashes, err := sigHashesFor(p)
	if err != nil {
		return nil, err
	}

	platformPriv, err := e.cfg.PlatformKey(loan.ID)
	if err != nil {
		return nil, fmt.Errorf("unseal platform key: %w", err)
	}
	if err := cosign(p, sigHashes, inputValue, platformPriv); err != nil {
		return nil, fmt.Errorf("platform cosign: %w", err)
	}

	if !requiresBorrowerSig {
		lenderPriv, err := e.cfg.LenderKey(loan.ID)
		if err != nil {
			return nil, fmt.Errorf("unseal lender key: %w", err)
		}
		if err := cosign(p, sigHashes, inputValue, lenderPriv); err != nil {
			return nil, fmt.Errorf("lender cosign: %w", err)
		}
	}

	if err := psbt.Finalize(p, 0); err != nil {
		return nil, fmt.Errorf("finalize PSBT: %w", err)
	}
	finalTx, err := psbt.Extract(p)
	if err != nil {
		return nil, fmt.Errorf("extract final tx: %w", err)
	}

	var buf bytes.Buffer
	if err := finalTx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize final tx: %w", err)
	}
	return buf.Bytes(), nil
}

func sigHashesFor(p *psbt.Packet) (*txscript.TxSigHashes, error) {
	tx := p.UnsignedTx
	if len(tx.TxIn) != 1 {
		return nil, fmt.Errorf("expected exactly one input")
	}
	prevOuts := map[wire.OutPoint]*wire.TxOut{
		tx.TxIn[0].PreviousOutPoint: p.Inputs[0].WitnessUtxo,
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	return txscript.NewTxSigHashes(tx, fetcher), nil
}

func cosign(p *psbt.Packet, sigHashes *txscript.TxSigHashes, inputValue int64, priv *btcec.PrivateKey) error {
	sig, err := txscript.RawTxInWitnessSignature(p.UnsignedTx, sigHashes, 0, inputValue, p.Inputs[0].WitnessScript, txscript.SigHashAll, priv)
	if err != nil {
		return err
	}
	pub := priv.PubKey().SerializeCompressed()
	p.Inputs[0].PartialSigs = append(p.Inputs[0].PartialSigs, &psbt.PartialSig{
		PubKey:    pub,
		Signature: sig,
	})
	return nil
}

func (e *Executor) broadcastWithRetry(ctx context.Context, rawTx []byte) (string, error) {
	var lastErr error
	backoff := e.cfg.RetryBackoff
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		txid, err := e.cfg.Broadcaster.Broadcast(ctx, rawTx)
		if err == nil {
			return txid, nil
		}
		lastErr = err
		var be *BroadcastError
		if !asBroadcastError(err, &be) || !be.Transient {
			return "", err
		}
		metrics.EscrowMetrics().BroadcastRetries.Inc()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", lastErr
}

func asBroadcastError(err error, target **BroadcastError) bool {
	be, ok := err.(*BroadcastError)
	if !ok {
		return false
	}
	*target = be
	return true
}

func (e *Executor) clearPending(ctx context.Context, loan *Loan) {
	loan.PendingResolution = nil
	_ = e.cfg.Store.UpdateLoan(ctx, loan)
}

func (e *Executor) audit(ctx context.Context, loan *Loan, decision Decision, txid string, ok bool, errMsg string, now time.Time) {
	evidence, _ := json.Marshal(decision)
	row := &DisputeAuditLog{
		LoanID:         loan.ID,
		Outcome:        decision.Outcome,
		RuleFired:      decision.RuleFired,
		TxType:         decision.TxType,
		EvidenceJSON:   string(evidence),
		BroadcastTxid:  txid,
		BroadcastOK:    ok,
		BroadcastError: errMsg,
		Actor:          "executor",
		ActorRole:      RoleCallerPlatform.String(),
		CreatedAt:      now,
	}
	_ = e.cfg.Store.AppendAuditLog(ctx, row)
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (r Role) String() string {
	switch r {
	case RoleCallerBorrower:
		return "borrower"
	case RoleCallerLender:
		return "lender"
	case RoleCallerPlatform:
		return "platform"
	default:
		return "unknown"
	}
}
