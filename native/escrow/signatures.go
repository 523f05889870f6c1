package escrow

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"

	"escrowd/native/common"
	"escrowd/observability/metrics"
)

// SignatureSubmission is the input to SignatureStore.Submit: either a fully
// borrower-signed PSBT, or a bare DER signature referencing a previously
// issued unsigned template.
type SignatureSubmission struct {
	LoanID       uint64
	TxType       TxType
	PSBTBase64   string // one of PSBTBase64/DERSignature must be set
	DERSignature []byte
}

// TemplateContext is the data the signature store needs from the unsigned
// template to verify a submission, supplied by the caller which owns the
// loan record.
type TemplateContext struct {
	WitnessScript  []byte
	InputValueSats int64
	UnsignedPSBT   string // base64, as produced by BuildTemplate
	Canonical      *CanonicalPsbtTemplate
	BorrowerPubKey []byte
}

// SignatureStore verifies and persists borrower signatures, subject to a
// per-loan rate limit. The borrower's private key never reaches this
// type — only a signature and, optionally, a PSBT pass through Submit.
type SignatureStore struct {
	store        Store
	limiter      *submissionLimiter
	quotaStore   common.Store // optional: restart-surviving counter alongside the in-memory limiter
	window       time.Duration
	maxPerWindow int
	network      *chaincfg.Params
}

// NewSignatureStore builds a SignatureStore over the given persistence
// adapter, rate-limited to maxPerWindow submissions per loan per window.
// quotaStore may be nil, in which case only the in-memory per-process
// limiter applies. network is used only to decode output addresses when
// cross-checking a signed PSBT against its canonical template.
func NewSignatureStore(store Store, quotaStore common.Store, maxPerWindow int, window time.Duration, network *chaincfg.Params) *SignatureStore {
	return &SignatureStore{
		store:        store,
		limiter:      newSubmissionLimiter(maxPerWindow, window),
		quotaStore:   quotaStore,
		window:       window,
		maxPerWindow: maxPerWindow,
		network:      network,
	}
}

// Submit verifies sub against tctx and, on success, persists a new
// PreSignedTemplate row with PartyRole=RoleBorrower. An accepted signature
// is never mutated in place — a resubmission creates a new row. Once all
// four tx types have a borrower row on file, it drives
// StateMachine.MarkTemplatesSigned and persists the updated loan.
func (s *SignatureStore) Submit(ctx context.Context, sub SignatureSubmission, tctx TemplateContext, now time.Time) (*PreSignedTemplate, error) {
	m := metrics.EscrowMetrics()
	if !s.limiter.Allow(sub.LoanID) {
		m.SignaturesVerified.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}
	if s.quotaStore != nil {
		epochSeconds := uint32(s.window.Seconds())
		quota := common.Quota{MaxRequestsPerEpoch: uint32(s.maxPerWindow), EpochSeconds: epochSeconds}
		epoch := common.EpochFor(time.Now().Unix(), epochSeconds)
		if _, err := common.Apply(s.quotaStore, "signature_submission", epoch, common.LoanKey(sub.LoanID), quota, 1, 0); err != nil {
			m.SignaturesVerified.WithLabelValues("rate_limited").Inc()
			return nil, ErrRateLimited
		}
	}

	derSig, signedPSBT, err := extractSignature(sub, tctx)
	if err != nil {
		m.SignaturesVerified.WithLabelValues("rejected").Inc()
		return nil, err
	}

	sigHash, err := computeWitnessSigHash(tctx.UnsignedPSBT, tctx.WitnessScript, tctx.InputValueSats)
	if err != nil {
		m.SignaturesVerified.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	pub, err := btcec.ParsePubKey(tctx.BorrowerPubKey)
	if err != nil {
		m.SignaturesVerified.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: invalid borrower pubkey", ErrInvalidSignature)
	}

	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		m.SignaturesVerified.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: malformed DER", ErrInvalidSignature)
	}
	if !sig.Verify(sigHash, pub) {
		m.SignaturesVerified.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidSignature
	}

	if tctx.Canonical != nil {
		if err := verifyAgainstCanonical(signedPSBT, tctx.Canonical, s.network); err != nil {
			m.SignaturesVerified.WithLabelValues("rejected").Inc()
			return nil, err
		}
	}
	m.SignaturesVerified.WithLabelValues("accepted").Inc()

	row := &PreSignedTemplate{
		LoanID:       sub.LoanID,
		TxType:       sub.TxType,
		PartyRole:    RoleBorrower,
		SignatureDER: derSig,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if signedPSBT != "" {
		row.PSBTBase64 = signedPSBT
	}
	if err := s.store.PutTemplate(ctx, row); err != nil {
		return nil, fmt.Errorf("persist borrower template: %w", err)
	}
	if err := s.markSignedIfComplete(ctx, sub.LoanID, now); err != nil {
		return nil, err
	}
	return row, nil
}

// markSignedIfComplete transitions the loan's borrowerSigningComplete flag
// once a borrower row exists for all four tx types.
func (s *SignatureStore) markSignedIfComplete(ctx context.Context, loanID uint64, now time.Time) error {
	for _, t := range AllTxTypes {
		tmpl, err := s.store.LatestBorrowerTemplate(ctx, loanID, t)
		if err != nil {
			return fmt.Errorf("check borrower templates: %w", err)
		}
		if tmpl == nil {
			return nil
		}
	}
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return fmt.Errorf("load loan: %w", err)
	}
	NewStateMachine().MarkTemplatesSigned(loan, now)
	if err := s.store.UpdateLoan(ctx, loan); err != nil {
		return fmt.Errorf("persist loan after templates signed: %w", err)
	}
	return nil
}

func extractSignature(sub SignatureSubmission, ctx TemplateContext) (der []byte, psbtB64 string, err error) {
	if sub.PSBTBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(sub.PSBTBase64)
		if err != nil {
			return nil, "", fmt.Errorf("%w: bad base64", ErrInvalidSignature)
		}
		p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
		if err != nil {
			return nil, "", fmt.Errorf("%w: bad PSBT", ErrInvalidSignature)
		}
		if len(p.Inputs) != 1 {
			return nil, "", fmt.Errorf("%w: expected exactly one input", ErrWitnessScriptMismatch)
		}
		if !bytes.Equal(p.Inputs[0].WitnessScript, ctx.WitnessScript) {
			return nil, "", ErrWitnessScriptMismatch
		}
		if len(p.Inputs[0].PartialSigs) == 0 {
			return nil, "", fmt.Errorf("%w: no partial signatures present", ErrInvalidSignature)
		}
		var found []byte
		for _, ps := range p.Inputs[0].PartialSigs {
			if bytes.Equal(ps.PubKey, ctx.BorrowerPubKey) {
				found = ps.Signature
				break
			}
		}
		if found == nil {
			return nil, "", fmt.Errorf("%w: no signature for borrower pubkey", ErrInvalidSignature)
		}
		return found, sub.PSBTBase64, nil
	}
	if len(sub.DERSignature) == 0 {
		return nil, "", fmt.Errorf("%w: no signature material submitted", ErrInvalidSignature)
	}
	return sub.DERSignature, "", nil
}

// computeWitnessSigHash decodes the unsigned PSBT and computes the BIP-143
// sighash for its single input, committing to the witness script and
// outputs (not necessarily the final outpoint, for a pre-deposit template).
func computeWitnessSigHash(unsignedPSBTB64 string, witnessScript []byte, inputValue int64) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(unsignedPSBTB64)
	if err != nil {
		return nil, fmt.Errorf("decode unsigned PSBT: %w", err)
	}
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("parse unsigned PSBT: %w", err)
	}
	tx := p.UnsignedTx
	if len(tx.TxIn) != 1 {
		return nil, fmt.Errorf("expected exactly one input")
	}
	prevOuts := map[wire.OutPoint]*wire.TxOut{
		tx.TxIn[0].PreviousOutPoint: {
			Value:    inputValue,
			PkScript: p.Inputs[0].WitnessUtxo.PkScript,
		},
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.CalcWitnessSigHash(witnessScript, sigHashes, txscript.SigHashAll, tx, 0, inputValue)
}

// verifyAgainstCanonical rejects a signed PSBT whose output set (address and
// amount, for every output) disagrees with the canonical template. This
// guards DEFAULT/LIQUIDATION's two-output shape as well as the
// single-output REPAYMENT/RECOVERY shape.
func verifyAgainstCanonical(signedPSBTB64 string, canonical *CanonicalPsbtTemplate, network *chaincfg.Params) error {
	if signedPSBTB64 == "" {
		// Bare DER submissions have no PSBT to cross-check; the caller is
		// responsible for reconstructing and comparing the full tx later.
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(signedPSBTB64)
	if err != nil {
		return fmt.Errorf("%w: bad base64", ErrWitnessScriptMismatch)
	}
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return fmt.Errorf("%w: bad PSBT", ErrWitnessScriptMismatch)
	}
	if len(p.UnsignedTx.TxOut) == 0 {
		return fmt.Errorf("%w: no outputs", ErrWitnessScriptMismatch)
	}
	if len(p.UnsignedTx.TxOut) != len(canonical.Outputs) {
		return fmt.Errorf("%w: output count disagrees with canonical template", ErrWitnessScriptMismatch)
	}
	for i, txOut := range p.UnsignedTx.TxOut {
		want := canonical.Outputs[i]
		if txOut.Value != want.ValueSats {
			return fmt.Errorf("%w: output amount disagrees with canonical template", ErrWitnessScriptMismatch)
		}
		addr, err := addressFromPkScript(txOut.PkScript, network)
		if err != nil || addr != want.Address {
			return fmt.Errorf("%w: output address disagrees with canonical template", ErrWitnessScriptMismatch)
		}
	}
	return nil
}

func addressFromPkScript(pkScript []byte, net *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, net)
	if err != nil || len(addrs) != 1 {
		return "", fmt.Errorf("extract address: %w", err)
	}
	return addrs[0].String(), nil
}

// submissionLimiter rate-limits signature submissions per loan, grounded on
// gateway/middleware's keyed rate.Limiter map.
type submissionLimiter struct {
	mu       sync.Mutex
	buckets  map[uint64]*rate.Limiter
	max      int
	window   time.Duration
}

func newSubmissionLimiter(max int, window time.Duration) *submissionLimiter {
	return &submissionLimiter{
		buckets: make(map[uint64]*rate.Limiter),
		max:     max,
		window:  window,
	}
}

func (l *submissionLimiter) Allow(loanID uint64) bool {
	l.mu.Lock()
	limiter, ok := l.buckets[loanID]
	if !ok {
		// rate.Limit expressed as events per second over the window.
		perSecond := rate.Limit(float64(l.max) / l.window.Seconds())
		limiter = rate.NewLimiter(perSecond, l.max)
		l.buckets[loanID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
