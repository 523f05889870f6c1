package chainmonitor

import (
	"context"
	"log/slog"
	"time"

	"escrowd/native/escrow"
	"escrowd/observability/metrics"
)

// ConfirmationThreshold is the number of confirmations required before a
// deposit is treated as final.
const ConfirmationThreshold = 2

// Monitor is the deposit and top-up watcher: it polls each active loan's
// escrow address on a fixed interval, the same ticker-driven idiom as the
// escrow gateway's event watcher, generalized from "poll the node for new
// events" to "poll the indexer for new UTXOs".
type Monitor struct {
	log          *slog.Logger
	store        escrow.Store
	indexer      Indexer
	sm           *escrow.StateMachine
	pollInterval time.Duration
	nowFn        func() time.Time
	cursor       TopUpCursor
}

// TopUpCursor is a durable record of which top-up transactions have already
// been folded into a loan, so a process restart does not re-announce the
// same top-up. A concrete implementation (storage/memstore.SeenCursor) is
// backed by goleveldb; it is optional — a nil cursor makes every poll
// re-evaluate top-up state from the loan record alone.
type TopUpCursor interface {
	Seen(loanID uint64, txid string) (bool, error)
	Mark(loanID uint64, txid string) error
}

// NewMonitor builds a Monitor. cursor may be nil.
func NewMonitor(log *slog.Logger, store escrow.Store, indexer Indexer, pollInterval time.Duration, cursor TopUpCursor) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Monitor{
		log:          log,
		store:        store,
		indexer:      indexer,
		sm:           escrow.NewStateMachine(),
		pollInterval: pollInterval,
		nowFn:        time.Now,
		cursor:       cursor,
	}
}

// LoanLister is the narrow read surface the monitor needs to find loans
// worth polling, without depending on the full Store's write methods here.
type LoanLister interface {
	ListActiveLoans(ctx context.Context) ([]*escrow.Loan, error)
}

// Run polls all active loans' escrow addresses until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, lister LoanLister) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	m.poll(ctx, lister)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx, lister)
		}
	}
}

func (m *Monitor) poll(ctx context.Context, lister LoanLister) {
	loans, err := lister.ListActiveLoans(ctx)
	if err != nil {
		m.log.Warn("chain monitor: list active loans failed", "error", err)
		return
	}
	for _, loan := range loans {
		if err := m.pollLoan(ctx, loan); err != nil {
			m.log.Warn("chain monitor: poll loan failed", "loan_id", loan.ID, "error", err)
		}
	}
}

func (m *Monitor) pollLoan(ctx context.Context, loan *escrow.Loan) error {
	if loan.EscrowAddress == "" {
		return nil
	}
	utxos, err := m.indexer.GetUtxos(ctx, loan.EscrowAddress)
	if err != nil {
		return err
	}
	if len(utxos) == 0 {
		return nil
	}

	best := utxos[0]
	for _, u := range utxos[1:] {
		if u.ValueSats > best.ValueSats {
			best = u
		}
	}

	if loan.DepositConfirmedAt == nil {
		if best.Confirmations < ConfirmationThreshold {
			return nil
		}
		now := m.nowFn().UTC()
		if !m.sm.ObserveDepositConfirmed(loan, best.Txid, best.Vout, best.ValueSats, now) {
			return nil
		}
		metrics.EscrowMetrics().DepositsObserved.WithLabelValues("confirmed").Inc()
		return m.store.UpdateLoan(ctx, loan)
	}

	// Deposit already confirmed: detect a collateral top-up, i.e. a second
	// UTXO (or an increase in the bound UTXO's value) at the same address.
	if best.ValueSats > loan.FundedAmountSats && best.Txid != loan.FundingTxid {
		if m.cursor != nil {
			seen, err := m.cursor.Seen(loan.ID, best.Txid)
			if err != nil {
				return err
			}
			if seen {
				return nil // already folded into this loan; restart must not re-announce it
			}
		}
		loan.PendingTopUpSats = best.ValueSats - loan.FundedAmountSats
		loan.TopUpMonitoringActive = true
		loan.UpdatedAt = m.nowFn().UTC()
		metrics.EscrowMetrics().DepositsObserved.WithLabelValues("top_up").Inc()
		if err := m.store.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		if m.cursor != nil {
			return m.cursor.Mark(loan.ID, best.Txid)
		}
		return nil
	}
	return nil
}

// ManualDepositCheck lets an operator force an immediate poll of a single
// loan outside the regular interval.
func (m *Monitor) ManualDepositCheck(ctx context.Context, loanID uint64) error {
	loan, err := m.store.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	return m.pollLoan(ctx, loan)
}
