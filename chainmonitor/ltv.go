package chainmonitor

import (
	"context"
	"log/slog"
	"time"

	"escrowd/native/escrow"
	"escrowd/observability/metrics"
)

// LTVBand is the coarse health classification of a loan's current
// loan-to-value ratio.
type LTVBand int

const (
	LTVHealthy LTVBand = iota
	LTVWarning
	LTVCritical
	LTVLiquidation
)

func (b LTVBand) String() string {
	switch b {
	case LTVHealthy:
		return "healthy"
	case LTVWarning:
		return "warning"
	case LTVCritical:
		return "critical"
	case LTVLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// LTVThresholds are the basis-point boundaries between bands. Crossing into
// LTVLiquidation is what ultimately feeds R3 in the outcome engine.
type LTVThresholds struct {
	WarningBp     int64
	CriticalBp    int64
	LiquidationBp int64
}

// PriceSource supplies the current BTC price in the loan's fiat minor
// units; normally priceoracle.Oracle.USDPriceFunc().
type PriceSource func(ctx context.Context) (int64, error)

// LTVMonitor runs the LTV watch loop: on each tick it recomputes every
// active loan's current LTV from the live BTC price and classifies it
// into a band, logging and counting each transition.
type LTVMonitor struct {
	log          *slog.Logger
	store        escrow.Store
	price        PriceSource
	thresholds   LTVThresholds
	pollInterval time.Duration

	lastBand map[uint64]LTVBand
}

// NewLTVMonitor builds an LTVMonitor.
func NewLTVMonitor(log *slog.Logger, store escrow.Store, price PriceSource, thresholds LTVThresholds, pollInterval time.Duration) *LTVMonitor {
	if log == nil {
		log = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &LTVMonitor{
		log:          log,
		store:        store,
		price:        price,
		thresholds:   thresholds,
		pollInterval: pollInterval,
		lastBand:     make(map[uint64]LTVBand),
	}
}

// CurrentLTVBp computes the current loan-to-value ratio in basis points:
// outstanding debt (fiat minor units converted to sats at the live price)
// over posted collateral.
func CurrentLTVBp(collateralSats, debtMinorUnits, btcPriceMinorUnits int64) int64 {
	if collateralSats <= 0 || btcPriceMinorUnits <= 0 {
		return 0
	}
	debtSats := (debtMinorUnits * 100_000_000) / btcPriceMinorUnits
	return (debtSats * 10_000) / collateralSats
}

func (t LTVThresholds) classify(ltvBp int64) LTVBand {
	switch {
	case t.LiquidationBp > 0 && ltvBp >= t.LiquidationBp:
		return LTVLiquidation
	case t.CriticalBp > 0 && ltvBp >= t.CriticalBp:
		return LTVCritical
	case t.WarningBp > 0 && ltvBp >= t.WarningBp:
		return LTVWarning
	default:
		return LTVHealthy
	}
}

// Run polls all active loans' LTV ratio until ctx is cancelled.
func (m *LTVMonitor) Run(ctx context.Context, lister LoanLister) {
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

func (m *LTVMonitor) poll(ctx context.Context, lister LoanLister) {
	loans, err := lister.ListActiveLoans(ctx)
	if err != nil {
		m.log.Warn("ltv monitor: list active loans failed", "error", err)
		return
	}
	btcPrice, err := m.price(ctx)
	if err != nil {
		m.log.Warn("ltv monitor: price unavailable", "error", err)
		return
	}
	for _, loan := range loans {
		if loan.Status != escrow.StatusActive {
			continue
		}
		ltvBp := CurrentLTVBp(loan.FundedAmountSats, loan.PrincipalMinor, btcPrice)
		band := m.thresholds.classify(ltvBp)
		if prev, ok := m.lastBand[loan.ID]; !ok || prev != band {
			m.lastBand[loan.ID] = band
			metrics.EscrowMetrics().LTVBandTransitions.WithLabelValues(band.String()).Inc()
			m.log.Info("ltv band transition", "loan_id", loan.ID, "band", band.String(), "ltv_bp", ltvBp)
		}
	}
}

// Evidence builds the outcome engine's LTV-relevant Evidence fields for one
// loan at the given price.
func (m *LTVMonitor) Evidence(loan *escrow.Loan, btcPriceMinorUnits int64) (currentLTVBp int64, liquidationThresholdBp int64) {
	return CurrentLTVBp(loan.FundedAmountSats, loan.PrincipalMinor, btcPriceMinorUnits), m.thresholds.LiquidationBp
}
