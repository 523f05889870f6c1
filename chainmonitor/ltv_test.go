package chainmonitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowd/chainmonitor"
	"escrowd/native/escrow"
	"escrowd/storage/memstore"
)

func TestCurrentLTVBp(t *testing.T) {
	// 10,250 EUR debt against 0.4 BTC at 50,000 EUR/BTC -> 20,500,000 /
	// 40,000,000 sat = 51.25%.
	ltv := chainmonitor.CurrentLTVBp(40_000_000, 1_025_000, 5_000_000_00)
	assert.Equal(t, int64(5125), ltv)
}

func TestCurrentLTVBpGuardsZeroInputs(t *testing.T) {
	assert.Equal(t, int64(0), chainmonitor.CurrentLTVBp(0, 1_000, 5_000_000))
	assert.Equal(t, int64(0), chainmonitor.CurrentLTVBp(1_000, 1_000, 0))
}

func TestLTVThresholdsClassify(t *testing.T) {
	th := chainmonitor.LTVThresholds{WarningBp: 5000, CriticalBp: 7000, LiquidationBp: 9000}
	evidence := chainmonitor.NewLTVMonitor(nil, nil, nil, th, time.Minute)

	loan := &escrow.Loan{ID: 1, FundedAmountSats: 40_000_000, PrincipalMinor: 1_025_000}
	ltvBp, liqBp := evidence.Evidence(loan, 5_000_000_00)
	assert.Equal(t, int64(5125), ltvBp)
	assert.Equal(t, int64(9000), liqBp)
}

func TestLTVMonitorRunTicksOnceThenExitsOnCancelledContext(t *testing.T) {
	store := memstore.New()
	loan := &escrow.Loan{
		BorrowerID:       "b",
		LenderID:         "l",
		PrincipalMinor:   1_025_000,
		Currency:         "EUR",
		InterestRateBp:   1000,
		TermMonths:       3,
		CollateralSats:   40_000_000,
		FundedAmountSats: 40_000_000,
		Status:           escrow.StatusActive,
	}
	require.NoError(t, store.CreateLoan(context.Background(), loan))

	th := chainmonitor.LTVThresholds{WarningBp: 5000, CriticalBp: 7000, LiquidationBp: 9000}
	ticks := 0
	mon := chainmonitor.NewLTVMonitor(nil, store, func(ctx context.Context) (int64, error) {
		ticks++
		return 5_000_000_00, nil
	}, th, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mon.Run(ctx, store)
	assert.Equal(t, 1, ticks, "Run performs one immediate poll before checking for cancellation")
}

func TestLTVMonitorSkipsNonActiveLoans(t *testing.T) {
	store := memstore.New()
	loan := &escrow.Loan{
		BorrowerID:       "b",
		LenderID:         "l",
		PrincipalMinor:   1_025_000,
		Currency:         "EUR",
		InterestRateBp:   1000,
		TermMonths:       3,
		CollateralSats:   40_000_000,
		FundedAmountSats: 40_000_000,
		Status:           escrow.StatusCompleted,
	}
	require.NoError(t, store.CreateLoan(context.Background(), loan))

	th := chainmonitor.LTVThresholds{WarningBp: 5000, CriticalBp: 7000, LiquidationBp: 9000}
	called := false
	mon := chainmonitor.NewLTVMonitor(nil, store, func(ctx context.Context) (int64, error) {
		called = true
		return 1, nil
	}, th, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Run exits after the first immediate poll once ctx is already done on tick
	mon.Run(ctx, store)
	assert.True(t, called, "poll still runs once even though ctx is pre-cancelled, since the first tick happens before the select")
}
