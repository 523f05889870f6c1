package memstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"escrowd/native/escrow"
)

func TestStoreCreateAndGetLoan(t *testing.T) {
	s := New()
	ctx := context.Background()

	loan := &escrow.Loan{CollateralSats: 100_000, PrincipalMinor: 1_000}
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	if loan.ID == 0 {
		t.Fatalf("expected CreateLoan to assign a non-zero id")
	}

	got, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	if got.CollateralSats != loan.CollateralSats {
		t.Fatalf("got collateral %d, want %d", got.CollateralSats, loan.CollateralSats)
	}

	// Mutating the returned loan must not mutate the store's copy.
	got.CollateralSats = 999
	reread, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("GetLoan (reread): %v", err)
	}
	if reread.CollateralSats == 999 {
		t.Fatalf("store leaked its internal pointer to the caller")
	}
}

func TestStoreGetLoanNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetLoan(context.Background(), 12345); err == nil {
		t.Fatalf("expected an error for an unknown loan id")
	}
}

func TestStoreListActiveLoansExcludesTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()

	active := &escrow.Loan{CollateralSats: 1, PrincipalMinor: 1, Status: escrow.StatusActive}
	done := &escrow.Loan{CollateralSats: 1, PrincipalMinor: 1, Status: escrow.StatusCompleted}
	if err := s.CreateLoan(ctx, active); err != nil {
		t.Fatalf("CreateLoan(active): %v", err)
	}
	if err := s.CreateLoan(ctx, done); err != nil {
		t.Fatalf("CreateLoan(done): %v", err)
	}

	loans, err := s.ListActiveLoans(ctx)
	if err != nil {
		t.Fatalf("ListActiveLoans: %v", err)
	}
	if len(loans) != 1 || loans[0].ID != active.ID {
		t.Fatalf("ListActiveLoans returned %+v, want only the active loan", loans)
	}
}

func TestStoreLatestBorrowerTemplatePicksMostRecent(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &escrow.PreSignedTemplate{LoanID: 1, TxType: escrow.TxRepayment, PartyRole: escrow.RoleBorrower, PSBTBase64: "first"}
	second := &escrow.PreSignedTemplate{LoanID: 1, TxType: escrow.TxRepayment, PartyRole: escrow.RoleBorrower, PSBTBase64: "second"}
	if err := s.PutTemplate(ctx, first); err != nil {
		t.Fatalf("PutTemplate(first): %v", err)
	}
	if err := s.PutTemplate(ctx, second); err != nil {
		t.Fatalf("PutTemplate(second): %v", err)
	}

	latest, err := s.LatestBorrowerTemplate(ctx, 1, escrow.TxRepayment)
	if err != nil {
		t.Fatalf("LatestBorrowerTemplate: %v", err)
	}
	if latest == nil || latest.PSBTBase64 != "second" {
		t.Fatalf("LatestBorrowerTemplate = %+v, want the second submission", latest)
	}
}

func TestStoreLatestBorrowerTemplateNoneReturnsNilNil(t *testing.T) {
	s := New()
	tmpl, err := s.LatestBorrowerTemplate(context.Background(), 1, escrow.TxRepayment)
	if err != nil {
		t.Fatalf("expected (nil, nil) for a loan with no template, got error: %v", err)
	}
	if tmpl != nil {
		t.Fatalf("expected a nil template, got %+v", tmpl)
	}
}

func TestStoreGetCanonicalTemplateNoneReturnsNilNil(t *testing.T) {
	s := New()
	tmpl, err := s.GetCanonicalTemplate(context.Background(), 1, escrow.TxRepayment)
	if err != nil {
		t.Fatalf("expected (nil, nil) when no canonical template was ever written, got error: %v", err)
	}
	if tmpl != nil {
		t.Fatalf("expected a nil canonical template, got %+v", tmpl)
	}
}

func TestStorePutAndGetCanonicalTemplateRoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()
	tmpl := &escrow.CanonicalPsbtTemplate{LoanID: 7, TxType: escrow.TxDefault, CanonicalTxid: "abc123"}
	if err := s.PutCanonicalTemplate(ctx, tmpl); err != nil {
		t.Fatalf("PutCanonicalTemplate: %v", err)
	}
	got, err := s.GetCanonicalTemplate(ctx, 7, escrow.TxDefault)
	if err != nil {
		t.Fatalf("GetCanonicalTemplate: %v", err)
	}
	if got == nil || got.CanonicalTxid != "abc123" {
		t.Fatalf("GetCanonicalTemplate = %+v, want CanonicalTxid=abc123", got)
	}
}

func TestStoreAppendAuditLogAndAuditLogForLoan(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.AppendAuditLog(ctx, &escrow.DisputeAuditLog{LoanID: 5, Outcome: escrow.OutcomeDefault}); err != nil {
		t.Fatalf("AppendAuditLog: %v", err)
	}
	if err := s.AppendAuditLog(ctx, &escrow.DisputeAuditLog{LoanID: 6, Outcome: escrow.OutcomeLiquidation}); err != nil {
		t.Fatalf("AppendAuditLog: %v", err)
	}

	rows := s.AuditLogForLoan(5)
	if len(rows) != 1 || rows[0].Outcome != escrow.OutcomeDefault {
		t.Fatalf("AuditLogForLoan(5) = %+v", rows)
	}
}

func TestStoreAtomicallyRunsWritesUnderLock(t *testing.T) {
	s := New()
	ctx := context.Background()
	loan := &escrow.Loan{CollateralSats: 1, PrincipalMinor: 1}
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}

	err := s.Atomically(ctx, func(tx escrow.Store) error {
		loan.FundedAmountSats = 42
		return tx.UpdateLoan(ctx, loan)
	})
	if err != nil {
		t.Fatalf("Atomically: %v", err)
	}

	got, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	if got.FundedAmountSats != 42 {
		t.Fatalf("FundedAmountSats = %d, want 42", got.FundedAmountSats)
	}
}

func TestSeenCursorMarksAndDetectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	cursor, err := OpenSeenCursor(filepath.Join(dir, "cursor.db"))
	if err != nil {
		t.Fatalf("OpenSeenCursor: %v", err)
	}
	defer cursor.Close()

	seen, err := cursor.Seen(1, "txid-a")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatalf("expected txid-a to be unseen before Mark")
	}

	if err := cursor.Mark(1, "txid-a"); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	seen, err = cursor.Seen(1, "txid-a")
	if err != nil {
		t.Fatalf("Seen (after Mark): %v", err)
	}
	if !seen {
		t.Fatalf("expected txid-a to be seen after Mark")
	}

	// A distinct loan id with the same txid is tracked independently.
	seen, err = cursor.Seen(2, "txid-a")
	if err != nil {
		t.Fatalf("Seen (different loan): %v", err)
	}
	if seen {
		t.Fatalf("expected a different loan id to have an independent cursor")
	}
}

func TestSeenCursorSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cursor.db")

	cursor, err := OpenSeenCursor(path)
	if err != nil {
		t.Fatalf("OpenSeenCursor: %v", err)
	}
	if err := cursor.Mark(9, "restart-txid"); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSeenCursor(path)
	if err != nil {
		t.Fatalf("re-open OpenSeenCursor: %v", err)
	}
	defer reopened.Close()

	seen, err := reopened.Seen(9, "restart-txid")
	if err != nil {
		t.Fatalf("Seen after reopen: %v", err)
	}
	if !seen {
		t.Fatalf("expected the mark to survive a close/reopen cycle")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
