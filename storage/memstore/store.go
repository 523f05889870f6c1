// Package memstore implements the engine's Store interface entirely
// in-process, for local development and tests, grounded on
// native/escrow/storage_test.go's fixture style (plain maps behind a mutex,
// no ORM). It also provides a durable, goleveldb-backed cursor used by the
// chain monitor to remember which top-up transactions it has already
// recorded across restarts.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"escrowd/native/escrow"
)

// Store is an in-memory implementation of escrow.Store and
// chainmonitor.LoanLister, safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	loans      map[uint64]*escrow.Loan
	templates  []*escrow.PreSignedTemplate
	canonical  map[canonicalKey]*escrow.CanonicalPsbtTemplate
	audit      []*escrow.DisputeAuditLog
	nextLoanID uint64
	nextTmplID uint64
	nextAuditID uint64
}

type canonicalKey struct {
	loanID uint64
	txType escrow.TxType
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		loans:     make(map[uint64]*escrow.Loan),
		canonical: make(map[canonicalKey]*escrow.CanonicalPsbtTemplate),
	}
}

func clone(loan *escrow.Loan) *escrow.Loan {
	cp := *loan
	return &cp
}

// CreateLoan implements escrow.Store.
func (s *Store) CreateLoan(ctx context.Context, loan *escrow.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loan.ID == 0 {
		s.nextLoanID++
		loan.ID = s.nextLoanID
	} else if loan.ID > s.nextLoanID {
		s.nextLoanID = loan.ID
	}
	if _, exists := s.loans[loan.ID]; exists {
		return fmt.Errorf("memstore: loan %d already exists", loan.ID)
	}
	s.loans[loan.ID] = clone(loan)
	return nil
}

// GetLoan implements escrow.Store.
func (s *Store) GetLoan(ctx context.Context, id uint64) (*escrow.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loan, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("memstore: loan %d not found", id)
	}
	return clone(loan), nil
}

// UpdateLoan implements escrow.Store.
func (s *Store) UpdateLoan(ctx context.Context, loan *escrow.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[loan.ID]; !ok {
		return fmt.Errorf("memstore: loan %d not found", loan.ID)
	}
	s.loans[loan.ID] = clone(loan)
	return nil
}

// ListActiveLoans implements chainmonitor.LoanLister.
func (s *Store) ListActiveLoans(ctx context.Context) ([]*escrow.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*escrow.Loan, 0, len(s.loans))
	for _, loan := range s.loans {
		if !loan.Status.Terminal() {
			out = append(out, clone(loan))
		}
	}
	return out, nil
}

// PutTemplate implements escrow.Store.
func (s *Store) PutTemplate(ctx context.Context, tmpl *escrow.PreSignedTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTmplID++
	tmpl.ID = s.nextTmplID
	cp := *tmpl
	s.templates = append(s.templates, &cp)
	return nil
}

// ListTemplates implements escrow.Store.
func (s *Store) ListTemplates(ctx context.Context, loanID uint64, txType escrow.TxType) ([]*escrow.PreSignedTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*escrow.PreSignedTemplate
	for _, t := range s.templates {
		if t.LoanID == loanID && t.TxType == txType {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// LatestBorrowerTemplate implements escrow.Store.
func (s *Store) LatestBorrowerTemplate(ctx context.Context, loanID uint64, txType escrow.TxType) (*escrow.PreSignedTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *escrow.PreSignedTemplate
	for _, t := range s.templates {
		if t.LoanID != loanID || t.TxType != txType || t.PartyRole != escrow.RoleBorrower {
			continue
		}
		if best == nil || t.ID > best.ID {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// PutCanonicalTemplate implements escrow.Store.
func (s *Store) PutCanonicalTemplate(ctx context.Context, tmpl *escrow.CanonicalPsbtTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tmpl
	s.canonical[canonicalKey{tmpl.LoanID, tmpl.TxType}] = &cp
	return nil
}

// GetCanonicalTemplate implements escrow.Store.
func (s *Store) GetCanonicalTemplate(ctx context.Context, loanID uint64, txType escrow.TxType) (*escrow.CanonicalPsbtTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.canonical[canonicalKey{loanID, txType}]
	if !ok {
		return nil, nil
	}
	cp := *tmpl
	return &cp, nil
}

// AppendAuditLog implements escrow.Store.
func (s *Store) AppendAuditLog(ctx context.Context, row *escrow.DisputeAuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	row.ID = s.nextAuditID
	cp := *row
	s.audit = append(s.audit, &cp)
	return nil
}

// AuditLogForLoan returns every audit row recorded for loanID, oldest first.
// Not part of escrow.Store; used directly by tests and operator tooling.
func (s *Store) AuditLogForLoan(loanID uint64) []*escrow.DisputeAuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*escrow.DisputeAuditLog
	for _, row := range s.audit {
		if row.LoanID == loanID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out
}

// Atomically implements escrow.Store. The in-memory store has no real
// transaction concept; it runs writes under its own lock so callers still
// observe all-or-nothing semantics within a process, matching the contract
// escrow.Store documents for implementations that cannot offer true
// atomicity.
func (s *Store) Atomically(ctx context.Context, writes func(tx escrow.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writes(s)
}

// SeenCursor is a durable, restart-surviving record of which top-up
// transaction ids the chain monitor has already folded into a loan's
// PendingTopUpSats, so a restart does not re-announce the same top-up.
type SeenCursor struct {
	db *leveldb.DB
}

// OpenSeenCursor opens (creating if necessary) a goleveldb database at path.
func OpenSeenCursor(path string) (*SeenCursor, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("memstore: open seen-cursor db: %w", err)
	}
	return &SeenCursor{db: db}, nil
}

// Close releases the underlying database handle.
func (c *SeenCursor) Close() error { return c.db.Close() }

// Seen reports whether txid has already been recorded for loanID.
func (c *SeenCursor) Seen(loanID uint64, txid string) (bool, error) {
	_, err := c.db.Get(cursorKey(loanID, txid), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark records txid as processed for loanID.
func (c *SeenCursor) Mark(loanID uint64, txid string) error {
	return c.db.Put(cursorKey(loanID, txid), []byte{1}, nil)
}

func cursorKey(loanID uint64, txid string) []byte {
	key := make([]byte, 8+len(txid))
	for i := 0; i < 8; i++ {
		key[i] = byte(loanID >> (8 * (7 - i)))
	}
	copy(key[8:], txid)
	return key
}
