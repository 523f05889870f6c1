package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowd/native/common"
)

type fakeRecoveryStore struct {
	templates map[uint64]*PreSignedTemplate
}

func (s *fakeRecoveryStore) CreateLoan(context.Context, *Loan) error { return nil }
func (s *fakeRecoveryStore) GetLoan(context.Context, uint64) (*Loan, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeRecoveryStore) UpdateLoan(context.Context, *Loan) error { return nil }
func (s *fakeRecoveryStore) PutTemplate(context.Context, *PreSignedTemplate) error { return nil }
func (s *fakeRecoveryStore) ListTemplates(context.Context, uint64, TxType) ([]*PreSignedTemplate, error) {
	return nil, nil
}
func (s *fakeRecoveryStore) LatestBorrowerTemplate(_ context.Context, loanID uint64, txType TxType) (*PreSignedTemplate, error) {
	if txType != TxRecovery {
		return nil, nil
	}
	return s.templates[loanID], nil
}
func (s *fakeRecoveryStore) PutCanonicalTemplate(context.Context, *CanonicalPsbtTemplate) error { return nil }
func (s *fakeRecoveryStore) GetCanonicalTemplate(context.Context, uint64, TxType) (*CanonicalPsbtTemplate, error) {
	return nil, nil
}
func (s *fakeRecoveryStore) AppendAuditLog(context.Context, *DisputeAuditLog) error { return nil }
func (s *fakeRecoveryStore) Atomically(ctx context.Context, writes func(Store) error) error {
	return writes(s)
}

func TestEmergencyRecoveryRejectsBeforeTimelock(t *testing.T) {
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeRecoveryStore{templates: map[uint64]*PreSignedTemplate{
		1: {LoanID: 1, TxType: TxRecovery, PartyRole: RoleBorrower, ValidAfter: &future},
	}}
	svc := NewEmergencyRecoveryService(store, nil, common.Quota{}, false)

	_, err := svc.EmergencyRecovery(context.Background(), 1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrTimelockNotMet) {
		t.Fatalf("expected ErrTimelockNotMet, got %v", err)
	}
}

func TestEmergencyRecoveryAllowsAtExactValidAfter(t *testing.T) {
	validAfter := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeRecoveryStore{templates: map[uint64]*PreSignedTemplate{
		1: {LoanID: 1, TxType: TxRecovery, PartyRole: RoleBorrower, ValidAfter: &validAfter},
	}}
	svc := NewEmergencyRecoveryService(store, nil, common.Quota{}, false)

	tmpl, err := svc.EmergencyRecovery(context.Background(), 1, validAfter)
	if err != nil {
		t.Fatalf("unexpected error at exact validAfter boundary: %v", err)
	}
	if tmpl == nil || tmpl.LoanID != 1 {
		t.Fatalf("unexpected template: %+v", tmpl)
	}
}

func TestEmergencyRecoveryMissingTemplate(t *testing.T) {
	store := &fakeRecoveryStore{templates: map[uint64]*PreSignedTemplate{}}
	svc := NewEmergencyRecoveryService(store, nil, common.Quota{}, false)

	_, err := svc.EmergencyRecovery(context.Background(), 99, time.Now())
	if !errors.Is(err, ErrTemplateMissing) {
		t.Fatalf("expected ErrTemplateMissing, got %v", err)
	}
}

func TestEmergencyRecoveryDevOverrideBypassesTimelock(t *testing.T) {
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeRecoveryStore{templates: map[uint64]*PreSignedTemplate{
		1: {LoanID: 1, TxType: TxRecovery, PartyRole: RoleBorrower, ValidAfter: &future},
	}}
	svc := NewEmergencyRecoveryService(store, nil, common.Quota{}, true)

	tmpl, err := svc.EmergencyRecovery(context.Background(), 1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("devOverride should bypass the timelock check: %v", err)
	}
	if tmpl == nil {
		t.Fatalf("expected a template back")
	}
}

func TestEmergencyRecoveryEnforcesQuota(t *testing.T) {
	validAfter := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeRecoveryStore{templates: map[uint64]*PreSignedTemplate{
		1: {LoanID: 1, TxType: TxRecovery, PartyRole: RoleBorrower, ValidAfter: &validAfter},
	}}
	quotaStore := common.NewMemoryStore()
	quota := common.Quota{MaxRequestsPerEpoch: 2, EpochSeconds: 3600}
	svc := NewEmergencyRecoveryService(store, quotaStore, quota, false)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := svc.EmergencyRecovery(context.Background(), 1, now); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := svc.EmergencyRecovery(context.Background(), 1, now); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if _, err := svc.EmergencyRecovery(context.Background(), 1, now); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on the third call, got %v", err)
	}
}
