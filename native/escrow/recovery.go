package escrow

import (
	"context"
	"time"

	"escrowd/native/common"
)

// EmergencyRecoveryQuota is the default rate limit: at most 10
// emergency-recovery reads per loan per hour. The operation requires no
// caller authentication (anyone who knows the loan id may fetch the
// borrower's own pre-signed recovery plan), so the quota is the only
// defense against abuse.
var EmergencyRecoveryQuota = common.Quota{MaxRequestsPerEpoch: 10, EpochSeconds: 3600}

// EmergencyRecoveryService implements the emergency-recovery read: an
// unauthenticated, rate-limited fetch that returns the stored RECOVERY PSBT
// once its timelock has passed.
type EmergencyRecoveryService struct {
	store       Store
	quotaStore  common.Store
	quota       common.Quota
	devOverride bool
}

// NewEmergencyRecoveryService builds an EmergencyRecoveryService. devOverride,
// when true, bypasses the validAfter check and must never be set in
// production configuration.
func NewEmergencyRecoveryService(store Store, quotaStore common.Store, quota common.Quota, devOverride bool) *EmergencyRecoveryService {
	if quota.MaxRequestsPerEpoch == 0 && quota.EpochSeconds == 0 {
		quota = EmergencyRecoveryQuota
	}
	return &EmergencyRecoveryService{store: store, quotaStore: quotaStore, quota: quota, devOverride: devOverride}
}

// EmergencyRecovery returns the borrower-signed RECOVERY template for loanID
// if its validAfter has passed: a request at exactly validAfter is accepted,
// one second earlier is rejected.
func (s *EmergencyRecoveryService) EmergencyRecovery(ctx context.Context, loanID uint64, now time.Time) (*PreSignedTemplate, error) {
	if s.quotaStore != nil {
		epoch := common.EpochFor(now.Unix(), s.quota.EpochSeconds)
		if _, err := common.Apply(s.quotaStore, "emergency_recovery", epoch, common.LoanKey(loanID), s.quota, 1, 0); err != nil {
			return nil, ErrRateLimited
		}
	}

	tmpl, err := s.store.LatestBorrowerTemplate(ctx, loanID, TxRecovery)
	if err != nil || tmpl == nil {
		return nil, ErrTemplateMissing
	}
	if !s.devOverride {
		if tmpl.ValidAfter == nil || now.Before(*tmpl.ValidAfter) {
			return nil, ErrTimelockNotMet
		}
	}
	return tmpl, nil
}
