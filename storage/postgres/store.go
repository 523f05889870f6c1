// Package postgres implements the engine's Store interface on top of
// gorm and the postgres driver, grounded on the OTC gateway's models
// package: gorm-tagged structs plus a single AutoMigrate entrypoint.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"escrowd/native/escrow"
)

// loanRow is the gorm-mapped persistence shape for escrow.Loan.
type loanRow struct {
	ID uint64 `gorm:"primaryKey"`

	BorrowerID string
	LenderID   string

	PrincipalMinor int64
	Currency       string
	InterestRateBp int64
	TermMonths     int

	CollateralSats int64

	Status      int
	EscrowState int

	BorrowerPubKey []byte
	LenderPubKey   []byte
	PlatformPubKey []byte

	WitnessScript []byte
	EscrowAddress string `gorm:"index"`

	FundingTxid           string `gorm:"index"`
	FundingVout           uint32
	FundedAmountSats      int64
	DepositConfirmedAt    *time.Time
	TopUpMonitoringActive bool
	PendingTopUpSats      int64
	PreviousCollateral    int64

	BorrowerReturnAddress string
	LenderReturnAddress   string
	LenderPayout          int

	FundedAt        *time.Time
	MaturityDate    time.Time
	FundingDeadline time.Time

	CollateralReleased     bool
	CollateralReleaseTxid  string
	CollateralReleaseError string

	DisputeStatus int

	PendingResolutionJSON string

	BorrowerSigningComplete bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (loanRow) TableName() string { return "loans" }

type templateRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	LoanID    uint64 `gorm:"index:idx_template_lookup"`
	TxType    int    `gorm:"index:idx_template_lookup"`
	PartyRole int    `gorm:"index:idx_template_lookup"`

	PSBTBase64    string `gorm:"type:text"`
	SignatureDER  []byte
	CanonicalTxid string

	ValidAfter *time.Time

	BroadcastStatus string
	BroadcastTxid   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (templateRow) TableName() string { return "presigned_templates" }

type canonicalTemplateRow struct {
	LoanID            uint64 `gorm:"primaryKey"`
	TxType            int    `gorm:"primaryKey"`
	CanonicalTxid     string
	InputTxid         string
	InputVout         uint32
	InputValueSats    int64
	WitnessScriptHash []byte
	OutputsJSON       string `gorm:"type:text"`
	FeeRateSatPerVb   int64
	VBytes            int64
	ContentHash       []byte
}

func (canonicalTemplateRow) TableName() string { return "canonical_templates" }

type auditLogRow struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	LoanID         uint64 `gorm:"index"`
	Outcome        int
	RuleFired      string
	TxType         int
	EvidenceJSON   string `gorm:"type:text"`
	BroadcastTxid  string
	BroadcastOK    bool
	BroadcastError string `gorm:"type:text"`
	Actor          string
	ActorRole      string
	CreatedAt      time.Time
}

func (auditLogRow) TableName() string { return "dispute_audit_logs" }

// AutoMigrate creates or updates every table the store depends on.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&loanRow{}, &templateRow{}, &canonicalTemplateRow{}, &auditLogRow{})
}

// Store implements escrow.Store (and chainmonitor.LoanLister) against a
// Postgres database via gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and runs AutoMigrate.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateLoan implements escrow.Store.
func (s *Store) CreateLoan(ctx context.Context, loan *escrow.Loan) error {
	row := toLoanRow(loan)
	return s.db.WithContext(ctx).Create(&row).Error
}

// GetLoan implements escrow.Store.
func (s *Store) GetLoan(ctx context.Context, id uint64) (*escrow.Loan, error) {
	var row loanRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return fromLoanRow(row), nil
}

// UpdateLoan implements escrow.Store.
func (s *Store) UpdateLoan(ctx context.Context, loan *escrow.Loan) error {
	row := toLoanRow(loan)
	return s.db.WithContext(ctx).Save(&row).Error
}

// ListActiveLoans implements chainmonitor.LoanLister.
func (s *Store) ListActiveLoans(ctx context.Context) ([]*escrow.Loan, error) {
	var rows []loanRow
	terminal := []int{
		int(escrow.StatusCompleted),
		int(escrow.StatusDefaulted),
		int(escrow.StatusCancelled),
		int(escrow.StatusRecovered),
	}
	if err := s.db.WithContext(ctx).Where("status NOT IN ?", terminal).Find(&rows).Error; err != nil {
		return nil, err
	}
	loans := make([]*escrow.Loan, 0, len(rows))
	for _, row := range rows {
		loans = append(loans, fromLoanRow(row))
	}
	return loans, nil
}

// PutTemplate implements escrow.Store.
func (s *Store) PutTemplate(ctx context.Context, tmpl *escrow.PreSignedTemplate) error {
	row := toTemplateRow(tmpl)
	return s.db.WithContext(ctx).Create(&row).Error
}

// ListTemplates implements escrow.Store.
func (s *Store) ListTemplates(ctx context.Context, loanID uint64, txType escrow.TxType) ([]*escrow.PreSignedTemplate, error) {
	var rows []templateRow
	if err := s.db.WithContext(ctx).
		Where("loan_id = ? AND tx_type = ?", loanID, int(txType)).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	tmpls := make([]*escrow.PreSignedTemplate, 0, len(rows))
	for _, row := range rows {
		tmpls = append(tmpls, fromTemplateRow(row))
	}
	return tmpls, nil
}

// LatestBorrowerTemplate implements escrow.Store.
func (s *Store) LatestBorrowerTemplate(ctx context.Context, loanID uint64, txType escrow.TxType) (*escrow.PreSignedTemplate, error) {
	var row templateRow
	err := s.db.WithContext(ctx).
		Where("loan_id = ? AND tx_type = ? AND party_role = ?", loanID, int(txType), int(escrow.RoleBorrower)).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return fromTemplateRow(row), nil
}

// PutCanonicalTemplate implements escrow.Store.
func (s *Store) PutCanonicalTemplate(ctx context.Context, tmpl *escrow.CanonicalPsbtTemplate) error {
	outputsJSON, err := json.Marshal(tmpl.Outputs)
	if err != nil {
		return fmt.Errorf("marshal canonical outputs: %w", err)
	}
	row := canonicalTemplateRow{
		LoanID:            tmpl.LoanID,
		TxType:            int(tmpl.TxType),
		CanonicalTxid:     tmpl.CanonicalTxid,
		InputTxid:         tmpl.InputTxid,
		InputVout:         tmpl.InputVout,
		InputValueSats:    tmpl.InputValueSats,
		WitnessScriptHash: tmpl.WitnessScriptHash[:],
		OutputsJSON:       string(outputsJSON),
		FeeRateSatPerVb:   tmpl.FeeRateSatPerVb,
		VBytes:            tmpl.VBytes,
		ContentHash:       tmpl.ContentHash[:],
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// GetCanonicalTemplate implements escrow.Store. The canonical template is an
// optional cache; a loan that never had one written returns (nil, nil),
// matching storage/memstore's contract, rather than an error.
func (s *Store) GetCanonicalTemplate(ctx context.Context, loanID uint64, txType escrow.TxType) (*escrow.CanonicalPsbtTemplate, error) {
	var row canonicalTemplateRow
	err := s.db.WithContext(ctx).
		Where("loan_id = ? AND tx_type = ?", loanID, int(txType)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := &escrow.CanonicalPsbtTemplate{
		LoanID:          row.LoanID,
		TxType:          escrow.TxType(row.TxType),
		CanonicalTxid:   row.CanonicalTxid,
		InputTxid:       row.InputTxid,
		InputVout:       row.InputVout,
		InputValueSats:  row.InputValueSats,
		FeeRateSatPerVb: row.FeeRateSatPerVb,
		VBytes:          row.VBytes,
	}
	if row.OutputsJSON != "" {
		if err := json.Unmarshal([]byte(row.OutputsJSON), &out.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal canonical outputs: %w", err)
		}
	}
	copy(out.WitnessScriptHash[:], row.WitnessScriptHash)
	copy(out.ContentHash[:], row.ContentHash)
	return out, nil
}

// AppendAuditLog implements escrow.Store.
func (s *Store) AppendAuditLog(ctx context.Context, entry *escrow.DisputeAuditLog) error {
	row := auditLogRow{
		LoanID:         entry.LoanID,
		Outcome:        int(entry.Outcome),
		RuleFired:      entry.RuleFired,
		TxType:         int(entry.TxType),
		EvidenceJSON:   entry.EvidenceJSON,
		BroadcastTxid:  entry.BroadcastTxid,
		BroadcastOK:    entry.BroadcastOK,
		BroadcastError: entry.BroadcastError,
		Actor:          entry.Actor,
		ActorRole:      entry.ActorRole,
		CreatedAt:      entry.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Atomically implements escrow.Store.
func (s *Store) Atomically(ctx context.Context, writes func(tx escrow.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		return writes(&Store{db: txDB})
	})
}

func toLoanRow(loan *escrow.Loan) loanRow {
	var pendingJSON string
	if loan.PendingResolution != nil {
		if b, err := json.Marshal(loan.PendingResolution); err == nil {
			pendingJSON = string(b)
		}
	}
	return loanRow{
		PendingResolutionJSON:   pendingJSON,
		ID:                      loan.ID,
		BorrowerID:              loan.BorrowerID,
		LenderID:                loan.LenderID,
		PrincipalMinor:          loan.PrincipalMinor,
		Currency:                loan.Currency,
		InterestRateBp:          loan.InterestRateBp,
		TermMonths:              loan.TermMonths,
		CollateralSats:          loan.CollateralSats,
		Status:                  int(loan.Status),
		EscrowState:             int(loan.EscrowState),
		BorrowerPubKey:          loan.BorrowerPubKey,
		LenderPubKey:            loan.LenderPubKey,
		PlatformPubKey:          loan.PlatformPubKey,
		WitnessScript:           loan.WitnessScript,
		EscrowAddress:           loan.EscrowAddress,
		FundingTxid:             loan.FundingTxid,
		FundingVout:             loan.FundingVout,
		FundedAmountSats:        loan.FundedAmountSats,
		DepositConfirmedAt:      loan.DepositConfirmedAt,
		TopUpMonitoringActive:   loan.TopUpMonitoringActive,
		PendingTopUpSats:        loan.PendingTopUpSats,
		PreviousCollateral:      loan.PreviousCollateral,
		BorrowerReturnAddress:   loan.BorrowerReturnAddress,
		LenderReturnAddress:     loan.LenderReturnAddress,
		LenderPayout:            int(loan.LenderPayout),
		FundedAt:                loan.FundedAt,
		MaturityDate:            loan.MaturityDate,
		FundingDeadline:         loan.FundingDeadline,
		CollateralReleased:      loan.CollateralReleased,
		CollateralReleaseTxid:   loan.CollateralReleaseTxid,
		CollateralReleaseError:  loan.CollateralReleaseError,
		DisputeStatus:           int(loan.DisputeStatus),
		BorrowerSigningComplete: loan.BorrowerSigningComplete,
		CreatedAt:               loan.CreatedAt,
		UpdatedAt:               loan.UpdatedAt,
	}
}

func fromLoanRow(row loanRow) *escrow.Loan {
	var pending *escrow.ResolutionSnapshot
	if row.PendingResolutionJSON != "" {
		var snap escrow.ResolutionSnapshot
		if err := json.Unmarshal([]byte(row.PendingResolutionJSON), &snap); err == nil {
			pending = &snap
		}
	}
	return &escrow.Loan{
		PendingResolution:       pending,
		ID:                      row.ID,
		BorrowerID:              row.BorrowerID,
		LenderID:                row.LenderID,
		PrincipalMinor:          row.PrincipalMinor,
		Currency:                row.Currency,
		InterestRateBp:          row.InterestRateBp,
		TermMonths:              row.TermMonths,
		CollateralSats:          row.CollateralSats,
		Status:                  escrow.LoanStatus(row.Status),
		EscrowState:             escrow.EscrowState(row.EscrowState),
		BorrowerPubKey:          row.BorrowerPubKey,
		LenderPubKey:            row.LenderPubKey,
		PlatformPubKey:          row.PlatformPubKey,
		WitnessScript:           row.WitnessScript,
		EscrowAddress:           row.EscrowAddress,
		FundingTxid:             row.FundingTxid,
		FundingVout:             row.FundingVout,
		FundedAmountSats:        row.FundedAmountSats,
		DepositConfirmedAt:      row.DepositConfirmedAt,
		TopUpMonitoringActive:   row.TopUpMonitoringActive,
		PendingTopUpSats:        row.PendingTopUpSats,
		PreviousCollateral:      row.PreviousCollateral,
		BorrowerReturnAddress:   row.BorrowerReturnAddress,
		LenderReturnAddress:     row.LenderReturnAddress,
		LenderPayout:            escrow.PayoutPreference(row.LenderPayout),
		FundedAt:                row.FundedAt,
		MaturityDate:            row.MaturityDate,
		FundingDeadline:         row.FundingDeadline,
		CollateralReleased:      row.CollateralReleased,
		CollateralReleaseTxid:   row.CollateralReleaseTxid,
		CollateralReleaseError:  row.CollateralReleaseError,
		DisputeStatus:           escrow.DisputeStatus(row.DisputeStatus),
		BorrowerSigningComplete: row.BorrowerSigningComplete,
		CreatedAt:               row.CreatedAt,
		UpdatedAt:               row.UpdatedAt,
	}
}

func toTemplateRow(tmpl *escrow.PreSignedTemplate) templateRow {
	return templateRow{
		ID:              tmpl.ID,
		LoanID:          tmpl.LoanID,
		TxType:          int(tmpl.TxType),
		PartyRole:       int(tmpl.PartyRole),
		PSBTBase64:      tmpl.PSBTBase64,
		SignatureDER:    tmpl.SignatureDER,
		CanonicalTxid:   tmpl.CanonicalTxid,
		ValidAfter:      tmpl.ValidAfter,
		BroadcastStatus: tmpl.BroadcastStatus,
		BroadcastTxid:   tmpl.BroadcastTxid,
		CreatedAt:       tmpl.CreatedAt,
		UpdatedAt:       tmpl.UpdatedAt,
	}
}

func fromTemplateRow(row templateRow) *escrow.PreSignedTemplate {
	return &escrow.PreSignedTemplate{
		ID:              row.ID,
		LoanID:          row.LoanID,
		TxType:          escrow.TxType(row.TxType),
		PartyRole:       escrow.PartyRole(row.PartyRole),
		PSBTBase64:      row.PSBTBase64,
		SignatureDER:    row.SignatureDER,
		CanonicalTxid:   row.CanonicalTxid,
		ValidAfter:      row.ValidAfter,
		BroadcastStatus: row.BroadcastStatus,
		BroadcastTxid:   row.BroadcastTxid,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}
