package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeDeposit            TransactionType = "deposit"
	TypeWithdrawal         TransactionType = "withdrawal"
	TypeInvestmentTransfer TransactionType = "investment_transfer"
	TypeDividend           TransactionType = "dividend"
	TypeFee                TransactionType = "fee"
	TypeInterest           TransactionType = "interest"
	TypeTransfer           TransactionType = "transfer"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeInvestmentTransfer, TypeDividend,
		TypeFee, TypeInterest, TypeTransfer:
		return true
	}
	return false
}

// Credit reports whether the type increases a position's value. Every type
// has a defined direction; amounts themselves are always positive.
func (t TransactionType) Credit() bool {
	switch t {
	case TypeDeposit, TypeDividend, TypeInterest, TypeInvestmentTransfer:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses are immutable once reached.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionPending   PositionStatus = "pending"
	PositionCompleted PositionStatus = "completed"
	PositionCancelled PositionStatus = "cancelled"
)

// Transaction is a logged financial movement: an intent plus an outcome.
// The referenced position's value remains the authoritative account of money.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	Description   string            `json:"description"`
	Status        TransactionStatus `json:"status"`
	InvestmentID  string            `json:"investmentId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Reference     string            `json:"reference,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type SubTransactionType string

const (
	SubDeposit    SubTransactionType = "deposit"
	SubWithdrawal SubTransactionType = "withdrawal"
	SubInterest   SubTransactionType = "interest"
	SubFee        SubTransactionType = "fee"
)

func (t SubTransactionType) Valid() bool {
	switch t {
	case SubDeposit, SubWithdrawal, SubInterest, SubFee:
		return true
	}
	return false
}

func (t SubTransactionType) Credit() bool {
	return t == SubDeposit || t == SubInterest
}

// SubTransaction is one entry of a position's embedded ledger.
type SubTransaction struct {
	Type        SubTransactionType `json:"type"`
	Amount      decimal.Decimal    `json:"amount"`
	Date        time.Time          `json:"date"`
	Description string             `json:"description"`
}

// Position is a user's stake in an investment plan. Version guards every
// balance write: concurrent updates to the same position cannot both commit
// against the same observed state.
type Position struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	PlanID          string           `json:"planId"`
	Amount          decimal.Decimal  `json:"amount"`
	CurrentValue    decimal.Decimal  `json:"currentValue"`
	Status          PositionStatus   `json:"status"`
	StartDate       time.Time        `json:"startDate"`
	LastValuationAt time.Time        `json:"lastValuationAt"`
	Transactions    []SubTransaction `json:"transactions"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Plan is a catalog template, never user-owned. Plans are soft-deleted so
// historical positions keep a resolvable reference.
type Plan struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	MinAmount      decimal.Decimal `json:"minAmount"`
	MaxAmount      decimal.Decimal `json:"maxAmount"`
	InterestRate   decimal.Decimal `json:"interestRate"`
	DurationMonths int             `json:"durationMonths"`
	RiskLevel      string          `json:"riskLevel"`
	IsActive       bool            `json:"isActive"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// PortfolioSnapshot is a derived aggregate, recomputed on demand and pushed
// to live sessions; it is never stored.
type PortfolioSnapshot struct {
	UserID        string          `json:"userId"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	TotalInvested decimal.Decimal `json:"totalInvested"`
	Gain          decimal.Decimal `json:"gain"`
	GainPercent   decimal.Decimal `json:"gainPercent"`
	Positions     int             `json:"positions"`
	ComputedAt    time.Time       `json:"computedAt"`
}
