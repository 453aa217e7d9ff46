package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/sgrodzki/InvestSync/internal/events"
)

var (
	// ErrNotFound covers both a missing record and a record owned by someone
	// else; callers cannot distinguish the two.
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrInvalidType       = errors.New("invalid transaction type")
	ErrInvalidStatus     = errors.New("invalid status transition")
	ErrVersionConflict   = errors.New("position was modified concurrently")
	ErrPlanInactive      = errors.New("plan is not active")
	ErrAmountOutOfRange  = errors.New("amount is outside the plan limits")
)

const (
	opTimeout         = 5 * time.Second
	maxBalanceRetries = 5

	insufficientFundsReason = "insufficient funds"
)

// Emitter pushes an event to every live session of a user. Delivery is best
// effort and never reports back into the ledger.
type Emitter interface {
	SendToUser(userID, event string, payload any)
}

// Notifier records a durable notification. Failures are logged and dropped;
// they must never fail the ledger operation that triggered them.
type Notifier interface {
	Notify(ctx context.Context, userID, notifType, title, message, priority, relatedID string) error
}

// Service owns the invariants of a user's financial position: transaction
// and position records, their statuses, and the arithmetic linking them.
type Service struct {
	repo     *Repository
	emitter  Emitter
	notifier Notifier
	log      *logrus.Logger
	now      func() time.Time
}

func NewService(repo *Repository, emitter Emitter, notifier Notifier, log *logrus.Logger) *Service {
	return &Service{
		repo:     repo,
		emitter:  emitter,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// CreateTransaction validates and persists a transaction. When it references
// a position, the balance arithmetic runs before the transaction can reach
// completed; a debit that would drive the value negative marks it failed
// instead and leaves the position untouched. The failed record is returned
// alongside ErrInsufficientFunds so the caller sees the final state.
func (s *Service) CreateTransaction(ctx context.Context, userID string, txType TransactionType, amount decimal.Decimal, description, investmentID string, metadata map[string]string) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !txType.Valid() {
		return nil, ErrInvalidType
	}

	now := s.now().UTC()
	tx := &Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		Description:  description,
		Status:       StatusPending,
		InvestmentID: investmentID,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if investmentID == "" {
		// Nothing to reconcile against, resolve synchronously.
		tx.Status = StatusCompleted
		if err := s.repo.CreateTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("could not persist transaction: %w", err)
		}
		s.emit(userID, events.TransactionCreated, tx)
		return tx, nil
	}

	// A bad position reference aborts the call with nothing persisted.
	if _, err := s.ownedPosition(ctx, investmentID, userID); err != nil {
		return nil, err
	}

	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("could not persist transaction: %w", err)
	}
	s.emit(userID, events.TransactionCreated, tx)

	if err := s.applyToPosition(ctx, tx); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			s.failTransaction(ctx, tx, insufficientFundsReason)
			return tx, ErrInsufficientFunds
		}
		return nil, err
	}

	s.completeTransaction(ctx, tx)
	return tx, nil
}

// UpdateTransactionStatus transitions a transaction. The caller is expected
// to hold elevated rights; that check happens upstream. Terminal statuses
// are immutable. A transition to completed for a position-linked transaction
// runs the same arithmetic as creation and is forced to failed when funds
// are insufficient.
func (s *Service) UpdateTransactionStatus(ctx context.Context, id string, newStatus TransactionStatus, metadata map[string]string) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !newStatus.Valid() {
		return nil, ErrInvalidStatus
	}

	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return nil, ErrInvalidStatus
	}

	if len(metadata) > 0 {
		if tx.Metadata == nil {
			tx.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			tx.Metadata[k] = v
		}
	}

	if newStatus == StatusCompleted && tx.InvestmentID != "" {
		if err := s.applyToPosition(ctx, tx); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				s.failTransaction(ctx, tx, insufficientFundsReason)
				return tx, ErrInsufficientFunds
			}
			return nil, err
		}
	}

	now := s.now().UTC()
	fields := map[string]any{
		"status":    newStatus,
		"updatedAt": now,
	}
	if len(tx.Metadata) > 0 {
		fields["metadata"] = tx.Metadata
	}
	if err := s.repo.UpdateTransaction(ctx, tx.ID, fields); err != nil {
		return nil, err
	}
	tx.Status = newStatus
	tx.UpdatedAt = now

	s.emit(tx.UserID, events.TransactionUpdate, tx)
	if newStatus == StatusCompleted {
		s.notify(ctx, tx.UserID, "transaction_completed", "Transaction completed",
			fmt.Sprintf("Your %s of %s has completed.", tx.Type, tx.Amount.StringFixed(2)), "medium", tx.ID)
	}
	return tx, nil
}

// AddSubTransaction applies one embedded ledger entry directly to a
// position: the append and the value update land in a single guarded write.
func (s *Service) AddSubTransaction(ctx context.Context, investmentID, userID string, subType SubTransactionType, amount decimal.Decimal, description string) (*Position, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !subType.Valid() {
		return nil, ErrInvalidType
	}

	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		pos, err := s.ownedPosition(ctx, investmentID, userID)
		if err != nil {
			return nil, err
		}

		delta := amount
		if !subType.Credit() {
			delta = delta.Neg()
		}
		newValue := pos.CurrentValue.Add(delta)
		if newValue.IsNegative() {
			return nil, ErrInsufficientFunds
		}

		now := s.now().UTC()
		sub := SubTransaction{Type: subType, Amount: amount, Date: now, Description: description}
		err = s.repo.UpdatePositionGuarded(ctx, pos.ID, map[string]any{
			"currentValue":    newValue,
			"lastValuationAt": now,
			"updatedAt":       now,
			"transactions":    append(pos.Transactions, sub),
			"version":         pos.Version + 1,
		}, pos.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		pos.CurrentValue = newValue
		pos.LastValuationAt = now
		pos.UpdatedAt = now
		pos.Transactions = append(pos.Transactions, sub)
		pos.Version++

		s.emit(userID, events.InvestmentUpdate, pos)
		s.pushSnapshot(ctx, userID)
		return pos, nil
	}
	return nil, ErrVersionConflict
}

// GetSumByType aggregates transaction amounts for one (type, status) pair.
func (s *Service) GetSumByType(ctx context.Context, userID string, txType TransactionType, status TransactionStatus) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !txType.Valid() {
		return decimal.Zero, ErrInvalidType
	}
	if !status.Valid() {
		return decimal.Zero, ErrInvalidStatus
	}

	txs, err := s.repo.TransactionsByTypeAndStatus(ctx, userID, txType, status)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	return sum, nil
}

// InvestInPlan creates a position from an active plan. The initial value is
// the invested amount, recorded as a synthetic "initial deposit" entry, with
// a completed funding transaction alongside.
func (s *Service) InvestInPlan(ctx context.Context, userID, planID string, amount decimal.Decimal) (*Position, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrPlanInactive
	}
	if amount.LessThan(plan.MinAmount) {
		return nil, ErrAmountOutOfRange
	}
	if plan.MaxAmount.IsPositive() && amount.GreaterThan(plan.MaxAmount) {
		return nil, ErrAmountOutOfRange
	}

	now := s.now().UTC()
	pos := &Position{
		ID:              uuid.NewString(),
		UserID:          userID,
		PlanID:          plan.ID,
		Amount:          amount,
		CurrentValue:    amount,
		Status:          PositionActive,
		StartDate:       now,
		LastValuationAt: now,
		Transactions: []SubTransaction{
			{Type: SubDeposit, Amount: amount, Date: now, Description: "initial deposit"},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("could not persist position: %w", err)
	}

	tx := &Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         TypeInvestmentTransfer,
		Amount:       amount,
		Description:  "Investment in " + plan.Name,
		Status:       StatusCompleted,
		InvestmentID: pos.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("could not persist funding transaction: %w", err)
	}

	s.emit(userID, events.InvestmentCreated, pos)
	s.emit(userID, events.TransactionCreated, tx)
	s.pushSnapshot(ctx, userID)
	s.notify(ctx, userID, "investment_created", "Investment created",
		fmt.Sprintf("You invested %s in %s.", amount.StringFixed(2), plan.Name), "medium", pos.ID)
	return pos, nil
}

func (s *Service) GetPosition(ctx context.Context, investmentID, userID string) (*Position, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.ownedPosition(ctx, investmentID, userID)
}

func (s *Service) ListPositions(ctx context.Context, userID string) ([]Position, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.repo.PositionsByUser(ctx, userID)
}

func (s *Service) GetTransaction(ctx context.Context, id, userID string) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, ErrNotFound
	}
	return tx, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string) ([]Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.repo.TransactionsByUser(ctx, userID)
}

// Snapshot aggregates all of a user's positions. Cancelled positions are
// excluded; everything else counts toward the totals.
func (s *Service) Snapshot(ctx context.Context, userID string) (*PortfolioSnapshot, error) {
	positions, err := s.repo.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap := &PortfolioSnapshot{
		UserID:        userID,
		TotalValue:    decimal.Zero,
		TotalInvested: decimal.Zero,
		Gain:          decimal.Zero,
		GainPercent:   decimal.Zero,
		ComputedAt:    s.now().UTC(),
	}
	for _, pos := range positions {
		if pos.Status == PositionCancelled {
			continue
		}
		snap.TotalValue = snap.TotalValue.Add(pos.CurrentValue)
		snap.TotalInvested = snap.TotalInvested.Add(pos.Amount)
		snap.Positions++
	}
	snap.Gain = snap.TotalValue.Sub(snap.TotalInvested)
	if snap.TotalInvested.IsPositive() {
		snap.GainPercent = snap.Gain.Div(snap.TotalInvested).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return snap, nil
}

// applyToPosition runs the guarded read-modify-write for a position-linked
// transaction. On a version conflict the position is reloaded and the
// arithmetic re-evaluated, so the insufficient-funds check always runs
// against the state the write commits on.
func (s *Service) applyToPosition(ctx context.Context, tx *Transaction) error {
	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		pos, err := s.ownedPosition(ctx, tx.InvestmentID, tx.UserID)
		if err != nil {
			return err
		}

		delta := tx.Amount
		if !tx.Type.Credit() {
			delta = delta.Neg()
		}
		newValue := pos.CurrentValue.Add(delta)
		if newValue.IsNegative() {
			return ErrInsufficientFunds
		}

		now := s.now().UTC()
		sub := SubTransaction{
			Type:        subTypeFor(tx.Type),
			Amount:      tx.Amount,
			Date:        now,
			Description: tx.Description,
		}
		err = s.repo.UpdatePositionGuarded(ctx, pos.ID, map[string]any{
			"currentValue":    newValue,
			"lastValuationAt": now,
			"updatedAt":       now,
			"transactions":    append(pos.Transactions, sub),
			"version":         pos.Version + 1,
		}, pos.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		pos.CurrentValue = newValue
		pos.LastValuationAt = now
		pos.UpdatedAt = now
		pos.Transactions = append(pos.Transactions, sub)
		pos.Version++
		s.emit(tx.UserID, events.InvestmentUpdate, pos)
		s.pushSnapshot(ctx, tx.UserID)
		return nil
	}
	return ErrVersionConflict
}

// subTypeFor maps a transaction type onto the embedded ledger vocabulary.
func subTypeFor(t TransactionType) SubTransactionType {
	switch t {
	case TypeDeposit, TypeInvestmentTransfer:
		return SubDeposit
	case TypeDividend, TypeInterest:
		return SubInterest
	case TypeFee:
		return SubFee
	default:
		return SubWithdrawal
	}
}

// ownedPosition treats an ownership mismatch exactly like a missing record.
func (s *Service) ownedPosition(ctx context.Context, investmentID, userID string) (*Position, error) {
	pos, err := s.repo.GetPosition(ctx, investmentID)
	if err != nil {
		return nil, err
	}
	if pos.UserID != userID {
		return nil, ErrNotFound
	}
	return pos, nil
}

func (s *Service) failTransaction(ctx context.Context, tx *Transaction, reason string) {
	now := s.now().UTC()
	err := s.repo.UpdateTransaction(ctx, tx.ID, map[string]any{
		"status":        StatusFailed,
		"failureReason": reason,
		"updatedAt":     now,
	})
	if err != nil {
		s.log.WithError(err).WithField("transaction", tx.ID).Error("could not mark transaction failed")
	}
	tx.Status = StatusFailed
	tx.FailureReason = reason
	tx.UpdatedAt = now

	s.emit(tx.UserID, events.TransactionUpdate, tx)
	s.notify(ctx, tx.UserID, "transaction_failed", "Transaction failed",
		fmt.Sprintf("Your %s of %s failed: %s.", tx.Type, tx.Amount.StringFixed(2), reason), "high", tx.ID)
}

func (s *Service) completeTransaction(ctx context.Context, tx *Transaction) {
	now := s.now().UTC()
	err := s.repo.UpdateTransaction(ctx, tx.ID, map[string]any{
		"status":    StatusCompleted,
		"updatedAt": now,
	})
	if err != nil {
		s.log.WithError(err).WithField("transaction", tx.ID).Error("could not mark transaction completed")
		return
	}
	tx.Status = StatusCompleted
	tx.UpdatedAt = now

	s.emit(tx.UserID, events.TransactionUpdate, tx)
	s.notify(ctx, tx.UserID, "transaction_completed", "Transaction completed",
		fmt.Sprintf("Your %s of %s has completed.", tx.Type, tx.Amount.StringFixed(2)), "medium", tx.ID)
}

func (s *Service) pushSnapshot(ctx context.Context, userID string) {
	if s.emitter == nil {
		return
	}
	snap, err := s.Snapshot(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user", userID).Warn("could not compute portfolio snapshot")
		return
	}
	s.emitter.SendToUser(userID, events.PortfolioUpdate, snap)
}

func (s *Service) emit(userID, event string, payload any) {
	if s.emitter == nil {
		return
	}
	s.emitter.SendToUser(userID, event, payload)
}

// notify is fire and forget: a notification failure never rolls back or
// fails the ledger operation that produced it.
func (s *Service) notify(ctx context.Context, userID, notifType, title, message, priority, relatedID string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(context.WithoutCancel(ctx), userID, notifType, title, message, priority, relatedID)
	if err != nil {
		s.log.WithError(err).WithField("user", userID).Warn("could not record notification")
	}
}
