package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sgrodzki/InvestSync/internal/store"
)

// Collection names, shared with the change-stream watcher.
const (
	CollTransactions = "transactions"
	CollInvestments  = "investments"
	CollPlans        = "plans"
)

// Repository maps ledger entities onto document-store collections. It stays
// thin: ownership checks and arithmetic belong to the service.
type Repository struct {
	store store.Store
}

func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) CreateTransaction(ctx context.Context, tx *Transaction) error {
	return r.store.Set(ctx, CollTransactions, tx.ID, tx)
}

func (r *Repository) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var tx Transaction
	if err := r.store.Get(ctx, CollTransactions, id, &tx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not load transaction %s: %w", id, err)
	}
	return &tx, nil
}

func (r *Repository) UpdateTransaction(ctx context.Context, id string, fields map[string]any) error {
	if err := r.store.Update(ctx, CollTransactions, id, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("could not update transaction %s: %w", id, err)
	}
	return nil
}

func (r *Repository) TransactionsByUser(ctx context.Context, userID string) ([]Transaction, error) {
	var txs []Transaction
	err := r.store.Query(ctx, CollTransactions, []store.Cond{store.Eq("userId", userID)}, &txs)
	return txs, err
}

func (r *Repository) TransactionsByTypeAndStatus(ctx context.Context, userID string, txType TransactionType, status TransactionStatus) ([]Transaction, error) {
	conds := []store.Cond{
		store.Eq("userId", userID),
		store.Eq("type", txType),
		store.Eq("status", status),
	}
	var txs []Transaction
	err := r.store.Query(ctx, CollTransactions, conds, &txs)
	return txs, err
}

func (r *Repository) CreatePosition(ctx context.Context, pos *Position) error {
	return r.store.Set(ctx, CollInvestments, pos.ID, pos)
}

func (r *Repository) GetPosition(ctx context.Context, id string) (*Position, error) {
	var pos Position
	if err := r.store.Get(ctx, CollInvestments, id, &pos); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not load position %s: %w", id, err)
	}
	return &pos, nil
}

func (r *Repository) PositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	var positions []Position
	err := r.store.Query(ctx, CollInvestments, []store.Cond{store.Eq("userId", userID)}, &positions)
	return positions, err
}

// UpdatePositionGuarded applies fields only if the stored version still
// matches expectedVersion. ErrVersionConflict signals the caller to reload
// and retry.
func (r *Repository) UpdatePositionGuarded(ctx context.Context, id string, fields map[string]any, expectedVersion int64) error {
	err := r.store.UpdateIf(ctx, CollInvestments, id, fields, store.Eq("version", expectedVersion))
	switch {
	case errors.Is(err, store.ErrPreconditionFailed):
		return ErrVersionConflict
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("could not update position %s: %w", id, err)
	}
	return nil
}

func (r *Repository) CreatePlan(ctx context.Context, plan *Plan) error {
	return r.store.Set(ctx, CollPlans, plan.ID, plan)
}

func (r *Repository) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var plan Plan
	if err := r.store.Get(ctx, CollPlans, id, &plan); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not load plan %s: %w", id, err)
	}
	return &plan, nil
}

func (r *Repository) ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error) {
	var conds []store.Cond
	if activeOnly {
		conds = append(conds, store.Eq("isActive", true))
	}
	var plans []Plan
	err := r.store.Query(ctx, CollPlans, conds, &plans)
	return plans, err
}

func (r *Repository) UpdatePlan(ctx context.Context, id string, fields map[string]any) error {
	if err := r.store.Update(ctx, CollPlans, id, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("could not update plan %s: %w", id, err)
	}
	return nil
}
