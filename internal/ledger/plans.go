package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrPlanNameRequired = errors.New("plan name is required")

// PlanInput carries the caller-provided fields for a new catalog entry.
type PlanInput struct {
	Name           string
	Description    string
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	InterestRate   decimal.Decimal
	DurationMonths int
	RiskLevel      string
}

func (s *Service) CreatePlan(ctx context.Context, in PlanInput) (*Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if in.Name == "" {
		return nil, ErrPlanNameRequired
	}
	if in.MinAmount.IsNegative() || in.MaxAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	now := s.now().UTC()
	plan := &Plan{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Description:    in.Description,
		MinAmount:      in.MinAmount,
		MaxAmount:      in.MaxAmount,
		InterestRate:   in.InterestRate,
		DurationMonths: in.DurationMonths,
		RiskLevel:      in.RiskLevel,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, id string) (*Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.repo.GetPlan(ctx, id)
}

func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.repo.ListPlans(ctx, activeOnly)
}

// DeactivatePlan soft-deletes: the plan stops accepting new investments but
// existing positions keep resolving their reference.
func (s *Service) DeactivatePlan(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return s.repo.UpdatePlan(ctx, id, map[string]any{
		"isActive":  false,
		"updatedAt": s.now().UTC(),
	})
}
