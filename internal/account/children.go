package account

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/hapo/internal/apperr"
	"github.com/dukerupert/hapo/internal/model"
	"github.com/dukerupert/hapo/internal/token"
)

var (
	DefaultWeeklyLimit = decimal.NewFromInt(50)
	DefaultDailyLimit  = decimal.NewFromInt(10)
)

const childUsernameDomain = "@hapo.com"

type ChildInput struct {
	FirstName   string            `json:"first_name"`
	LastName    string            `json:"last_name"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password"`
	WeeklyLimit *decimal.Decimal  `json:"weekly_limit,omitempty"`
	DailyLimit  *decimal.Decimal  `json:"daily_limit,omitempty"`
	Profile     map[string]string `json:"profile,omitempty"`
}

// DefaultUsername is the sign-in name given to a child without one:
// the lowercased first name at the hapo.com domain.
func DefaultUsername(firstName string) string {
	return strings.ToLower(strings.Join(strings.Fields(firstName), "")) + childUsernameDomain
}

func checkLimit(name string, d decimal.Decimal) error {
	if d.IsNegative() || !model.WholeCents(d) {
		return apperr.Validation("%s must be a non-negative amount with at most two decimal places", name)
	}
	return nil
}

func (s *Service) parent(ctx context.Context, parentID string) (*model.Account, error) {
	p, err := s.accounts.GetAccount(ctx, parentID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if p == nil || p.Role != model.RoleParent {
		return nil, apperr.ErrNotFound
	}
	return p, nil
}

// AddChild creates a child account under parentID. Children are created
// verified and without MFA, and sign in with their username.
func (s *Service) AddChild(ctx context.Context, parentID string, in ChildInput) (*model.Account, error) {
	if _, err := s.parent(ctx, parentID); err != nil {
		return nil, err
	}

	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	if first == "" {
		return nil, apperr.Validation("first name is required")
	}
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if username == "" {
		username = DefaultUsername(first)
	}
	if strings.ContainsAny(username, " \t\n") || len(username) < 3 {
		return nil, apperr.Validation("username %q is not valid", username)
	}
	if len(in.Password) < token.MinPasswordLength {
		return nil, apperr.Validation("password must be at least %d characters", token.MinPasswordLength)
	}

	weekly, daily := DefaultWeeklyLimit, DefaultDailyLimit
	if in.WeeklyLimit != nil {
		weekly = *in.WeeklyLimit
	}
	if in.DailyLimit != nil {
		daily = *in.DailyLimit
	}
	if err := checkLimit("weekly_limit", weekly); err != nil {
		return nil, err
	}
	if err := checkLimit("daily_limit", daily); err != nil {
		return nil, err
	}

	digest, err := token.HashPassword(in.Password, s.params)
	if err != nil {
		return nil, apperr.Storage(err)
	}

	now := s.clock()
	pid := parentID
	child := &model.Account{
		ID:            newID(),
		Role:          model.RoleChild,
		FullName:      strings.TrimSpace(first + " " + last),
		Username:      username,
		Profile:       in.Profile,
		PasswordHash:  digest,
		EmailVerified: true,
		ParentID:      &pid,
		Balance:       decimal.Zero,
		WeeklyLimit:   weekly,
		DailyLimit:    daily,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.accounts.CreateAccount(ctx, child); err != nil {
		return nil, apperr.Storage(err)
	}
	s.logger.Info("child added", "parent_id", parentID, "account_id", child.ID)
	return child, nil
}

func (s *Service) ListChildren(ctx context.Context, parentID string) ([]model.Account, error) {
	if _, err := s.parent(ctx, parentID); err != nil {
		return nil, err
	}
	children, err := s.accounts.ListChildren(ctx, parentID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if children == nil {
		children = []model.Account{}
	}
	return children, nil
}

// SetLimits updates a child's spending limits. Limits are informational;
// credits are not checked against them.
func (s *Service) SetLimits(ctx context.Context, parentID, childID string, weekly, daily decimal.Decimal) (*model.Account, error) {
	if err := checkLimit("weekly_limit", weekly); err != nil {
		return nil, err
	}
	if err := checkLimit("daily_limit", daily); err != nil {
		return nil, err
	}
	child, err := s.Child(ctx, parentID, childID)
	if err != nil {
		return nil, err
	}
	child.WeeklyLimit = weekly
	child.DailyLimit = daily
	child.UpdatedAt = s.clock()
	if err := s.accounts.UpdateAccount(ctx, child); err != nil {
		return nil, apperr.Storage(err)
	}
	return child, nil
}

// Child returns childID if it belongs to parentID.
func (s *Service) Child(ctx context.Context, parentID, childID string) (*model.Account, error) {
	child, err := s.accounts.GetAccount(ctx, childID)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if child == nil || !child.IsChildOf(parentID) {
		return nil, apperr.ErrStudentNotFound
	}
	return child, nil
}

func (s *Service) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if a == nil {
		return nil, apperr.ErrNotFound
	}
	return a, nil
}
